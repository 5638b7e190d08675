package hub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prxssh/dchub/internal/share"
)

// Search emits an outbound search request: BSCH (dialect A, broadcast) or
// $Search (dialect B). token is echoed back in matching RES/$SR replies.
// ourPort is used only by dialect B, as the UDP port of an active
// $Search's host:port return address; sudpKey is used only by dialect A,
// where a non-empty key is sent as the SUDP KY field (§4.7); passive forces
// the "Hub:nick" NMDC addressing instead of host:port.
func (h *Hub) Search(q share.Query, token string, ourPort int, passive bool, sudpKey string) error {
	if err := h.checkState(StateNormal); err != nil {
		return err
	}

	h.mut.Lock()
	dialect := h.dialect
	h.mut.Unlock()

	if dialect == DialectADC {
		return h.searchADC(q, token, sudpKey)
	}
	return h.searchNMDC(q, ourPort, passive)
}

func (h *Hub) searchADC(q share.Query, token, sudpKey string) error {
	h.mut.Lock()
	ownSID := h.ownSID
	h.mut.Unlock()

	var b strings.Builder
	b.WriteString("BSCH")
	b.WriteString(ownSID.String())

	if q.TTH != nil {
		b.WriteString(" TR")
		b.WriteString(q.TTH.String())
	} else {
		for _, tok := range q.Pattern {
			b.WriteString(" AN")
			b.WriteString(escapeADC(tok))
		}
		for _, tok := range q.Exclude {
			b.WriteString(" NO")
			b.WriteString(escapeADC(tok))
		}
		for _, ext := range q.Extensions {
			b.WriteString(" EX")
			b.WriteString(escapeADC(ext))
		}
		if q.FileType != share.FileTypeAny {
			b.WriteString(" TY")
			b.WriteString(strconv.Itoa(int(q.FileType)))
		}
		if q.MinSize > 0 {
			b.WriteString(" GE")
			b.WriteString(strconv.FormatInt(q.MinSize, 10))
		}
		if q.MaxSize > 0 {
			b.WriteString(" LE")
			b.WriteString(strconv.FormatInt(q.MaxSize, 10))
		}
	}
	if token != "" {
		b.WriteString(" TO")
		b.WriteString(token)
	}
	if sudpKey != "" {
		b.WriteString(" KY")
		b.WriteString(sudpKey)
	}

	return h.writeLine(b.String())
}

// searchNMDC builds a legacy "$Search <addr> <sizeRestrict>?<isMax>?<size>
// ?<type>?<query>" request, the same shape handleLegacySearch parses on the
// receiving side.
func (h *Hub) searchNMDC(q share.Query, ourPort int, passive bool) error {
	h.mut.Lock()
	nick := h.cfg.Nick
	h.mut.Unlock()

	addr := "Hub:" + nick
	if !passive && ourPort > 0 {
		addr = fmt.Sprintf("%s:%d", h.ourAddress(), ourPort)
	}

	var sizeRestrict, isMax, size, typ, query string
	switch {
	case q.TTH != nil:
		sizeRestrict, isMax, size, typ = "F", "F", "0", "9"
		query = "TTH:" + q.TTH.String()
	case q.MaxSize > 0:
		sizeRestrict, isMax, size = "T", "T", strconv.FormatInt(q.MaxSize, 10)
	case q.MinSize > 0:
		sizeRestrict, isMax, size = "T", "F", strconv.FormatInt(q.MinSize, 10)
	default:
		sizeRestrict, isMax, size = "F", "F", "0"
	}
	if q.TTH == nil {
		typ = strconv.Itoa(int(q.FileType))
		query = strings.Join(q.Pattern, "$")
	}

	line := fmt.Sprintf("$Search %s %s?%s?%s?%s?%s", addr, sizeRestrict, isMax, size, typ, query)
	return h.writeLine(line)
}
