package hub

import (
	"context"
	"encoding/base32"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/share"
	"github.com/prxssh/dchub/internal/tiger"
)

// supportedFeatures is what we advertise in our own SUP line.
var supportedFeatures = []string{"ADBAS0", "ADBASE", "ADTIGR", "ADZLIF", "ADBLO0", "ADUCM0"}

// serveADC runs the dialect-A login sequence and then the steady-state
// command loop until the socket closes or ctx is cancelled.
func (h *Hub) serveADC(ctx context.Context) error {
	if err := h.writeLine("SUP " + strings.Join(supportedFeatures, " ")); err != nil {
		return err
	}

	for {
		line, err := h.readLineADC()
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if err := h.handleADCLine(line); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (h *Hub) readLineADC() (string, error) {
	line, err := h.rw.ReadString('\n')
	if err != nil {
		return "", err
	}
	h.mut.Lock()
	h.lastActivity = time.Now()
	h.mut.Unlock()
	return strings.TrimRight(line, "\r\n"), nil
}

// handleADCLine dispatches one received ADC line (Type+Cmd prefix stripped
// of addressing, since the client side only cares about I-/B- addressed or
// hub-sourced messages it subscribed to).
func (h *Hub) handleADCLine(line string) error {
	fields := splitADC(line)
	if len(fields) == 0 {
		return nil
	}

	head := fields[0]
	if len(head) < 4 {
		return nil // malformed, ignore per "benign" error handling
	}
	cmd := head[1:4]
	rest := fields[1:]

	switch cmd {
	case "SUP":
		return h.handleSUP(rest)
	case "SID":
		return h.handleSID(rest)
	case "INF":
		return h.handleINFFromHub(rest)
	case "GPA":
		return h.handleGPA(rest)
	case "STA":
		return h.handleSTA(rest)
	case "QUI":
		return h.handleQUI(rest)
	case "CTM":
		return h.handleCTM(rest)
	case "RCM":
		return h.handleRCM(rest)
	case "NAT", "RNT":
		return nil // peer-connection traversal, handled by connection layer via Listener
	case "SCH":
		return h.handleSCH(rest)
	case "RES":
		return h.handleRES(rest)
	case "MSG":
		return h.handleMSG(rest)
	default:
		return nil // benign: unknown command, silently ignored
	}
}

func (h *Hub) handleSUP(fields []string) error {
	for _, f := range fields {
		if f == "ADBASE" {
			return nil
		}
	}
	return fmt.Errorf("hub: ADC: hub did not advertise ADBASE")
}

func (h *Hub) handleSID(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	h.mut.Lock()
	h.ownSID = identity.ParseSID(fields[0])
	h.state = StateIdentify
	h.mut.Unlock()

	return h.sendINF()
}

// sendINF builds the current info map and transmits only the keys that
// differ from the last INF sent, per §4.3.
func (h *Hub) sendINF() error {
	if err := h.checkState(StateIdentify); err != nil {
		return nil // no-op before SID, per the state-machine boundary test
	}

	info := h.buildInfoMap()

	h.mut.Lock()
	prev := h.lastINF
	if prev == nil {
		prev = map[string]string{}
	}
	var diff map[string]string
	if len(prev) == 0 {
		diff = info
	} else {
		id := &identity.Identity{Info: prev}
		diff = id.Diff(info)
	}
	h.lastINF = info
	h.mut.Unlock()

	if len(diff) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("BINF ")
	b.WriteString(h.ownSID.String())
	for _, k := range sortedKeys(diff) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString(escapeADC(diff[k]))
	}
	return h.writeLine(b.String())
}

func (h *Hub) buildInfoMap() map[string]string {
	m := map[string]string{
		"NI": h.cfg.Nick,
		"DE": h.cfg.Description,
		"SL": strconv.Itoa(h.cfg.Slots),
		"SS": strconv.FormatInt(h.cfg.ShareSize, 10),
		"SF": strconv.Itoa(h.cfg.ShareFiles),
		"VE": "dchub 1.0",
		"US": "0",
		"SU": "TCP4,SEGA",
	}
	if h.cfg.Keyprint != "" {
		m["KP"] = h.cfg.Keyprint
	}
	return m
}

func (h *Hub) handleINFFromHub(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	sid := identity.ParseSID(fields[0])

	h.mut.Lock()
	id, ok := h.users[sid]
	if !ok {
		id = identity.NewIdentity(&identity.User{}, sid)
		h.users[sid] = id
	}
	for _, kv := range fields[1:] {
		if len(kv) < 2 {
			continue
		}
		id.Set(kv[:2], unescapeADC(kv[2:]))
	}
	cidStr := id.Get("ID")
	if sid == h.ownSID && h.state < StateNormal {
		// The hub echoing our own SID's INF back confirms the login
		// sequence completed; this is dialect A's equivalent of dialect
		// B's own-nick $MyINFO echo (see handleMyINFO).
		h.state = StateNormal
	}
	listener := h.listener
	h.mut.Unlock()

	if cidStr != "" {
		if cid, err := identity.ParseCID(cidStr); err == nil {
			h.mut.Lock()
			id.User.CID = cid
			h.usersByCID[cid] = id
			h.mut.Unlock()
		}
	}

	if listener != nil {
		listener.OnUserJoin(h, id)
	}
	return nil
}

func (h *Hub) handleGPA(fields []string) error {
	if len(fields) == 0 || h.cfg.Password == nil {
		return nil
	}
	salt, err := decode39Bytes(fields[0])
	if err != nil {
		return err
	}

	h.mut.Lock()
	h.salt = salt
	h.state = StateVerify
	h.mut.Unlock()

	if h.listener != nil {
		h.listener.OnPasswordRequired(h)
	}

	pass, err := h.cfg.Password()
	if err != nil {
		return err
	}

	sum := tiger.Sum(append([]byte(pass), salt...))
	resp := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	return h.writeLine("BPAS " + h.ownSID.String() + " " + resp)
}

func (h *Hub) handleSTA(fields []string) error {
	if len(fields) >= 1 && len(fields[0]) >= 3 && fields[0][:3] == "121" {
		// ERROR_COMMAND_ACCESS: remember we're forbidden from sending it.
		if len(fields) >= 2 {
			h.mut.Lock()
			h.forbidden[fields[1]] = struct{}{}
			h.mut.Unlock()
		}
	}
	return nil
}

func (h *Hub) handleQUI(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	sid := identity.ParseSID(fields[0])

	h.mut.Lock()
	id, ok := h.users[sid]
	delete(h.users, sid)
	if ok && id.User != nil {
		delete(h.usersByCID, id.User.CID)
	}
	self := sid == h.ownSID
	h.mut.Unlock()

	if self {
		for _, f := range fields[1:] {
			if len(f) >= 2 && f[:2] == "TL" && f[2:] == "-1" {
				h.mut.Lock()
				h.reconnect = false
				h.mut.Unlock()
			}
		}
	}

	if h.listener != nil {
		h.listener.OnUserQuit(h, sid)
	}
	return nil
}

func (h *Hub) handleCTM(fields []string) error {
	if len(fields) < 3 {
		return nil
	}
	proto, portStr, token := fields[0], fields[1], fields[2]
	port, _ := strconv.Atoi(portStr)
	if h.listener != nil {
		h.listener.OnConnectRequest(h, ConnectRequest{Protocol: proto, Port: port, Token: token})
	}
	return nil
}

func (h *Hub) handleRCM(fields []string) error {
	if len(fields) < 2 {
		return nil
	}
	if h.listener != nil {
		h.listener.OnConnectRequest(h, ConnectRequest{Protocol: fields[0], Token: fields[1], IsReverse: true})
	}
	return nil
}

// handleRES parses an incoming RES (search result) and reports it to the
// listener. This used to be wrongly reached from the "SCH" case; RES and
// SCH carry disjoint field sets (FN/SI/TR/SL/TO vs AN/NO/EX/TY/...) and are
// opposite directions of the same exchange.
func (h *Hub) handleRES(fields []string) error {
	res := SearchResult{}
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		switch f[:2] {
		case "FN":
			res.VirtualPath = unescapeADC(f[2:])
		case "SI":
			res.Size, _ = strconv.ParseInt(f[2:], 10, 64)
		case "TR":
			if tth, err := identity.ParseTTH(f[2:]); err == nil {
				res.TTH = tth
			}
		case "SL":
			res.FreeSlots, _ = strconv.Atoi(f[2:])
		case "TO":
			res.Token = f[2:]
		}
	}
	if h.listener != nil {
		h.listener.OnSearchResult(h, res)
	}
	return nil
}

// handleSCH parses an incoming search request and, if it matches our share,
// replies with a direct RES addressed back to the requester's SID. fields[0]
// is the requester's own SID (the B-type addressing the dispatch layer
// leaves in the parameter list, same convention as handleINFFromHub).
func (h *Hub) handleSCH(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	fromSID := identity.ParseSID(fields[0])

	if !h.searchFloodCheck(fromSID.String(), time.Now()) {
		return nil
	}

	var q share.Query
	var token string
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		switch f[:2] {
		case "AN":
			q.Pattern = append(q.Pattern, unescapeADC(f[2:]))
		case "NO", "RX":
			q.Exclude = append(q.Exclude, unescapeADC(f[2:]))
		case "EX":
			q.Extensions = append(q.Extensions, unescapeADC(f[2:]))
		case "TY", "GR":
			if n, err := strconv.Atoi(f[2:]); err == nil {
				q.FileType = share.FileType(n)
			}
		case "GE":
			q.MinSize, _ = strconv.ParseInt(f[2:], 10, 64)
		case "LE":
			q.MaxSize, _ = strconv.ParseInt(f[2:], 10, 64)
		case "TR":
			if tth, err := identity.ParseTTH(f[2:]); err == nil {
				q.TTH = &tth
			}
		case "TO":
			token = f[2:]
		}
	}

	if h.cfg.Search == nil {
		return nil
	}
	results := h.cfg.Search(q)
	if len(results) == 0 {
		return nil
	}

	h.mut.Lock()
	ownSID := h.ownSID
	slots := h.cfg.Slots
	h.mut.Unlock()

	for _, res := range results {
		var b strings.Builder
		b.WriteString("DRES")
		b.WriteString(ownSID.String())
		b.WriteString(fromSID.String())
		b.WriteString(" FN")
		b.WriteString(escapeADC(res.VirtualPath))
		b.WriteString(" SI")
		b.WriteString(strconv.FormatInt(res.Size, 10))
		b.WriteString(" SL")
		b.WriteString(strconv.Itoa(slots))
		if !res.TTH.IsZero() {
			b.WriteString(" TR")
			b.WriteString(res.TTH.String())
		}
		if token != "" {
			b.WriteString(" TO")
			b.WriteString(token)
		}
		if err := h.writeLine(b.String()); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) handleMSG(fields []string) error {
	if len(fields) < 1 {
		return nil
	}
	text := unescapeADC(fields[len(fields)-1])
	if h.listener != nil {
		h.listener.OnChatMessage(h, "", text)
	}
	return nil
}

// splitADC splits an ADC line on unescaped spaces.
func splitADC(line string) []string {
	var out []string
	var cur strings.Builder
	esc := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case esc:
			cur.WriteByte(c)
			esc = false
		case c == '\\':
			esc = true
		case c == ' ':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

func escapeADC(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\\', '\n':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unescapeADC(s string) string {
	var b strings.Builder
	esc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if esc {
			b.WriteByte(c)
			esc = false
			continue
		}
		if c == '\\' {
			esc = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func decode39Bytes(s string) ([]byte, error) {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return enc.DecodeString(strings.ToUpper(s))
}
