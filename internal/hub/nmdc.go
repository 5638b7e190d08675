package hub

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/share"
	"github.com/prxssh/dchub/internal/tiger"
)

// serveNMDC runs the dialect-B login sequence and steady-state command loop.
// Frames are decoded from the hub's legacy code page to UTF-8 at
// readLineNMDC via nmdcDecode, currently the identity transform; outgoing
// frames are written as-is, not passed through nmdcEncode.
func (h *Hub) serveNMDC(ctx context.Context) error {
	for {
		line, err := h.readLineNMDC()
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if err := h.handleNMDCLine(line); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (h *Hub) readLineNMDC() (string, error) {
	raw, err := h.rw.ReadString('|')
	if err != nil {
		return "", err
	}
	h.mut.Lock()
	h.lastActivity = time.Now()
	h.mut.Unlock()
	return nmdcDecode(strings.TrimSuffix(raw, "|")), nil
}

func (h *Hub) handleNMDCLine(line string) error {
	switch {
	case strings.HasPrefix(line, "$Lock "):
		return h.handleLock(line)
	case strings.HasPrefix(line, "$Hello "):
		return h.handleHello(line)
	case strings.HasPrefix(line, "$MyINFO "):
		return h.handleMyINFO(line)
	case strings.HasPrefix(line, "$GetPass"):
		return h.handleGetPass()
	case strings.HasPrefix(line, "$ConnectToMe "):
		return h.handleConnectToMe(line)
	case strings.HasPrefix(line, "$RevConnectToMe "):
		return h.handleRevConnectToMe(line)
	case strings.HasPrefix(line, "$Search "):
		return h.handleLegacySearch(line)
	case strings.HasPrefix(line, "$To: "):
		return h.handleTo(line)
	case strings.HasPrefix(line, "$Quit "):
		return h.handleNMDCQuit(line)
	case strings.HasPrefix(line, "$ForceMove "):
		return h.handleForceMove(line)
	case strings.HasPrefix(line, "<"):
		return h.handleChat(line)
	default:
		return nil
	}
}

func (h *Hub) handleLock(line string) error {
	rest := strings.TrimPrefix(line, "$Lock ")
	lock := rest
	if i := strings.Index(rest, " Pk="); i >= 0 {
		lock = rest[:i]
	}

	if err := h.writeLine("$Supports TTHSearch NoGetINFO NoHello"); err != nil {
		return err
	}
	if err := h.writeLine("$Key " + nmdcLockToKey(lock)); err != nil {
		return err
	}
	return h.writeLine("$ValidateNick " + h.cfg.Nick)
}

func (h *Hub) handleHello(line string) error {
	nick := strings.TrimPrefix(line, "$Hello ")
	if nick != h.cfg.Nick {
		return nil // someone else's Hello
	}

	h.mut.Lock()
	h.state = StateIdentify
	h.mut.Unlock()

	if err := h.writeLine("$Version 1,0091"); err != nil {
		return err
	}
	if err := h.writeLine("$GetNickList"); err != nil {
		return err
	}
	return h.sendMyINFO()
}

func (h *Hub) sendMyINFO() error {
	tag := "<dchub V:1.0,M:P,H:1/0/0,S:" + strconv.Itoa(h.cfg.Slots) + ">"
	line := "$MyINFO $ALL " + h.cfg.Nick + " " + h.cfg.Description + tag +
		"$ $1$" + h.cfg.Description + "$" + strconv.FormatInt(h.cfg.ShareSize, 10) + "$"
	return h.writeLine(line)
}

func (h *Hub) handleMyINFO(line string) error {
	rest := strings.TrimPrefix(line, "$MyINFO $ALL ")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return nil
	}
	nick := rest[:sp]

	sid := identity.SID(fnv32(nick))
	h.mut.Lock()
	id, ok := h.users[sid]
	if !ok {
		// NMDC carries no CID on the wire, so one is synthesized from the
		// nick the same way AirDC++-style clients fabricate a stable
		// per-hub identity for legacy peers: TIGER(nick) stands in for the
		// real PID-derived CID. It is only unique within this hub (two
		// hubs can have same-named users with different real identities),
		// which is an accepted limitation of bridging the two dialects.
		u := &identity.User{CID: identity.CID(tiger.Sum([]byte(nick)))}
		u.Set(identity.FlagNMDC)
		id = identity.NewIdentity(u, sid)
		h.users[sid] = id
		h.usersByCID[u.CID] = id
	}
	id.Set("NI", nick)
	if nick == h.cfg.Nick && h.state < StateNormal {
		// The hub echoing our own $MyINFO back confirms login completed;
		// dialect B's equivalent of dialect A's own-SID INF echo.
		h.state = StateNormal
	}
	h.mut.Unlock()

	if h.listener != nil {
		h.listener.OnUserJoin(h, id)
	}
	return nil
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func (h *Hub) handleGetPass() error {
	h.mut.Lock()
	h.state = StateVerify
	h.mut.Unlock()

	if h.listener != nil {
		h.listener.OnPasswordRequired(h)
	}
	if h.cfg.Password == nil {
		return nil
	}
	pass, err := h.cfg.Password()
	if err != nil {
		return err
	}
	// Plain $MyPass is what current NMDC hub software expects; Lock-salted
	// password variants seen on some older hubs are not implemented.
	return h.writeLine("$MyPass " + pass)
}

func (h *Hub) handleConnectToMe(line string) error {
	rest := strings.TrimPrefix(line, "$ConnectToMe ")
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) < 2 {
		return nil
	}
	hostPort := fields[1]
	host, portStr, err := splitHostPortNMDC(hostPort)
	if err != nil {
		return nil
	}
	port, _ := strconv.Atoi(portStr)
	if h.listener != nil {
		h.listener.OnConnectRequest(h, ConnectRequest{Address: host, Port: port, Protocol: "NMDC"})
	}
	return nil
}

func (h *Hub) handleRevConnectToMe(line string) error {
	rest := strings.TrimPrefix(line, "$RevConnectToMe ")
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) < 2 {
		return nil
	}
	if h.listener != nil {
		h.listener.OnConnectRequest(h, ConnectRequest{FromNick: fields[0], Protocol: "NMDC", IsReverse: true})
	}
	return nil
}

// handleLegacySearch parses "$Search <host:port|Hub:nick> <sizeRestrict>?
// <isMax>?<size>?<type>?<query>", runs it against the shared index, and
// replies with $SR: by direct UDP to host:port when the requester is
// active, or as a $SR frame addressed to their nick (relayed by the hub)
// when passive ("Hub:nick").
func (h *Hub) handleLegacySearch(line string) error {
	rest := strings.TrimPrefix(line, "$Search ")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return nil
	}
	addr, query := rest[:sp], rest[sp+1:]

	q, fromNick, passive := parseLegacySearch(addr, query)

	if !h.searchFloodCheck(addr, time.Now()) {
		return nil
	}

	if h.cfg.Search == nil {
		return nil
	}
	results := h.cfg.Search(q)
	if len(results) == 0 {
		return nil
	}

	h.mut.Lock()
	nick := h.cfg.Nick
	slots := h.cfg.Slots
	hubHost := h.host
	h.mut.Unlock()

	for _, res := range results {
		sr := buildSR(nick, res, slots, hubHost)
		if passive {
			if err := h.writeLine("$SR " + sr + " " + fromNick); err != nil {
				return err
			}
			continue
		}
		if err := sendUDPResult(addr, "$SR "+sr+"|"); err != nil {
			h.logger.Warn("legacy search UDP reply failed", "error", err)
		}
	}
	return nil
}

// parseLegacySearch splits a $Search's address and query portions into a
// share.Query, plus (for passive "Hub:nick" requesters) the nick to route
// the reply back to.
func parseLegacySearch(addr, query string) (q share.Query, fromNick string, passive bool) {
	if nick, ok := strings.CutPrefix(addr, "Hub:"); ok {
		fromNick = nick
		passive = true
	}

	parts := strings.SplitN(query, "?", 5)
	if len(parts) < 5 {
		return q, fromNick, passive
	}

	sizeRestrict, isMax, sizeStr, typeStr, pattern := parts[0], parts[1], parts[2], parts[3], parts[4]
	if sizeRestrict == "T" {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil && size > 0 {
			if isMax == "T" {
				q.MaxSize = size
			} else {
				q.MinSize = size
			}
		}
	}

	if typeStr == "9" {
		if tth, err := identity.ParseTTH(strings.TrimPrefix(pattern, "TTH:")); err == nil {
			q.TTH = &tth
		}
		return q, fromNick, passive
	}

	q.FileType = share.ParseLegacySearchType(typeStr)
	for _, tok := range strings.Split(pattern, "$") {
		if tok != "" {
			q.Pattern = append(q.Pattern, tok)
		}
	}
	return q, fromNick, passive
}

// buildSR renders one $SR reply body (without the "$SR " prefix or trailing
// frame terminator), following the common
// "<nick> <path>\x05<size> <free>/<total>\x05<hubHost>" layout, with a
// "(TTH:<hash>)" suffix on the path when the result carries one.
func buildSR(nick string, res share.Result, slots int, hubHost string) string {
	name := strings.ReplaceAll(res.VirtualPath, "/", "\\")
	if !res.TTH.IsZero() {
		name += " (TTH:" + res.TTH.String() + ")"
	}
	return fmt.Sprintf("%s %s\x05%d %d/%d\x05%s", nick, name, res.Size, slots, slots, hubHost)
}

// sendUDPResult fires a single best-effort UDP datagram at addr; legacy
// active search replies have no delivery guarantee on the wire either.
func sendUDPResult(addr, payload string) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	return err
}

func (h *Hub) handleTo(line string) error {
	rest := strings.TrimPrefix(line, "$To: ")
	parts := strings.SplitN(rest, "From: ", 2)
	if len(parts) != 2 {
		return nil
	}
	from := parts[1]
	if i := strings.Index(from, " $<"); i >= 0 {
		from = from[:i]
	}
	if i := strings.Index(rest, "$"); i >= 0 {
		text := rest[i+1:]
		if j := strings.Index(text, "> "); j >= 0 {
			text = text[j+2:]
		}
		if h.listener != nil {
			h.listener.OnChatMessage(h, from, text)
		}
	}
	return nil
}

func (h *Hub) handleNMDCQuit(line string) error {
	nick := strings.TrimPrefix(line, "$Quit ")
	sid := identity.SID(fnv32(nick))

	h.mut.Lock()
	delete(h.users, sid)
	h.mut.Unlock()

	if h.listener != nil {
		h.listener.OnUserQuit(h, sid)
	}
	return nil
}

func (h *Hub) handleForceMove(line string) error {
	target := strings.TrimPrefix(line, "$ForceMove ")
	if h.listener != nil {
		h.listener.OnRedirect(h, target)
	}
	h.mut.Lock()
	h.reconnect = false
	h.mut.Unlock()
	return nil
}

func (h *Hub) handleChat(line string) error {
	end := strings.IndexByte(line, '>')
	if end < 0 {
		return nil
	}
	from := line[1:end]
	text := strings.TrimSpace(line[end+1:])
	if h.listener != nil {
		h.listener.OnChatMessage(h, from, text)
	}
	return nil
}

func splitHostPortNMDC(s string) (string, string, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, "411", nil
	}
	return s[:i], s[i+1:], nil
}

// nmdcDecode transcodes a raw NMDC frame from the hub's configured legacy
// code page into UTF-8. Code-page negotiation (CP1251, CP1252, ...) happens
// at the Core wiring layer via golang.org/x/text/encoding/charmap; absent
// that configuration this is the identity transform.
func nmdcDecode(s string) string { return s }

// nmdcEncode is nmdcDecode's inverse. No write path calls it.
func nmdcEncode(s string) string { return s }
