package search

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prxssh/dchub/internal/identity"
)

// Result is a parsed UDP search reply — ADC RES/URES or legacy NMDC $SR —
// normalized so Core can fold it into the same downstream handling as a
// hub.SearchResult received over the TCP session.
type Result struct {
	FromNick    string
	VirtualPath string
	Size        int64
	TTH         identity.TTHValue
	FreeSlots   int
	TotalSlots  int
	Token       string
}

// Listener runs the auxiliary UDP socket §4.7 describes: one port, used for
// both sending our own searches and receiving replies, accepting plaintext
// and SUDP-encrypted dialect-A results plus legacy $SR.
type Listener struct {
	logger   *slog.Logger
	keys     *KeyStore
	onResult func(Result)
}

// New returns a Listener that reports every decoded reply to onResult.
func New(keys *KeyStore, onResult func(Result), logger *slog.Logger) *Listener {
	return &Listener{logger: logger.With("component", "search"), keys: keys, onResult: onResult}
}

// Run listens on addr until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	pconn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return err
	}
	defer pconn.Close()

	go func() {
		<-ctx.Done()
		pconn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		l.handleDatagram(append([]byte(nil), buf[:n]...))
	}
}

func (l *Listener) handleDatagram(data []byte) {
	if text, ok := asPlaintext(data); ok {
		l.dispatch(text)
		return
	}

	now := time.Now()
	for _, key := range l.keys.Candidates(now) {
		plain, err := Decrypt(key, data)
		if err != nil {
			continue
		}
		if text, ok := asPlaintext(plain); ok {
			l.dispatch(text)
			return
		}
	}
}

// asPlaintext accepts data only as newline-terminated UTF-8, per §4.7; this
// doubles as the plaintext/ciphertext discriminator since SUDP ciphertext
// essentially never happens to decode as valid UTF-8 ending in '\n'.
func asPlaintext(data []byte) (string, bool) {
	if len(data) == 0 || !bytes.HasSuffix(data, []byte("\n")) || !utf8.Valid(data) {
		return "", false
	}
	return string(bytes.TrimRight(data, "\r\n")), true
}

func (l *Listener) dispatch(line string) {
	switch {
	case strings.HasPrefix(line, "$SR "):
		if res, ok := parseLegacySR(line); ok {
			l.onResult(res)
		}
	case strings.HasPrefix(line, "URES") || strings.HasPrefix(line, "BRES"):
		if res, ok := parseURES(line); ok {
			l.onResult(res)
		}
	default:
		// Neither a recognized ADC result command nor a legacy $SR:
		// ignored per §4.7.
	}
}

// parseURES parses a dialect-A search-result line received raw over UDP
// (no hub framing, so the command token itself carries no SID pair the way
// a relayed DRES does).
func parseURES(line string) (Result, bool) {
	fields := splitFields(line)
	if len(fields) == 0 {
		return Result{}, false
	}

	var res Result
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		switch f[:2] {
		case "FN":
			res.VirtualPath = unescapeField(f[2:])
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
	return res, true
}

// parseLegacySR parses "$SR <nick> <path>[ (TTH:<hash>)]\x05<size>
// <free>/<total>\x05<hub>", the same body internal/hub/nmdc.go's buildSR
// produces.
func parseLegacySR(line string) (Result, bool) {
	rest := strings.TrimPrefix(line, "$SR ")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return Result{}, false
	}
	nick, rest := rest[:sp], rest[sp+1:]

	parts := strings.Split(rest, "\x05")
	if len(parts) < 2 {
		return Result{}, false
	}

	res := Result{FromNick: nick, VirtualPath: strings.ReplaceAll(parts[0], "\\", "/")}

	if i := strings.Index(res.VirtualPath, " (TTH:"); i >= 0 {
		hash := strings.TrimSuffix(res.VirtualPath[i+6:], ")")
		if tth, err := identity.ParseTTH(hash); err == nil {
			res.TTH = tth
		}
		res.VirtualPath = res.VirtualPath[:i]
	}

	sizeSlots := parts[1]
	sp2 := strings.IndexByte(sizeSlots, ' ')
	sizeStr, slotsStr := sizeSlots, ""
	if sp2 >= 0 {
		sizeStr, slotsStr = sizeSlots[:sp2], sizeSlots[sp2+1:]
	}
	res.Size, _ = strconv.ParseInt(sizeStr, 10, 64)
	if slash := strings.IndexByte(slotsStr, '/'); slash >= 0 {
		res.FreeSlots, _ = strconv.Atoi(slotsStr[:slash])
		res.TotalSlots, _ = strconv.Atoi(slotsStr[slash+1:])
	}

	return res, true
}

// splitFields/unescapeField duplicate internal/hub/adc.go's splitADC/
// unescapeADC algorithm (space-delimited, backslash-escaped fields). Kept
// local rather than exported from internal/hub to avoid making this
// listener depend on the hub session package for two small string helpers.
func splitFields(line string) []string {
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

func unescapeField(s string) string {
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
