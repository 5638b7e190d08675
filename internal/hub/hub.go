// Package hub implements the hub session state machine for both wire
// dialects: line-delimited ADC over "\n", and pipe-delimited NMDC over "|".
package hub

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/share"
	"github.com/prxssh/dchub/pkg/retry"
	"golang.org/x/sync/errgroup"
)

// Dialect distinguishes the wire framing and vocabulary a Hub speaks.
type Dialect int

const (
	DialectADC Dialect = iota
	DialectNMDC
)

// State is the hub session's position in the login sequence.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateProtocol
	StateIdentify
	StateVerify
	StateNormal
)

// Config describes one configured hub connection.
type Config struct {
	URL         string // adc://, adcs://, dchub://, nmdcs://
	Nick        string
	Description string
	Password    func() (string, error) // invoked lazily on GPA/$GetPass
	Keyprint    string                 // "SHA256/<base32>", empty if unpinned
	ShareSize   int64
	ShareFiles  int
	Slots       int

	// Search answers incoming SCH/$Search requests against the shared
	// index; nil means search requests are accepted but always return no
	// results.
	Search func(q share.Query) []share.Result
}

// Listener receives fire-and-forget events from a Hub after it releases its
// lock, mirroring the teacher's typed-channel listener fan-out.
type Listener interface {
	OnStatus(h *Hub, message string)
	OnChatMessage(h *Hub, from string, text string)
	OnPrivateMessage(h *Hub, from identity.SID, text string)
	OnUserJoin(h *Hub, u *Identity)
	OnUserQuit(h *Hub, sid identity.SID)
	OnSearchResult(h *Hub, res SearchResult)
	OnConnectRequest(h *Hub, req ConnectRequest)
	OnPasswordRequired(h *Hub)
	OnRedirect(h *Hub, url string)
}

// Identity is a per-hub user view, re-exported here so callers of this
// package don't need to import internal/identity directly for the common
// case.
type Identity = identity.Identity

// SearchResult is a parsed RES/$SR delivered to Listener.OnSearchResult.
type SearchResult struct {
	FromCID     identity.CID
	FromNick    string
	VirtualPath string
	Size        int64
	TTH         identity.TTHValue
	IsDirectory bool
	FreeSlots   int
	TotalSlots  int
	Token       string
}

// ConnectRequest is a parsed CTM/RCM/$ConnectToMe/$RevConnectToMe.
type ConnectRequest struct {
	FromCID   identity.CID
	FromNick  string
	Address   string
	Port      int
	Token     string
	Protocol  string
	IsReverse bool
}

// Hub is one hub session: socket, state, own identity, and the SID-indexed
// online-user table it owns.
type Hub struct {
	cfg     Config
	dialect Dialect
	tlsMode bool
	host    string

	logger   *slog.Logger
	listener Listener

	mut          sync.Mutex
	state        State
	conn         net.Conn
	rw           *bufio.ReadWriter
	ownSID       identity.SID
	salt         []byte
	lastINF      map[string]string
	forbidden    map[string]struct{}
	users        map[identity.SID]*Identity
	usersByCID   map[identity.CID]*Identity
	lastActivity time.Time
	reconnect    bool
	reconnectDelay time.Duration

	// searchSeekers and searchPenalty implement §4.3's search-flood guard:
	// a 5s sliding window per requester key (SID for ADC, nick/host for
	// NMDC), tripping a 120s drop once it holds more than 7 timestamps.
	searchSeekers map[string][]time.Time
	searchPenalty map[string]time.Time
}

// New parses cfg.URL and returns an unconnected Hub.
func New(cfg Config, listener Listener, logger *slog.Logger) (*Hub, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("hub: parse url: %w", err)
	}

	var dialect Dialect
	var tlsMode bool
	switch u.Scheme {
	case "adc":
		dialect = DialectADC
	case "adcs":
		dialect, tlsMode = DialectADC, true
	case "dchub":
		dialect = DialectNMDC
	case "nmdcs":
		dialect, tlsMode = DialectNMDC, true
	default:
		return nil, fmt.Errorf("hub: unsupported scheme %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "411")
	}

	return &Hub{
		cfg:            cfg,
		dialect:        dialect,
		tlsMode:        tlsMode,
		host:           host,
		logger:         logger.With("component", "hub", "url", cfg.URL),
		listener:       listener,
		state:          StateDisconnected,
		users:          make(map[identity.SID]*Identity),
		usersByCID:     make(map[identity.CID]*Identity),
		forbidden:      make(map[string]struct{}),
		searchSeekers:  make(map[string][]time.Time),
		searchPenalty:  make(map[string]time.Time),
		reconnect:      true,
		reconnectDelay: 0,
	}, nil
}

// State returns the hub's current login state.
func (h *Hub) State() State {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.state
}

func (h *Hub) setState(s State) {
	h.mut.Lock()
	h.state = s
	if s == StateConnecting {
		h.ownSID = 0
		h.lastINF = nil
	}
	h.mut.Unlock()
}

// Run dials the hub and services it until ctx is cancelled, reconnecting
// with exponential backoff (mirroring the teacher's tracker.announceLoop
// shape) unless a QUI with TL=-1 disabled auto-reconnect.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			if gctx.Err() != nil {
				return nil
			}

			conn, err := h.dialWithBackoff(gctx)
			if err != nil {
				return nil // ctx cancelled; retry.Do already exhausted/aborted
			}

			if err := h.serve(gctx, conn); err != nil {
				h.logger.Warn("session ended", "error", err)
			}

			h.mut.Lock()
			shouldReconnect := h.reconnect
			h.mut.Unlock()
			if !shouldReconnect {
				return nil
			}
		}
	})

	return g.Wait()
}

// dialWithBackoff opens the TCP (and optional TLS) connection, retrying
// with exponential backoff the way the teacher's tracker retries a failed
// announce.
func (h *Hub) dialWithBackoff(ctx context.Context) (net.Conn, error) {
	h.setState(StateConnecting)

	var conn net.Conn
	err := retry.Do(ctx, func(ctx context.Context) error {
		c, err := h.dialOnce(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, retry.WithExponentialBackoff(1<<30, 15*time.Second, 5*time.Minute)...)

	return conn, err
}

// dialOnce opens the TCP socket and, for adcs/nmdcs, completes the TLS
// handshake and keyprint check. It does not touch Hub state beyond the
// handshake itself; Run installs the result via serve.
func (h *Hub) dialOnce(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", h.host)
	if err != nil {
		return nil, fmt.Errorf("hub: dial: %w", err)
	}

	if h.tlsMode {
		tconn := tls.Client(conn, &tls.Config{InsecureSkipVerify: h.cfg.Keyprint != ""})
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("hub: tls handshake: %w", err)
		}
		if h.cfg.Keyprint != "" {
			if err := verifyKeyprint(tconn, h.cfg.Keyprint); err != nil {
				tconn.Close()
				return nil, err
			}
		}
		conn = tconn
	}

	return conn, nil
}

// serve installs conn as the active socket and runs the dialect-specific
// login sequence and command loop until it ends or ctx is cancelled.
func (h *Hub) serve(ctx context.Context, conn net.Conn) error {
	h.mut.Lock()
	h.conn = conn
	h.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	h.lastActivity = time.Now()
	connectedAt := h.lastActivity
	h.mut.Unlock()

	defer conn.Close()

	h.setState(StateProtocol)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.watchIdle(gctx, connectedAt) })
	g.Go(func() error {
		if h.dialect == DialectADC {
			return h.serveADC(gctx)
		}
		return h.serveNMDC(gctx)
	})
	return g.Wait()
}

// searchFloodCheck reports whether a search request keyed by key (an ADC
// SID string or an NMDC nick/address) may proceed, sliding its 5s window
// forward as a side effect. More than 7 requests in the window trips a 120s
// drop, mirroring internal/core/listen.go's inbound acceptLimiter shape.
func (h *Hub) searchFloodCheck(key string, now time.Time) bool {
	h.mut.Lock()
	defer h.mut.Unlock()

	if until, ok := h.searchPenalty[key]; ok {
		if now.Before(until) {
			return false
		}
		delete(h.searchPenalty, key)
	}

	window := h.searchSeekers[key]
	cutoff := now.Add(-5 * time.Second)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	h.searchSeekers[key] = kept

	if len(kept) > 7 {
		h.searchPenalty[key] = now.Add(120 * time.Second)
		delete(h.searchSeekers, key)
		return false
	}
	return true
}

// watchIdle enforces the two time-based failure rules in §4.3: a 120s
// login timeout for any pre-NORMAL state, and a 120s idle keepalive (a bare
// separator byte) once NORMAL. Polled on a coarser tick than either
// deadline since neither needs sub-second precision.
func (h *Hub) watchIdle(ctx context.Context, connectedAt time.Time) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h.mut.Lock()
			state := h.state
			idle := now.Sub(h.lastActivity)
			h.mut.Unlock()

			if state < StateNormal {
				if now.Sub(connectedAt) > 120*time.Second {
					if h.listener != nil {
						h.listener.OnStatus(h, "login timeout")
					}
					h.Disconnect(false)
					return nil
				}
				continue
			}

			if idle >= 120*time.Second {
				if err := h.writeLine(""); err != nil {
					return err
				}
			}
		}
	}
}

// Disconnect tears down the current socket and, if permanent is true,
// disables auto-reconnect (mirrors a QUI with TL=-1 addressed to self).
func (h *Hub) Disconnect(permanent bool) {
	h.mut.Lock()
	if permanent {
		h.reconnect = false
	}
	conn := h.conn
	h.mut.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (h *Hub) writeLine(line string) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	sep := byte('\n')
	if h.dialect == DialectNMDC {
		sep = '|'
	}
	if _, err := h.rw.WriteString(line); err != nil {
		return err
	}
	if err := h.rw.WriteByte(sep); err != nil {
		return err
	}
	if err := h.rw.Flush(); err != nil {
		return err
	}
	h.lastActivity = time.Now()
	return nil
}

// checkState returns an error when the session's current state is below
// min, and nil otherwise.
func (h *Hub) checkState(min State) error {
	h.mut.Lock()
	cur := h.state
	h.mut.Unlock()
	if cur < min {
		return fmt.Errorf("hub: command requires state >= %d, have %d", min, cur)
	}
	return nil
}

func verifyKeyprint(conn *tls.Conn, expected string) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("hub: no peer certificate to verify keyprint against")
	}
	got := KeyprintOf(state.PeerCertificates[0].Raw)
	if got != expected {
		return fmt.Errorf("hub: keyprint mismatch: got %s want %s", got, expected)
	}
	return nil
}

// portOf extracts an integer port from a host:port string, or 0.
func portOf(hostport string) int {
	_, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
