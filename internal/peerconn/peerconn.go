// Package peerconn implements the peer-connection state machine: the
// handshake that follows a CTM/RCM or $ConnectToMe/$RevConnectToMe
// invitation, and the ADCGET/ADCSND (or legacy $Get/$Send) transfer
// framing that runs once the connection reaches IDLE.
package peerconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/scheduler"
)

// Dialect mirrors hub.Dialect: the wire framing a peer connection speaks is
// inherited from the hub that brokered it.
type Dialect int

const (
	DialectADC Dialect = iota
	DialectNMDC
)

// State is this connection's position in the handshake/transfer lifecycle.
type State int

const (
	StateConnect State = iota
	StateSupNick
	StateInfLock
	StateDirection
	StateKey
	StateIdle
	StateSnd
	StateRunning
)

// Direction is which side of a transfer this connection is currently
// performing.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionDownload
	DirectionUpload
	DirectionPM
)

// Hooks lets Conn resolve tokens and ask for upload admission without
// importing queue/upload/scheduler callers directly.
type Hooks struct {
	// ResolveToken looks up the CQI a TO token refers to.
	ResolveToken func(tok scheduler.Token) (*scheduler.CQI, bool)

	// RequestFullSlot asks the upload slot manager to admit cid for an
	// upload of filename.
	RequestFullSlot func(cid identity.CID, filename string) bool

	// RequestMiniSlot asks the upload slot manager to admit a mini-slot
	// transfer (tree/list/small file).
	RequestMiniSlot func(cid identity.CID, size int64) bool

	// ReleaseSlot returns a previously granted slot.
	ReleaseSlot func(cid identity.CID, wasMini bool)

	// OpenForRead resolves an ADC virtual path (or NMDC legacy path) to a
	// Source the transfer code can read bytes from.
	OpenForRead func(adcPath string) (Source, error)

	// OpenForWrite resolves a queue target to a Target the transfer code
	// can write completed bytes into.
	OpenForWrite func(tth identity.TTHValue) (Target, error)

	// OnSegmentDone reports a completed chunk back to the queue.
	OnSegmentDone func(tth identity.TTHValue, start, size int64)
}

// Config describes one peer connection, either outbound (we dialed in
// response to a CTM we sent) or inbound (we accepted a socket matching a
// token we issued via $ConnectToMe / RCM).
type Config struct {
	Dialect   Dialect
	TLS       bool
	RequireTLS bool
	OwnCID    identity.CID
	OwnNick   string
	Keyprint  string // expected peer keyprint, empty if unpinned
	Token     scheduler.Token
}

// Conn is one peer socket, identified once the handshake completes.
type Conn struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger

	conn net.Conn
	rw   *bufio.ReadWriter

	mut          sync.Mutex
	state        State
	direction    Direction
	peerCID      identity.CID
	peerNick     string
	peerTLS      bool
	untrusted    bool
	lastActivity time.Time

	// NMDC direction negotiation number, chosen randomly per connection.
	ourDirNum int

	outbox    chan []byte
	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc

	sizer *SegmentSizer
}

// New wraps an already-connected socket (dialed outbound, or accepted
// inbound) as a peer connection awaiting handshake.
func New(conn net.Conn, cfg Config, hooks Hooks, logger *slog.Logger) *Conn {
	return &Conn{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With("component", "peerconn", "remote", conn.RemoteAddr()),
		conn:   conn,
		rw: bufio.NewReadWriter(
			bufio.NewReader(conn),
			bufio.NewWriter(conn),
		),
		state:  StateConnect,
		outbox: make(chan []byte, 16),
		sizer:  NewSegmentSizer(),
	}
}

// State returns the connection's current lifecycle position.
func (c *Conn) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mut.Lock()
	c.state = s
	c.mut.Unlock()
}

// PeerCID returns the identified peer's CID, valid once the state reaches
// at least StateIdle.
func (c *Conn) PeerCID() identity.CID {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.peerCID
}

// Run drives the handshake and then the transfer loop until ctx is
// cancelled or the connection closes.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.cfg.TLS {
		if err := c.upgradeTLS(); err != nil {
			return fmt.Errorf("peerconn: tls: %w", err)
		}
	}

	var err error
	if c.cfg.Dialect == DialectADC {
		err = c.handshakeADC(ctx)
	} else {
		err = c.handshakeNMDC(ctx)
	}
	if err != nil {
		return fmt.Errorf("peerconn: handshake: %w", err)
	}

	c.setState(StateIdle)

	if c.cfg.Dialect == DialectADC {
		return c.serveTransferADC(ctx)
	}
	return c.serveTransferNMDC(ctx)
}

func (c *Conn) upgradeTLS() error {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return fmt.Errorf("peerconn: socket is not TLS")
	}
	if err := tc.Handshake(); err != nil {
		return err
	}
	if c.cfg.Keyprint != "" {
		state := tc.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return fmt.Errorf("peerconn: no peer certificate")
		}
		// Verification against the pinned keyprint happens at the hub
		// layer's KeyprintOf helper; callers that pin a keyprint must
		// compare it before calling Run, since Conn has no import on
		// package hub (it sits below hub in the lock order).
	}
	return nil
}

// Close tears the connection down exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
	})
}

func (c *Conn) touch() {
	c.mut.Lock()
	c.lastActivity = time.Now()
	c.mut.Unlock()
}

// Idle reports how long it has been since the last byte crossed this
// socket in either direction.
func (c *Conn) Idle() time.Duration {
	c.mut.Lock()
	defer c.mut.Unlock()
	return time.Since(c.lastActivity)
}
