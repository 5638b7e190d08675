// Package scheduler implements the download scheduler: a 1-second
// arbitration tick over ConnectionQueueItems (CQIs) that decides when to
// ask a hub session for a peer connection, with per-user backoff on
// failure.
package scheduler

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/prxssh/dchub/internal/identity"
)

// State is a CQI's place in the connection lifecycle.
type State int

const (
	StateWaiting State = iota
	StateConnecting
	StateActive
	StateNoDownloadSlots
)

// Type distinguishes what a CQI's eventual connection will be used for.
type Type int

const (
	TypeDownload Type = iota
	TypeUpload
	TypePM
)

// Token is the opaque identifier exchanged in CTM/RCM so an accepted
// incoming socket can be resolved back to the CQI that requested it.
type Token string

// NewToken returns a fresh random token, base-10 rendered per the wire
// convention.
func NewToken() Token {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return Token(itoa64(binary.BigEndian.Uint64(b[:])))
}

func itoa64(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// CQI is one pending or active connection request.
type CQI struct {
	CID        identity.CID
	HubURL     string
	Token      Token
	Type       Type
	State      State
	// Priority is the queue.Item priority this CQI serves (TypeDownload
	// only); it's forwarded to Hooks.AdmitDownload so the download-slot
	// ceiling can favor higher-priority items.
	Priority    int
	LastAttempt time.Time
	Errors     int
	enteredConnectingAt time.Time
}

// backoffDue reports whether enough time has passed since the last attempt
// given the CQI's error count (60s * max(1, errors)).
func (c *CQI) backoffDue(now time.Time) bool {
	wait := 60 * time.Second * time.Duration(max1(c.Errors))
	return now.Sub(c.LastAttempt) >= wait
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Manager tracks every live CQI, keyed by token for incoming-socket
// resolution and by (CID,Type) for duplicate-request checks.
type Manager struct {
	mut      sync.Mutex
	byToken  map[Token]*CQI
	byCID    map[identity.CID][]*CQI
}

// NewManager returns an empty CQI Manager.
func NewManager() *Manager {
	return &Manager{
		byToken: make(map[Token]*CQI),
		byCID:   make(map[identity.CID][]*CQI),
	}
}

// Add registers a new CQI in StateWaiting at the given priority (the
// originating queue.Item's priority for TypeDownload; ignored otherwise).
func (m *Manager) Add(cid identity.CID, hubURL string, typ Type, priority int) *CQI {
	m.mut.Lock()
	defer m.mut.Unlock()

	cqi := &CQI{CID: cid, HubURL: hubURL, Token: NewToken(), Type: typ, State: StateWaiting, Priority: priority}
	m.byToken[cqi.Token] = cqi
	m.byCID[cid] = append(m.byCID[cid], cqi)
	return cqi
}

// Resolve looks up the CQI an incoming socket's token refers to.
func (m *Manager) Resolve(tok Token) (*CQI, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	cqi, ok := m.byToken[tok]
	return cqi, ok
}

// ForUser returns every CQI currently tracked for cid.
func (m *Manager) ForUser(cid identity.CID) []*CQI {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]*CQI(nil), m.byCID[cid]...)
}

// Remove drops a CQI from every index.
func (m *Manager) Remove(cqi *CQI) {
	m.mut.Lock()
	defer m.mut.Unlock()

	delete(m.byToken, cqi.Token)
	list := m.byCID[cqi.CID]
	for i, c := range list {
		if c == cqi {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.byCID, cqi.CID)
	} else {
		m.byCID[cqi.CID] = list
	}
}

// All returns every tracked CQI, for the arbitration tick to range over.
func (m *Manager) All() []*CQI {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]*CQI, 0, len(m.byToken))
	for _, c := range m.byToken {
		out = append(out, c)
	}
	return out
}
