package core

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/peerconn"
)

// acceptLimiter implements the inbound-accept rate limiter from the spec's
// Open Questions: a sliding 5s/10-accepts-per-IP window, with a 60s
// cooldown once tripped. Shape mirrors the hub layer's search-flood
// tracker (last-5s timestamp list per key).
type acceptLimiter struct {
	mut      sync.Mutex
	hits     map[string][]time.Time
	cooldown map[string]time.Time
}

func newAcceptLimiter() *acceptLimiter {
	return &acceptLimiter{hits: make(map[string][]time.Time), cooldown: make(map[string]time.Time)}
}

// Allow reports whether an inbound connection from ip may proceed, updating
// the sliding window and cooldown state as a side effect.
func (l *acceptLimiter) Allow(ip string, now time.Time) bool {
	l.mut.Lock()
	defer l.mut.Unlock()

	if until, ok := l.cooldown[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(l.cooldown, ip)
	}

	window := l.hits[ip]
	cutoff := now.Add(-5 * time.Second)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.hits[ip] = kept

	if len(kept) > 10 {
		l.cooldown[ip] = now.Add(60 * time.Second)
		delete(l.hits, ip)
		return false
	}
	return true
}

// Listen runs a TCP accept loop on addr, rate-limiting inbound sockets per
// remote IP and handing accepted connections to servePeer. After an Accept
// error it waits 60s and calls Accept again on the same listener; the port
// is not rotated.
func (c *Core) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	limiter := newAcceptLimiter()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			c.logger.Warn("accept failed, backing off", "error", err)
			select {
			case <-time.After(60 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !limiter.Allow(host, time.Now()) {
			conn.Close()
			continue
		}

		go c.servePeer(ctx, conn)
	}
}

// servePeer runs the peer-connection handshake and transfer loop for an
// inbound socket. The dialect/TLS mode can't be known until the first
// bytes arrive (ADC peeks "CSUP"/"BSUP", NMDC peeks "$MyNick"); for now
// this assumes ADC, the dialect this client negotiates by default, and
// leaves dialect sniffing as a follow-up once NMDC-hub interop is
// exercised in practice.
func (c *Core) servePeer(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("peer connection panicked", "error", r)
		}
	}()

	pc := peerconn.New(conn, peerconn.Config{
		Dialect: peerconn.DialectADC,
		OwnCID:  c.OwnCID,
	}, c.peerHooks(), c.logger)

	if err := pc.Run(ctx); err != nil {
		c.logger.Debug("peer connection ended", "remote", conn.RemoteAddr(), "error", err)
	}
}

func (c *Core) peerHooks() peerconn.Hooks {
	return peerconn.Hooks{
		ResolveToken: c.CQIs.Resolve,
		RequestFullSlot: func(cid identity.CID, filename string) bool {
			granted, _ := c.Slots.RequestFullSlot(cid, filename, 0, time.Now())
			return granted
		},
		RequestMiniSlot: func(cid identity.CID, size int64) bool {
			return c.Slots.RequestMiniSlot(cid, size, true, true, false)
		},
		ReleaseSlot: func(cid identity.CID, wasMini bool) {
			if wasMini {
				c.Slots.ReleaseMiniSlot()
			} else {
				c.Slots.ReleaseFullSlot(cid)
			}
		},
		OpenForRead:     c.openForRead,
		OpenForWrite:    c.openForWrite,
		OnSegmentDone:   c.onSegmentDone,
	}
}

// openForWrite resolves an in-progress download's TTH back to its queue
// item and opens (creating/truncating as needed) its temp file for
// writing.
func (c *Core) openForWrite(tth identity.TTHValue) (peerconn.Target, error) {
	item, ok := c.Queue.ByTTH(tth)
	if !ok {
		return nil, fmt.Errorf("core: no queued item for TTH %s", tth)
	}
	return peerconn.OpenFileTarget(item.TempTarget, item.Size)
}

// openForRead resolves an ADC transfer path ("TTH/<hash>" or a plain
// virtual path) to a readable Source backed by the shared index.
func (c *Core) openForRead(adcPath string) (peerconn.Source, error) {
	if rest, ok := strings.CutPrefix(adcPath, "TTH/"); ok {
		tth, err := identity.ParseTTH(rest)
		if err != nil {
			return nil, fmt.Errorf("core: bad TTH in request: %w", err)
		}
		f, ok := c.Share.FileByTTH(tth)
		if !ok {
			return nil, fmt.Errorf("core: no shared file with TTH %s", tth)
		}
		return peerconn.OpenFileSource(f.RealPath)
	}

	dirPath, name := splitVirtualPath(adcPath)
	dir, ok := c.Share.Resolve(dirPath)
	if !ok {
		return nil, fmt.Errorf("core: no such shared directory %q", dirPath)
	}
	for _, f := range dir.SortedFiles() {
		if f.Name == name {
			return peerconn.OpenFileSource(f.RealPath)
		}
	}
	return nil, fmt.Errorf("core: no such shared file %q", adcPath)
}

func splitVirtualPath(p string) (dir, name string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/", p
	}
	return p[:i+1], p[i+1:]
}
