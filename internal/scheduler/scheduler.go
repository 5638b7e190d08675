package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prxssh/dchub/internal/identity"
	"golang.org/x/sync/errgroup"
)

// Hooks lets Scheduler drive the rest of the core without importing it
// directly (hub, queue and upload all sit "above" scheduler in the lock
// order, so the dependency must point the other way), mirroring the
// teacher's OnBitfield/OnHave/RequestWork callback-hook style.
type Hooks struct {
	// IsOnline reports whether cid currently has a live session on hubURL.
	IsOnline func(cid identity.CID, hubURL string) bool

	// SelfPassive reports whether we are behind a passive connectivity
	// mode (no direct inbound connections).
	SelfPassive func() bool

	// IsPassive reports whether cid is known to be passive.
	IsPassive func(cid identity.CID) bool

	// AdmitDownload reports whether a new download at prio may start,
	// consulting the download-slot ceiling the way upload admission
	// consults the slot manager.
	AdmitDownload func(prio int) bool

	// RequestConnection asks the hub session named by hubURL to deliver a
	// peer-connection invite (CTM/RCM) for the given CQI token.
	RequestConnection func(cid identity.CID, hubURL string, token Token) error

	// DropSource is called when a CQI is abandoned for good (user
	// offline, or passive/passive deadlock) so the queue can flag/remove
	// the source.
	DropSource func(cid identity.CID, flag int)
}

// Scheduler runs the 1-second arbitration tick described in the spec: scan
// every waiting CQI, apply backoff, and hand admitted ones to the hub layer
// for connection.
type Scheduler struct {
	logger *slog.Logger
	cqis   *Manager
	hooks  Hooks

	tick time.Duration
}

// New returns a Scheduler driving cqis via hooks, ticking every interval
// (pass 0 for the spec default of 1 second).
func New(cqis *Manager, hooks Hooks, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{logger: logger.With("component", "scheduler"), cqis: cqis, hooks: hooks, tick: interval}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	staleTicker := time.NewTicker(time.Minute)
	defer staleTicker.Stop()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.arbitrate(time.Now())
			case <-staleTicker.C:
				s.sweepStale(time.Now())
			}
		}
	})

	return g.Wait()
}

func (s *Scheduler) arbitrate(now time.Time) {
	// attempted gates at most one connection attempt per user per tick:
	// once a CQI for a given CID has been sent to RequestConnection this
	// tick, every other CQI for the same user waits for the next tick
	// rather than racing it for the same peer's upload slots.
	attempted := make(map[identity.CID]bool)

	for _, cqi := range s.cqis.All() {
		switch cqi.State {
		case StateActive:
			continue
		case StateConnecting:
			if now.Sub(cqi.enteredConnectingAt) > 50*time.Second {
				cqi.Errors++
				cqi.State = StateWaiting
			}
			continue
		}

		if s.hooks.IsOnline != nil && !s.hooks.IsOnline(cqi.CID, cqi.HubURL) {
			s.cqis.Remove(cqi)
			continue
		}

		if cqi.Type == TypeDownload && s.hooks.SelfPassive != nil && s.hooks.SelfPassive() &&
			s.hooks.IsPassive != nil && s.hooks.IsPassive(cqi.CID) {
			if s.hooks.DropSource != nil {
				s.hooks.DropSource(cqi.CID, int(sourceFlagPassive))
			}
			s.cqis.Remove(cqi)
			continue
		}

		if cqi.Errors < 0 {
			continue // previous protocol error; only an explicit force retries
		}
		if !cqi.backoffDue(now) {
			continue
		}

		if attempted[cqi.CID] {
			continue // an earlier (same-tick) CQI for this user already went out
		}

		if s.hooks.AdmitDownload != nil && !s.hooks.AdmitDownload(cqi.Priority) {
			cqi.State = StateNoDownloadSlots
			continue
		}

		cqi.State = StateConnecting
		cqi.enteredConnectingAt = now
		cqi.LastAttempt = now
		attempted[cqi.CID] = true

		if s.hooks.RequestConnection != nil {
			if err := s.hooks.RequestConnection(cqi.CID, cqi.HubURL, cqi.Token); err != nil {
				s.logger.Warn("connection request failed", "cid", cqi.CID, "error", err)
				cqi.Errors++
				cqi.State = StateWaiting
			}
		}
	}
}

// sourceFlagPassive mirrors queue.SourceFlagPassive's bit value without an
// import cycle; the two packages agree on this constant's meaning at the
// Core wiring layer.
const sourceFlagPassive = 1 << 1

func (s *Scheduler) sweepStale(now time.Time) {
	for _, cqi := range s.cqis.All() {
		if cqi.State == StateConnecting && now.Sub(cqi.enteredConnectingAt) > 180*time.Second {
			s.cqis.Remove(cqi)
		}
	}
}
