// Package core wires together the hub sessions, download queue, upload
// slots, shared-file index, hash pipeline and connection scheduler into one
// running client, replacing the teacher's global-singleton managers
// (ClientManager/ConnectionManager/...) with one explicitly constructed and
// torn-down facade.
package core

import (
	"context"
	"encoding/base32"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prxssh/dchub/internal/config"
	"github.com/prxssh/dchub/internal/hub"
	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/queue"
	"github.com/prxssh/dchub/internal/scheduler"
	"github.com/prxssh/dchub/internal/search"
	"github.com/prxssh/dchub/internal/share"
	"github.com/prxssh/dchub/internal/tiger"
	"github.com/prxssh/dchub/internal/tth"
	"github.com/prxssh/dchub/internal/upload"
	"golang.org/x/sync/errgroup"
)

// Core is the assembled client: every subsystem plus the glue between them.
type Core struct {
	logger *slog.Logger
	cfg    config.Config

	Identity *identity.Registry
	Hashes   *tth.Pipeline
	Share    *share.Index
	Queue    *queue.Manager
	Slots    *upload.Manager
	CQIs     *scheduler.Manager
	Scheduler *scheduler.Scheduler

	// searchKeys tracks the ephemeral SUDP keys minted for our own
	// outbound active searches; searchUDP is the listener that trial-
	// decrypts incoming replies against them. Both are nil when
	// cfg.EnableSUDP is false; Run starts searchUDP only when a peer port
	// is configured.
	searchKeys *search.KeyStore
	searchUDP  *search.Listener

	// OnSearchResult, when set, receives every search reply delivered
	// over the SUDP/plaintext UDP channel. Hub-relayed results (the
	// common case) still arrive via hub.Listener.OnSearchResult; this
	// only covers replies an active searcher receives directly.
	OnSearchResult func(search.Result)

	// OnFileMoved, when set, is called after a completed download is
	// verified and moved into place (§4.5).
	OnFileMoved func(FileMoved)

	// OwnCID is this client's content identifier, derived as TIGER(PID).
	// PID comes from config.PrivateID when set (so the identity survives
	// restarts); otherwise a fresh one is generated and is NOT persisted
	// back to config here — callers that want a stable identity across
	// runs should save cfg.PrivateID themselves after the first New call.
	OwnCID identity.CID
	ownPID identity.PID

	mut  sync.Mutex
	hubs map[string]*hub.Hub

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a Core from cfg. It does not start anything; call Run.
func New(cfg config.Config, logger *slog.Logger) (*Core, error) {
	hasher, err := tth.NewPipeline(tth.Config{
		Workers:   4,
		CachePath: cfg.DownloadDir + "/.hashcache",
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("core: hash pipeline: %w", err)
	}

	idx := share.NewIndex(share.SkipRules{
		Extensions:  cfg.SharingSkipExtensions,
		ShareHidden: cfg.ShareHidden,
		FollowLinks: cfg.FollowLinks,
	}, hasher, logger)

	pid, err := ownPID(cfg)
	if err != nil {
		return nil, fmt.Errorf("core: identity: %w", err)
	}

	c := &Core{
		logger:   logger.With("component", "core"),
		cfg:      cfg,
		ownPID:   pid,
		OwnCID:   identity.CID(tiger.Sum(pid[:])),
		Identity: identity.NewRegistry(),
		Hashes:   hasher,
		Share:    idx,
		Queue:    queue.NewManager(logger),
		Slots: upload.NewManager(upload.Config{
			Slots:          cfg.Slots,
			ExtraSlots:     cfg.ExtraSlots,
			MiniSlotBytes:  cfg.MiniSlotBytes,
			MinUploadSpeed: cfg.MinUploadSpeed,
		}),
		CQIs: scheduler.NewManager(),
		hubs: make(map[string]*hub.Hub),
	}

	c.Scheduler = scheduler.New(c.CQIs, c.buildHooks(), 0, logger)

	if cfg.EnableSUDP {
		c.searchKeys = search.NewKeyStore()
		c.searchUDP = search.New(c.searchKeys, func(r search.Result) {
			if c.OnSearchResult != nil {
				c.OnSearchResult(r)
			}
		}, logger)
	}

	return c, nil
}

func (c *Core) buildHooks() scheduler.Hooks {
	return scheduler.Hooks{
		IsOnline: func(cid identity.CID, hubURL string) bool {
			c.mut.Lock()
			h, ok := c.hubs[hubURL]
			c.mut.Unlock()
			if !ok {
				return false
			}
			return h.State() >= hub.StateNormal
		},
		SelfPassive: func() bool { return false },
		IsPassive:   func(cid identity.CID) bool { return false },
		AdmitDownload: func(prio int) bool {
			// Download-slot ceiling mirrors upload admission shape; a
			// dedicated download-slot counter that peerconn transfers
			// acquire/release against cfg.DownloadSlots is a follow-up.
			return true
		},
		RequestConnection: func(cid identity.CID, hubURL string, token scheduler.Token) error {
			c.mut.Lock()
			h, ok := c.hubs[hubURL]
			c.mut.Unlock()
			if !ok {
				return fmt.Errorf("core: unknown hub %s", hubURL)
			}
			// We never ask for a reverse connection here: the scheduler
			// already decided (via Hooks.IsPassive/SelfPassive) that an
			// active CTM is viable before calling this hook at all.
			return h.RequestConnection(cid, c.cfg.PeerPort, string(token), false)
		},
		DropSource: func(cid identity.CID, flag int) {},
	}
}

// AddHub configures a new hub session and registers it under its URL. It
// does not start the session: Run starts the hubs registered before it is
// called, and a hub added after Run has started is not run.
func (c *Core) AddHub(ctx context.Context, entry config.HubEntry, listener hub.Listener) error {
	files, _ := c.Share.Stats()
	h, err := hub.New(hub.Config{
		URL:         entry.URL,
		Nick:        entry.Nick,
		Description: "",
		Password: func() (string, error) {
			return entry.Password, nil
		},
		ShareFiles: files,
		Slots:      c.cfg.Slots,
		Search: func(q share.Query) []share.Result {
			return c.Share.Search(q)
		},
	}, listener, c.logger)
	if err != nil {
		return err
	}

	c.mut.Lock()
	c.hubs[entry.URL] = h
	c.mut.Unlock()

	return nil
}

// Search issues an outbound search against hubURL, minting a fresh token
// (and, when SUDP is enabled, a fresh ephemeral key) so replies can be
// correlated back to this request.
func (c *Core) Search(hubURL string, q share.Query) error {
	c.mut.Lock()
	h, ok := c.hubs[hubURL]
	c.mut.Unlock()
	if !ok {
		return fmt.Errorf("core: unknown hub %s", hubURL)
	}

	token := string(scheduler.NewToken())

	var sudpKey string
	if c.searchKeys != nil {
		key, err := c.searchKeys.NewKey(token)
		if err != nil {
			return fmt.Errorf("core: search key: %w", err)
		}
		sudpKey = base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key[:])
	}

	return h.Search(q, token, c.cfg.PeerPort, false, sudpKey)
}

// Hub returns the session for a configured hub URL.
func (c *Core) Hub(url string) (*hub.Hub, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	h, ok := c.hubs[url]
	return h, ok
}

// Run starts the hash pipeline, scheduler and every configured hub's
// session loop, blocking until ctx is cancelled or a component fails.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	defer close(c.done)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.Hashes.Run(gctx) })
	g.Go(func() error { return c.Scheduler.Run(gctx) })

	if c.cfg.PeerPort > 0 {
		g.Go(func() error { return c.Listen(gctx, fmt.Sprintf(":%d", c.cfg.PeerPort)) })

		if c.searchUDP != nil {
			g.Go(func() error { return c.searchUDP.Run(gctx, fmt.Sprintf(":%d", c.cfg.PeerPort)) })
		}
	}

	c.mut.Lock()
	hubs := make([]*hub.Hub, 0, len(c.hubs))
	for _, h := range c.hubs {
		hubs = append(hubs, h)
	}
	c.mut.Unlock()

	for _, h := range hubs {
		h := h
		g.Go(func() error { return h.Run(gctx) })
	}

	return g.Wait()
}

// ownPID resolves the client's private identifier from cfg.PrivateID if
// set, else generates a fresh one.
func ownPID(cfg config.Config) (identity.PID, error) {
	if cfg.PrivateID != "" {
		return identity.ParsePID(cfg.PrivateID)
	}
	return identity.GeneratePID()
}

// Stop cancels Run's context and waits for shutdown to complete.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}
