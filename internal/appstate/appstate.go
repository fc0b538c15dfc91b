// Package appstate assembles every component into one explicitly-threaded
// aggregate and supervises the gateway's background tasks (spec.md section
// 9's design note: no package-level singletons, everything flows from one
// constructed value). Grounded on the studio backend's
// internal/services/campaign_worker_service.go long-lived-goroutine
// lifecycle, generalized to a joint errgroup-supervised task set.
package appstate

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lanhue/gateway/internal/applianceclient"
	"github.com/lanhue/gateway/internal/config"
	"github.com/lanhue/gateway/internal/dispatcher/core"
	v1dispatch "github.com/lanhue/gateway/internal/dispatcher/v1"
	v2dispatch "github.com/lanhue/gateway/internal/dispatcher/v2"
	"github.com/lanhue/gateway/internal/eventbus"
	"github.com/lanhue/gateway/internal/forwarder"
	"github.com/lanhue/gateway/internal/idempotency"
	"github.com/lanhue/gateway/internal/logging"
	"github.com/lanhue/gateway/internal/ratelimit"
	"github.com/lanhue/gateway/internal/rescache"
	"github.com/lanhue/gateway/internal/resolver"
	"github.com/lanhue/gateway/internal/store"
	"github.com/lanhue/gateway/internal/syncengine"
)

var (
	idempotencyCleanupInterval = time.Duration(config.IdempotencyCleanupIntervalSeconds) * time.Second
	bootstrapReconcileInterval = time.Duration(config.BootstrapReconcileIntervalSeconds) * time.Second
	sseIngestMinBackoff        = time.Duration(config.SSEIngestMinBackoffSeconds) * time.Second
	sseIngestMaxBackoff        = time.Duration(config.SSEIngestMaxBackoffSeconds) * time.Second
)

// AppState is the fully-wired gateway: every component plus the background
// tasks that mutate inventory/cache/event-bus state outside a request.
type AppState struct {
	Config *config.Config
	Store  store.InventoryStore
	Client *applianceclient.Client
	Cache  *rescache.Cache

	V1Bus *eventbus.Bus
	V2Bus *eventbus.Bus

	V1Dispatcher *v1dispatch.Dispatcher
	V2Dispatcher *v2dispatch.Dispatcher

	idem       *idempotency.Engine
	syncEngine *syncengine.Engine
	forwarder  *forwarder.Forwarder

	log *logging.Logger

	bootstrapped bool
}

// New wires every component from a loaded Config and an opened store, but
// does not start any background task (spec.md section 9: construction and
// startup ordering are separate steps).
func New(cfg *config.Config, st store.InventoryStore, ringCapacity, queueCapacity int) *AppState {
	client := applianceclient.New()
	cache := rescache.New()

	v1Bus := eventbus.New(ringCapacity, queueCapacity)
	v2Bus := eventbus.New(ringCapacity, queueCapacity)

	resolverThresholds := resolver.Thresholds{
		Autopick: cfg.FuzzyMatchAutopickThreshold,
		Match:    cfg.FuzzyMatchThreshold,
		Margin:   cfg.FuzzyMatchMargin,
	}
	res := resolver.New(st, resolverThresholds)

	c := &core.Core{
		Store:            st,
		Cache:            cache,
		Resolver:         res,
		Client:           client,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelayMs: cfg.RetryBaseDelayMs,
	}

	idem := idempotency.New(st)
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	sync := syncengine.New(client, st, cache, v1Bus)
	fwd := forwarder.New(v1Bus, v2Bus, st, cache)

	return &AppState{
		Config:       cfg,
		Store:        st,
		Client:       client,
		Cache:        cache,
		V1Bus:        v1Bus,
		V2Bus:        v2Bus,
		V1Dispatcher: v1dispatch.New(c),
		V2Dispatcher: v2dispatch.New(c, idem, v2Bus, limiter),
		idem:         idem,
		syncEngine:   sync,
		forwarder:    fwd,
		log:          logging.New("appstate"),
	}
}

// Run starts every background task and blocks until ctx is cancelled or a
// task returns a fatal error (spec.md section 5's background-task set).
// Startup order: store is already open by the caller; the appliance client
// is configured (if credentials are already known) before the bootstrap
// loop takes over reconciling them from settings.
func (a *AppState) Run(ctx context.Context) error {
	a.reconcileCredentials(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.idem.CleanupLoop(gctx, idempotencyCleanupInterval, config.IdempotencyHardCapRows)
		return nil
	})
	g.Go(func() error {
		a.forwarder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.bootstrapLoop(gctx)
		return nil
	})

	return g.Wait()
}

// bootstrapLoop reconciles bridge_host/application_key from env and
// settings every 2 seconds, starting the snapshot/resync/ingest tasks
// exactly once both are present (spec.md section 9's bootstrap note).
func (a *AppState) bootstrapLoop(ctx context.Context) {
	ticker := time.NewTicker(bootstrapReconcileInterval)
	defer ticker.Stop()
	for {
		a.reconcileCredentials(ctx)
		if !a.bootstrapped && a.Config.Ready() {
			a.bootstrapped = true
			go a.syncEngine.ResyncLoop(ctx, time.Duration(a.Config.CacheResyncSeconds)*time.Second)
			go a.syncEngine.IngestLoop(ctx, sseIngestMinBackoff, sseIngestMaxBackoff)
			if err := a.syncEngine.Snapshot(ctx); err != nil {
				a.log.Error("initial_snapshot", err, nil)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reconcileCredentials pulls bridge_host/application_key from settings (set
// by bridge.pair/bridge.set_host) if the environment didn't already provide
// them, then configures the appliance client.
func (a *AppState) reconcileCredentials(ctx context.Context) {
	host := a.Config.BridgeHost
	if host == "" {
		if stored, ok, _ := a.Store.GetSetting(ctx, "bridge_host"); ok {
			host = stored
			a.Config.BridgeHost = stored
		}
	}
	key := a.Config.ApplicationKey
	if key == "" {
		if stored, ok, _ := a.Store.GetSetting(ctx, "application_key"); ok {
			key = stored
			a.Config.ApplicationKey = stored
		}
	}
	if host != "" {
		a.Client.Configure(host, key)
	}
}
