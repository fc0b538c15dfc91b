// Package forwarder is the Event Forwarder (spec.md section 4.7): it
// subscribes to raw ingest events on the v1 bus, reads inventory_revision
// from settings, and republishes normalized events on the v2 bus. Grounded
// on the studio backend's long-lived background-goroutine idiom in
// internal/services/campaign_worker_service.go.
package forwarder

import (
	"context"
	"encoding/json"

	"github.com/lanhue/gateway/internal/eventbus"
	"github.com/lanhue/gateway/internal/logging"
	"github.com/lanhue/gateway/internal/model"
	"github.com/lanhue/gateway/internal/rescache"
)

// SettingsReader is the narrow store dependency needed for inventory_revision.
type SettingsReader interface {
	GetSettingInt(ctx context.Context, key string, fallback int64) (int64, error)
}

// Forwarder runs as the single background task named in spec.md section 5.
type Forwarder struct {
	v1      *eventbus.Bus
	v2      *eventbus.Bus
	store   SettingsReader
	cache   *rescache.Cache
	log     *logging.Logger
}

// New builds a Forwarder.
func New(v1, v2 *eventbus.Bus, store SettingsReader, cache *rescache.Cache) *Forwarder {
	return &Forwarder{v1: v1, v2: v2, store: store, cache: cache, log: logging.New("forwarder")}
}

// Run subscribes to the v1 bus and republishes onto v2 until ctx is
// cancelled (spec.md section 5: background tasks are cancelled on shutdown).
func (f *Forwarder) Run(ctx context.Context) {
	sub := f.v1.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev model.Event) {
	revision, err := f.store.GetSettingInt(ctx, "inventory_revision", 0)
	if err != nil {
		f.log.Error("read_inventory_revision", err, nil)
	}

	out := model.Event{
		Ts:       ev.Ts,
		Type:     ev.Type,
		Resource: ev.Resource,
		Revision: revision,
	}

	if ev.Resource != nil && ev.Type != "resource.deleted" {
		if entry, ok := f.cache.Get(ev.Resource.Rid); ok {
			if delta, err := json.Marshal(entry.Data); err == nil {
				out.Data = delta
			}
		}
	}

	f.v2.Publish(out)
}
