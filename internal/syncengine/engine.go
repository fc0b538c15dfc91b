// Package syncengine is the Sync Engine (spec.md section 4.5): full
// snapshot, periodic resync, and SSE ingest with cache reconciliation.
// Grounded on the studio backend's long-lived background-loop idiom
// (internal/services/campaign_worker_service.go) layered over the appliance
// HTTP fetch style of internal/contentfetcher/contentfetcher.go.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/lanhue/gateway/internal/applianceclient"
	"github.com/lanhue/gateway/internal/eventbus"
	"github.com/lanhue/gateway/internal/logging"
	"github.com/lanhue/gateway/internal/model"
	"github.com/lanhue/gateway/internal/rescache"
	"github.com/lanhue/gateway/internal/store"
)

// Engine owns the snapshot/resync/ingest control flow.
type Engine struct {
	client *applianceclient.Client
	store  store.InventoryStore
	cache  *rescache.Cache
	bus    *eventbus.Bus
	log    *logging.Logger
}

// New builds a sync Engine.
func New(client *applianceclient.Client, st store.InventoryStore, cache *rescache.Cache, bus *eventbus.Bus) *Engine {
	return &Engine{client: client, store: st, cache: cache, bus: bus, log: logging.New("syncengine")}
}

type applianceItem struct {
	Rid      string          `json:"rid"`
	Type     string          `json:"type"`
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Name string          `json:"name"`
	Raw  json.RawMessage `json:"-"`
}

type listResponse struct {
	Data []json.RawMessage `json:"data"`
}

// Snapshot fetches every rtype in the fixed ordered set and rebuilds the
// inventory, per spec.md section 4.5's sync_core_resources.
func (e *Engine) Snapshot(ctx context.Context) error {
	for _, rtype := range model.SnapshotOrder {
		if err := e.snapshotRtype(ctx, string(rtype)); err != nil {
			e.log.Error("snapshot_rtype", err, map[string]interface{}{"rtype": rtype})
			return err
		}
	}
	if err := e.store.RebuildNameIndex(ctx); err != nil {
		e.log.Error("rebuild_name_index", err, nil)
		return err
	}
	e.log.Info("snapshot_complete", nil)
	return nil
}

func (e *Engine) snapshotRtype(ctx context.Context, rtype string) error {
	_, body, err := e.client.RequestJSONish(ctx, "GET", "/clip/v2/resource/"+rtype, nil, true, 3, 200)
	if err != nil {
		return err
	}
	items := extractItems(body)
	now := time.Now().Unix()
	for _, raw := range items {
		item := parseItem(raw)
		resourceJSON, _ := json.Marshal(raw)
		r := &model.Resource{
			Rid:       item.Rid,
			Rtype:     rtype,
			Name:      resolveName(item),
			Data:      resourceJSON,
			UpdatedAt: now,
		}
		if err := e.store.UpsertResource(ctx, nil, r); err != nil {
			return err
		}
		e.cache.Upsert(r.Rid, rescache.FromResource(r))
	}
	return nil
}

func resolveName(item applianceItem) string {
	if item.Metadata.Name != "" {
		return item.Metadata.Name
	}
	return item.Name
}

func parseItem(raw json.RawMessage) applianceItem {
	var item applianceItem
	_ = json.Unmarshal(raw, &item)
	return item
}

// extractItems normalizes the appliance's {"data":[...]} envelope (or a bare
// array, defensively) into a slice of raw items.
func extractItems(body interface{}) []json.RawMessage {
	b, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	var lr listResponse
	if err := json.Unmarshal(b, &lr); err == nil && lr.Data != nil {
		return lr.Data
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err == nil {
		return arr
	}
	return nil
}

// ResyncLoop runs Snapshot every interval until ctx is cancelled.
func (e *Engine) ResyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Snapshot(ctx); err != nil {
				e.log.Error("resync_snapshot", err, nil)
			}
		}
	}
}

type sseEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sseRef struct {
	Rid   string `json:"id"`
	Rtype string `json:"type"`
}

// IngestLoop opens the SSE stream and reconciles the store+cache for each
// referenced resource, with exponential backoff and drift repair on stream
// failure (spec.md section 4.5).
func (e *Engine) IngestLoop(ctx context.Context, minBackoff, maxBackoff time.Duration) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := e.client.StreamSSEJSON(ctx, "/eventstream/clip/v2")
		if err != nil {
			e.log.Error("open_sse_stream", err, nil)
			e.sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		consumed := e.consumeStream(ctx, events)
		if !consumed {
			return
		}

		// Stream ended (closed by appliance or transport error mid-read):
		// repair drift with a snapshot, then reset backoff on clean
		// completion before retrying (spec.md section 4.5).
		if err := e.Snapshot(ctx); err != nil {
			e.log.Error("drift_repair_snapshot", err, nil)
		}
		backoff = minBackoff
		e.sleepWithJitter(ctx, backoff)
	}
}

func (e *Engine) consumeStream(ctx context.Context, events <-chan interface{}) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case raw, ok := <-events:
			if !ok {
				return true
			}
			e.handleEnvelope(ctx, raw)
		}
	}
}

func (e *Engine) handleEnvelope(ctx context.Context, raw interface{}) {
	b, err := json.Marshal(raw)
	if err != nil {
		return
	}
	envelopes := normalizeEnvelopes(b)
	for _, env := range envelopes {
		refs := extractRefs(env)
		for _, ref := range refs {
			e.reconcileOne(ctx, env.Type, ref)
		}
	}
}

// normalizeEnvelopes handles the list-or-object shape from spec.md 4.5.
func normalizeEnvelopes(b []byte) []sseEnvelope {
	var single sseEnvelope
	if err := json.Unmarshal(b, &single); err == nil && single.Type != "" {
		return []sseEnvelope{single}
	}
	var list []sseEnvelope
	if err := json.Unmarshal(b, &list); err == nil {
		return list
	}
	return nil
}

func extractRefs(env sseEnvelope) []sseRef {
	var ref sseRef
	if err := json.Unmarshal(env.Data, &ref); err == nil && ref.Rid != "" {
		return []sseRef{ref}
	}
	var refs []sseRef
	if err := json.Unmarshal(env.Data, &refs); err == nil {
		return refs
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, envType string, ref sseRef) {
	if envType == "delete" || envType == "remove" {
		if err := e.store.DeleteResource(ctx, nil, ref.Rid); err != nil {
			e.log.Error("delete_resource", err, map[string]interface{}{"rid": ref.Rid})
			return
		}
		e.cache.Delete(ref.Rid)
		if err := e.store.DeleteNameIndexForRid(ctx, nil, ref.Rid); err != nil {
			e.log.Error("delete_name_index", err, map[string]interface{}{"rid": ref.Rid})
		}
		e.bus.Publish(model.Event{
			Ts:       time.Now().Unix(),
			Type:     "resource.deleted",
			Resource: &model.EventResource{Rid: ref.Rid, Rtype: ref.Rtype},
		})
		return
	}

	_, body, err := e.client.RequestJSONish(ctx, "GET", fmt.Sprintf("/clip/v2/resource/%s/%s", ref.Rtype, ref.Rid), nil, true, 3, 200)
	if err != nil {
		e.log.Error("refetch_resource", err, map[string]interface{}{"rid": ref.Rid})
		return
	}
	items := extractItems(body)
	if len(items) == 0 {
		return
	}
	item := parseItem(items[0])
	resourceJSON, _ := json.Marshal(items[0])
	r := &model.Resource{
		Rid:       ref.Rid,
		Rtype:     ref.Rtype,
		Name:      resolveName(item),
		Data:      resourceJSON,
		UpdatedAt: time.Now().Unix(),
	}
	if err := e.store.UpsertResource(ctx, nil, r); err != nil {
		e.log.Error("upsert_resource", err, map[string]interface{}{"rid": ref.Rid})
		return
	}
	e.cache.Upsert(r.Rid, rescache.FromResource(r))

	if err := e.store.DeleteNameIndexForRid(ctx, nil, ref.Rid); err != nil {
		e.log.Error("delete_name_index", err, map[string]interface{}{"rid": ref.Rid})
	}
	if norm := model.NormalizeName(r.Name); norm != "" {
		if err := e.store.InsertNameIndex(ctx, nil, ref.Rtype, norm, ref.Rid); err != nil {
			e.log.Error("insert_name_index", err, map[string]interface{}{"rid": ref.Rid})
		}
	}

	e.bus.Publish(model.Event{
		Ts:       time.Now().Unix(),
		Type:     "resource.updated",
		Resource: &model.EventResource{Rid: ref.Rid, Rtype: ref.Rtype},
	})
}

func (e *Engine) sleepWithJitter(ctx context.Context, d time.Duration) {
	jittered := time.Duration(float64(d) * (0.5 + rand.Float64()))
	select {
	case <-ctx.Done():
	case <-time.After(jittered):
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
