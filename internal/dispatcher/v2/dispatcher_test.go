package v2

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanhue/gateway/internal/applianceclient"
	"github.com/lanhue/gateway/internal/dispatcher"
	"github.com/lanhue/gateway/internal/dispatcher/core"
	"github.com/lanhue/gateway/internal/eventbus"
	"github.com/lanhue/gateway/internal/idempotency"
	"github.com/lanhue/gateway/internal/model"
	"github.com/lanhue/gateway/internal/ratelimit"
	"github.com/lanhue/gateway/internal/rescache"
	"github.com/lanhue/gateway/internal/resolver"
	"github.com/lanhue/gateway/internal/store"
)

func newHarness(t *testing.T, rateRPS, rateBurst float64) (*Dispatcher, *core.Core, *int32) {
	t.Helper()

	var putCount int32
	mux := http.NewServeMux()
	mux.HandleFunc("/clip/v2/resource/light/light-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPut {
			atomic.AddInt32(&putCount, 1)
			w.Write([]byte(`{"data":[{"rid":"light-1"}]}`))
			return
		}
		// GET (verification poll): always report the on=true state the
		// tests below request, so convergence succeeds on the first poll.
		w.Write([]byte(`{"data":[{"on":{"on":true},"dimming":{"brightness":50.0}}]}`))
	})
	mux.HandleFunc("/clip/v2/resource/grouped_light/light-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPut {
			atomic.AddInt32(&putCount, 1)
			w.Write([]byte(`{"data":[{"rid":"light-1"}]}`))
			return
		}
		w.Write([]byte(`{"data":[{"on":{"on":true},"dimming":{"brightness":50.0}}]}`))
	})
	mux.HandleFunc("/clip/v2/resource/scene/scene-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"rid":"scene-1"}]}`))
	})
	mux.HandleFunc("/clip/v2/resource/bridge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"bridge_id":"bridge-abc123"}]}`))
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "https://")

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, nil, &model.Resource{Rid: "light-1", Rtype: "light", Name: "Office Lamp", Data: []byte(`{}`), UpdatedAt: 1}))
	require.NoError(t, st.InsertNameIndex(ctx, nil, "light", "office lamp", "light-1"))
	require.NoError(t, st.UpsertResource(ctx, nil, &model.Resource{Rid: "scene-1", Rtype: "scene", Name: "Relax", Data: []byte(`{}`), UpdatedAt: 1}))
	require.NoError(t, st.InsertNameIndex(ctx, nil, "scene", "relax", "scene-1"))

	client := applianceclient.New()
	client.Configure(host, "test-app-key")

	cache := rescache.New()
	cache.Upsert("light-1", rescache.Entry{Rtype: "light", Name: "Office Lamp", NameNorm: "office lamp", Data: []byte(`{}`)})

	res := resolver.New(st, resolver.Thresholds{Autopick: 0.95, Match: 0.9, Margin: 0.05})
	c := &core.Core{Store: st, Cache: cache, Resolver: res, Client: client, RetryMaxAttempts: 1, RetryBaseDelayMs: 1}

	idem := idempotency.New(st)
	bus := eventbus.New(100, 50)
	limiter := ratelimit.New(rateRPS, rateBurst)

	return New(c, idem, bus, limiter), c, &putCount
}

func TestDispatch_LightSetConvergesAndSucceeds(t *testing.T) {
	d, _, putCount := newHarness(t, 100, 10)

	resp := d.Dispatch(context.Background(), "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "light.set",
		Args:      map[string]interface{}{"rid": "light-1", "on": true, "brightness": 50.0},
	})

	require.True(t, resp.OK)
	assert.Equal(t, int32(1), atomic.LoadInt32(putCount))
}

func TestDispatch_IdempotentReplayReturnsStoredResponseWithoutReapplying(t *testing.T) {
	d, _, putCount := newHarness(t, 100, 10)
	ctx := context.Background()
	args := map[string]interface{}{"rid": "light-1", "on": true, "brightness": 50.0}

	first := d.Dispatch(ctx, "fp1", "idem-key-1", dispatcher.Envelope{RequestID: "req-1", Action: "light.set", Args: args})
	require.True(t, first.OK)
	assert.Equal(t, int32(1), atomic.LoadInt32(putCount))

	second := d.Dispatch(ctx, "fp1", "idem-key-1", dispatcher.Envelope{RequestID: "req-2", Action: "light.set", Args: args})
	require.True(t, second.OK)
	// The PUT must not have been issued a second time; the response is
	// replayed straight from the idempotency store.
	assert.Equal(t, int32(1), atomic.LoadInt32(putCount))
	// The live envelope's requestId/action are restored on replay.
	assert.Equal(t, "req-2", second.RequestID)
}

func TestDispatch_IdempotencyKeyReuseWithDifferentArgsIsMismatch(t *testing.T) {
	d, _, _ := newHarness(t, 100, 10)
	ctx := context.Background()

	first := d.Dispatch(ctx, "fp1", "idem-key-1", dispatcher.Envelope{
		RequestID: "req-1", Action: "light.set",
		Args: map[string]interface{}{"rid": "light-1", "on": true},
	})
	require.True(t, first.OK)

	second := d.Dispatch(ctx, "fp1", "idem-key-1", dispatcher.Envelope{
		RequestID: "req-2", Action: "light.set",
		Args: map[string]interface{}{"rid": "light-1", "on": false},
	})
	require.False(t, second.OK)
	assert.Equal(t, "idempotency_key_reuse_mismatch", second.Error.Code)
}

func TestDispatch_RateLimitedReturnsRateLimitedCode(t *testing.T) {
	d, _, _ := newHarness(t, 0, 1)
	ctx := context.Background()
	args := map[string]interface{}{"rid": "light-1", "on": true}

	first := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{RequestID: "req-1", Action: "light.set", Args: args})
	require.True(t, first.OK)

	second := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{RequestID: "req-2", Action: "light.set", Args: args})
	require.False(t, second.OK)
	assert.Equal(t, "rate_limited", second.Error.Code)
}

func TestActionsBatch_StopsAtFirstFailureByDefault(t *testing.T) {
	d, _, _ := newHarness(t, 1000, 100)
	ctx := context.Background()

	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "actions.batch",
		Args: map[string]interface{}{
			"requestId": "req-1",
			"actions": []interface{}{
				map[string]interface{}{"action": "light.set", "args": map[string]interface{}{"rid": "light-1", "on": true}},
				map[string]interface{}{"action": "light.set", "args": map[string]interface{}{"rid": "does-not-exist", "on": true}},
				map[string]interface{}{"action": "light.set", "args": map[string]interface{}{"rid": "light-1", "on": false}},
			},
		},
	})

	require.False(t, resp.OK, "a stop-on-error batch failure must surface as a failed envelope, not a success")
	require.NotNil(t, resp.Error)
	// does-not-exist has no registered mux handler, so the appliance answers
	// with a plain 404 that mapApplianceErr turns into bridge_error (502).
	assert.Equal(t, "bridge_error", resp.Error.Code)
	assert.Equal(t, 502, dispatcher.HTTPStatus(resp))
	require.NotNil(t, resp.Error.Details)
	assert.Equal(t, 1, resp.Error.Details["failedStepIndex"].(int))
	steps := resp.Error.Details["steps"].([]dispatcher.Response)
	require.Len(t, steps, 2, "batch must stop after the second step's failure and never run the third")
	assert.True(t, steps[0].OK)
	assert.False(t, steps[1].OK)
}

func TestActionsBatch_ContinuesOnErrorWhenRequested(t *testing.T) {
	d, _, _ := newHarness(t, 1000, 100)
	ctx := context.Background()

	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "actions.batch",
		Args: map[string]interface{}{
			"requestId":       "req-1",
			"continueOnError": true,
			"actions": []interface{}{
				map[string]interface{}{"action": "light.set", "args": map[string]interface{}{"rid": "does-not-exist", "on": true}},
				map[string]interface{}{"action": "light.set", "args": map[string]interface{}{"rid": "light-1", "on": true}},
			},
		},
	})

	require.True(t, resp.OK, "continueOnError batches report ok even when a step failed; failures surface per-step")
	assert.Equal(t, 207, dispatcher.HTTPStatus(resp), "a partially-failed continueOnError batch must report 207")
	result := resp.Result.(map[string]interface{})
	steps := result["steps"].([]dispatcher.Response)
	require.Len(t, steps, 2, "continueOnError must run every step regardless of earlier failures")
	assert.False(t, steps[0].OK)
	assert.True(t, steps[1].OK)
	assert.Equal(t, true, result["partial"])
}

func TestActionsBatch_PropagatesCredentialFingerprintToStepIdempotency(t *testing.T) {
	d, _, putCount := newHarness(t, 1000, 100)
	ctx := context.Background()

	batchArgs := func() map[string]interface{} {
		return map[string]interface{}{
			"requestId":      "req-1",
			"idempotencyKey": "batch-key-1",
			"actions": []interface{}{
				map[string]interface{}{"action": "light.set", "args": map[string]interface{}{"rid": "light-1", "on": true, "brightness": 50.0}},
			},
		}
	}

	first := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{RequestID: "req-1", Action: "actions.batch", Args: batchArgs()})
	require.True(t, first.OK)
	assert.Equal(t, int32(1), atomic.LoadInt32(putCount))

	second := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{RequestID: "req-2", Action: "actions.batch", Args: batchArgs()})
	require.True(t, second.OK)
	// Each step is keyed "batch-key-1:0" under the same credential
	// fingerprint, so re-running the identical batch replays the step
	// instead of re-issuing its PUT.
	assert.Equal(t, int32(1), atomic.LoadInt32(putCount))
}

func TestInventorySnapshot_NotModifiedWhenIfRevisionMatches(t *testing.T) {
	d, c, _ := newHarness(t, 1000, 100)
	ctx := context.Background()
	require.NoError(t, c.Store.SetSetting(ctx, "inventory_revision", "0"))

	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "inventory.snapshot",
		Args:      map[string]interface{}{"ifRevision": 0.0},
	})

	require.True(t, resp.OK)
	result := resp.Result.(inventoryProjection)
	assert.True(t, result.NotModified)
}

func TestSetContainer_ResolvesGroupedLightAndAppliesState(t *testing.T) {
	d, c, putCount := newHarness(t, 1000, 100)
	ctx := context.Background()

	require.NoError(t, c.Store.UpsertResource(ctx, nil, &model.Resource{Rid: "room-1", Rtype: "room", Name: "Office", Data: []byte(`{}`), UpdatedAt: 1}))
	require.NoError(t, c.Store.InsertNameIndex(ctx, nil, "room", "office", "room-1"))
	c.Cache.Upsert("room-1", rescache.Entry{
		Rtype: "room", Name: "Office", NameNorm: "office",
		Data: []byte(`{"services":[{"rid":"light-1","rtype":"grouped_light"}]}`),
	})

	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "room.set",
		Args:      map[string]interface{}{"rid": "room-1", "on": true, "brightness": 50.0},
	})

	require.True(t, resp.OK)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "room-1", result["rid"])
	assert.Equal(t, "light-1", result["groupedLightRid"])
	// room.set applies state to the grouped_light resource, not the room
	// resource itself (the appliance has no writable room endpoint).
	assert.Equal(t, int32(1), atomic.LoadInt32(putCount))
}

func TestSetContainer_NoGroupedLightServiceIsNotFound(t *testing.T) {
	d, c, _ := newHarness(t, 1000, 100)
	ctx := context.Background()

	require.NoError(t, c.Store.UpsertResource(ctx, nil, &model.Resource{Rid: "room-2", Rtype: "room", Name: "Garage", Data: []byte(`{}`), UpdatedAt: 1}))
	c.Cache.Upsert("room-2", rescache.Entry{Rtype: "room", Name: "Garage", NameNorm: "garage", Data: []byte(`{"services":[]}`)})

	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "room.set",
		Args:      map[string]interface{}{"rid": "room-2", "on": true},
	})

	require.False(t, resp.OK)
	assert.Equal(t, "not_found", resp.Error.Code)
}

func TestSetContainer_ZoneDryRunSkipsApplyingState(t *testing.T) {
	d, c, putCount := newHarness(t, 1000, 100)
	ctx := context.Background()

	c.Cache.Upsert("zone-1", rescache.Entry{
		Rtype: "zone", Name: "Upstairs", NameNorm: "upstairs",
		Data: []byte(`{"services":[{"rid":"light-1","rtype":"grouped_light"}]}`),
	})

	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "zone.set",
		Args:      map[string]interface{}{"rid": "zone-1", "on": true, "dryRun": true},
	})

	require.True(t, resp.OK)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["dryRun"])
	_, hasApplied := result["applied"]
	assert.False(t, hasApplied)
	assert.Equal(t, int32(0), atomic.LoadInt32(putCount), "dryRun must never issue the PUT")
}

func TestSetContainer_XYWarnsVerifySkipped(t *testing.T) {
	d, c, _ := newHarness(t, 1000, 100)
	ctx := context.Background()

	c.Cache.Upsert("zone-2", rescache.Entry{
		Rtype: "zone", Name: "Downstairs", NameNorm: "downstairs",
		Data: []byte(`{"services":[{"rid":"light-1","rtype":"grouped_light"},{"rid":"dev-1","rtype":"color"}],"color":{}}`),
	})
	// grouped_light capability lookup reads light-1's own cached data, which
	// was upserted with an empty object by newHarness, so color is
	// unsupported and the xy field is dropped with an "unsupported" warning
	// as well as "xy_verify_skipped".
	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "zone.set",
		Args:      map[string]interface{}{"rid": "zone-2", "xy": map[string]interface{}{"x": 0.3, "y": 0.3}},
	})

	require.True(t, resp.OK)
	result := resp.Result.(map[string]interface{})
	warnings, _ := result["warnings"].([]string)
	assert.Contains(t, warnings, "xy_verify_skipped")
}

func TestProjectRooms_DerivesGroupedLightRidFromCachedServices(t *testing.T) {
	d, c, _ := newHarness(t, 1000, 100)

	require.NoError(t, c.Store.UpsertResource(context.Background(), nil, &model.Resource{Rid: "room-1", Rtype: "room", Name: "Office", Data: []byte(`{}`), UpdatedAt: 1}))
	c.Cache.Upsert("room-1", rescache.Entry{
		Rtype: "room", Name: "Office", NameNorm: "office",
		Data: []byte(`{"services":[{"rid":"light-1","rtype":"grouped_light"}]}`),
	})

	rows := d.projectRooms()
	require.Len(t, rows, 1)
	assert.Equal(t, "light-1", rows[0]["groupedLightRid"])
}

func TestProjectRooms_ExcludesRoomsWithNoGroupedLightService(t *testing.T) {
	d, c, _ := newHarness(t, 1000, 100)

	require.NoError(t, c.Store.UpsertResource(context.Background(), nil, &model.Resource{Rid: "room-3", Rtype: "room", Name: "Attic", Data: []byte(`{}`), UpdatedAt: 1}))
	c.Cache.Upsert("room-3", rescache.Entry{Rtype: "room", Name: "Attic", NameNorm: "attic", Data: []byte(`{"services":[]}`)})

	rows := d.projectRooms()
	assert.Empty(t, rows, "a room with no grouped_light service must not be listed")
}

// TestInventorySnapshot_DerivesOwnerChildrenCrossReferences matches spec.md
// section 4.10's scenario 6: a room owning a device, a light owned by that
// device, and a zone whose child is the light -- the snapshot must resolve
// the zone's roomRids through the light->room mapping and the light's
// roomRid through its owner device, plus the appliance's bridge id.
func TestInventorySnapshot_DerivesOwnerChildrenCrossReferences(t *testing.T) {
	d, c, _ := newHarness(t, 1000, 100)
	ctx := context.Background()

	require.NoError(t, c.Store.UpsertResource(ctx, nil, &model.Resource{Rid: "room-1", Rtype: "room", Name: "Office", Data: []byte(`{}`), UpdatedAt: 1}))
	c.Cache.Upsert("room-1", rescache.Entry{
		Rtype: "room", Name: "Office", NameNorm: "office",
		Data: []byte(`{"children":[{"rid":"dev-1","rtype":"device"}],"services":[{"rid":"light-1","rtype":"grouped_light"}]}`),
	})
	c.Cache.Upsert("light-1", rescache.Entry{
		Rtype: "light", Name: "Office Lamp", NameNorm: "office lamp",
		Data: []byte(`{"owner":{"rid":"dev-1","rtype":"device"}}`),
	})
	c.Cache.Upsert("zone-1", rescache.Entry{
		Rtype: "zone", Name: "Downstairs", NameNorm: "downstairs",
		Data: []byte(`{"children":[{"rid":"light-1","rtype":"light"}],"services":[{"rid":"light-1","rtype":"grouped_light"}]}`),
	})

	resp := d.Dispatch(ctx, "fp1", "", dispatcher.Envelope{RequestID: "req-1", Action: "inventory.snapshot", Args: map[string]interface{}{}})
	require.True(t, resp.OK)
	result := resp.Result.(inventoryProjection)

	assert.Equal(t, "bridge-abc123", result.BridgeID)

	var light map[string]interface{}
	for _, row := range result.Lights {
		if row["rid"] == "light-1" {
			light = row
		}
	}
	require.NotNil(t, light, "light-1 must be projected")
	assert.Equal(t, "room-1", light["roomRid"])

	var zone map[string]interface{}
	for _, row := range result.Zones {
		if row["rid"] == "zone-1" {
			zone = row
		}
	}
	require.NotNil(t, zone, "zone-1 must be projected")
	assert.Equal(t, []string{"room-1"}, zone["roomRids"])
}

func TestSceneActivate_ResolvesByNameAndActivates(t *testing.T) {
	d, _, _ := newHarness(t, 1000, 100)
	resp := d.Dispatch(context.Background(), "fp1", "", dispatcher.Envelope{
		RequestID: "req-1",
		Action:    "scene.activate",
		Args:      map[string]interface{}{"name": "Relax"},
	})
	require.True(t, resp.OK)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "scene-1", result["rid"])
}
