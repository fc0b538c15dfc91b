// Package v2 implements the richer action dispatcher (spec.md section
// 4.10): idempotency-wrapped actions, post-write verification polling,
// room/zone aggregate targets, inventory projection, and batching.
package v2

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lanhue/gateway/internal/apperrors"
	"github.com/lanhue/gateway/internal/dispatcher"
	"github.com/lanhue/gateway/internal/dispatcher/core"
	"github.com/lanhue/gateway/internal/eventbus"
	"github.com/lanhue/gateway/internal/idempotency"
	"github.com/lanhue/gateway/internal/logging"
	"github.com/lanhue/gateway/internal/model"
	"github.com/lanhue/gateway/internal/ratelimit"
)

// Verification tolerances and polling cadence (spec.md section 4.10's
// "post-write convergence check"): a tight tolerance is tried on every poll;
// if the action hasn't converged by the deadline, one looser check is made
// and a pass yields a "verified_loose" warning, a miss a "verify_timeout"
// warning. Verification never fails the action itself -- the appliance's own
// state propagation is asynchronous and best-effort.
const (
	brightnessTightTolerance = 5.0
	brightnessLooseTolerance = 25.0
	colorTempTightToleranceK = 200.0
	colorTempLooseToleranceK = 800.0
	xyToleranceDistance      = 0.15

	defaultPollIntervalMs = 150
	defaultTimeoutMs      = 2500
)

// Dispatcher handles v2 envelopes.
type Dispatcher struct {
	core    *core.Core
	idem    *idempotency.Engine
	bus     *eventbus.Bus
	limiter *ratelimit.Limiter
	log     *logging.Logger
}

// New builds a v2 Dispatcher.
func New(c *core.Core, idem *idempotency.Engine, bus *eventbus.Bus, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{core: c, idem: idem, bus: bus, limiter: limiter, log: logging.New("dispatcher.v2")}
}

// replayedResponse is the JSON shape persisted by the idempotency store,
// matching dispatcher.Response minus requestId/action (restored from the
// live envelope on replay).
type replayedResponse struct {
	OK     bool                 `json:"ok"`
	Result interface{}          `json:"result,omitempty"`
	Error  *dispatcher.ErrorBody `json:"error,omitempty"`
}

// Dispatch routes one v2 envelope, applying rate limiting and idempotency
// semantics ahead of the action itself (spec.md sections 4.8 and 4.9).
func (d *Dispatcher) Dispatch(ctx context.Context, credFP, idempotencyKey string, env dispatcher.Envelope) dispatcher.Response {
	if res := d.limiter.Allow(credFP, 1.0); !res.Allowed {
		err := apperrors.New("rate_limited", "too many requests", map[string]interface{}{"retryAfterMs": res.RetryAfterMs})
		return dispatcher.Fail(env.RequestID, env.Action, err)
	}

	if idempotencyKey == "" {
		result, warnings, err := d.run(ctx, credFP, env.Action, env.Args)
		return d.toResponse(env, result, warnings, err)
	}

	outcome, rec, err := d.idem.Claim(ctx, credFP, idempotencyKey, env.Action, env.Args, idempotency.DefaultTTLSeconds)
	if err != nil {
		return dispatcher.Fail(env.RequestID, env.Action, err)
	}

	switch outcome {
	case idempotency.ReplayCompleted:
		return d.replay(env, rec)
	case idempotency.InProgress:
		e := apperrors.New("idempotency_in_progress", "an identical request is already in flight", nil)
		return dispatcher.Fail(env.RequestID, env.Action, e)
	case idempotency.ReuseMismatch:
		e := apperrors.New("idempotency_key_reuse_mismatch", "idempotency key reused with different action or args", nil)
		return dispatcher.Fail(env.RequestID, env.Action, e)
	}

	result, warnings, runErr := d.run(ctx, credFP, env.Action, env.Args)
	resp := d.toResponse(env, result, warnings, runErr)
	d.idem.Complete(ctx, credFP, idempotencyKey, env.Action, env.Args, dispatcher.HTTPStatus(resp), replayedResponse{
		OK: resp.OK, Result: resp.Result, Error: resp.Error,
	}, idempotency.DefaultTTLSeconds)
	return resp
}

func (d *Dispatcher) replay(env dispatcher.Envelope, rec *model.IdempotencyRecord) dispatcher.Response {
	resp := dispatcher.Response{RequestID: env.RequestID, Action: env.Action}
	if rec.ResponseBodyJSON == nil {
		resp.OK = false
		resp.Error = &dispatcher.ErrorBody{Code: "internal_error", Message: "stored idempotent response missing"}
		return resp
	}
	var rr replayedResponse
	if err := json.Unmarshal([]byte(*rec.ResponseBodyJSON), &rr); err != nil {
		resp.OK = false
		resp.Error = &dispatcher.ErrorBody{Code: "internal_error", Message: "stored idempotent response unparseable"}
		return resp
	}
	resp.OK = rr.OK
	resp.Result = rr.Result
	resp.Error = rr.Error
	if rec.ResponseStatusCode != nil {
		resp = dispatcher.WithStatus(resp, *rec.ResponseStatusCode)
	}
	return resp
}

func (d *Dispatcher) toResponse(env dispatcher.Envelope, result interface{}, warnings []string, err error) dispatcher.Response {
	if err != nil {
		return dispatcher.Fail(env.RequestID, env.Action, err)
	}
	if len(warnings) > 0 {
		if m, ok := result.(map[string]interface{}); ok {
			m["warnings"] = warnings
		}
	}
	resp := dispatcher.OK(env.RequestID, env.Action, result)
	if m, ok := result.(map[string]interface{}); ok {
		if partial, _ := m["partial"].(bool); partial {
			resp = dispatcher.WithStatus(resp, 207)
		}
	}
	return resp
}

func (d *Dispatcher) run(ctx context.Context, credFP, action string, args map[string]interface{}) (interface{}, []string, error) {
	switch action {
	case "bridge.set_host":
		host, _ := args["bridgeHost"].(string)
		r, err := d.core.SetHost(ctx, host)
		return r, nil, err

	case "bridge.pair":
		devicetype, _ := args["devicetype"].(string)
		r, err := d.core.Pair(ctx, devicetype)
		return r, nil, err

	case "clipv2.request":
		method, _ := args["method"].(string)
		path, _ := args["path"].(string)
		_, body, err := d.core.ClipV2Request(ctx, method, path, args["body"])
		return body, nil, err

	case "resolve.by_name":
		rtype, _ := args["rtype"].(string)
		name, _ := args["name"].(string)
		if rtype == "" || name == "" {
			return nil, nil, apperrors.New("invalid_args", "rtype and name are required", nil)
		}
		rid, err := d.core.ResolveByName(ctx, rtype, name)
		if err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"rid": rid}, nil, nil

	case "light.set":
		return d.setAndVerify(ctx, "light", args)

	case "grouped_light.set":
		return d.setAndVerify(ctx, "grouped_light", args)

	case "room.set":
		return d.setContainer(ctx, "room", args)

	case "zone.set":
		return d.setContainer(ctx, "zone", args)

	case "scene.activate":
		rid, err := d.core.ResolveTarget(ctx, "scene", args)
		if err != nil {
			return nil, nil, err
		}
		r, err := d.core.ActivateScene(ctx, rid)
		return r, nil, err

	case "inventory.snapshot":
		r, err := d.inventorySnapshot(ctx, args)
		return r, nil, err

	case "actions.batch":
		r, err := d.actionsBatch(ctx, credFP, args)
		return r, nil, err

	default:
		return nil, nil, apperrors.New("unknown_action", "unsupported action", map[string]interface{}{"action": action})
	}
}

// setAndVerify applies a light/grouped_light state change and polls for
// convergence, using the cached resource's capabilities (spec.md 4.10).
func (d *Dispatcher) setAndVerify(ctx context.Context, rtype string, args map[string]interface{}) (interface{}, []string, error) {
	rid, err := d.core.ResolveTarget(ctx, rtype, args)
	if err != nil {
		return nil, nil, err
	}
	caps := d.capabilitiesFor(rid)

	result, err := dispatcher.BuildLightPayload(args, caps, true)
	if err != nil {
		return nil, nil, err
	}
	if err := d.core.SetResourceState(ctx, rtype, rid, result.Payload); err != nil {
		return nil, result.Warnings, err
	}

	verifyWarnings := d.verifyConverged(ctx, rtype, rid, args, true)
	warnings := append(result.Warnings, verifyWarnings...)
	return map[string]interface{}{"rid": rid, "applied": result.Payload}, warnings, nil
}

// setContainer implements room.set/zone.set: resolve the container, find its
// grouped_light service, and apply state there (spec.md section 4.10). xy
// verification is skipped for containers since the observed state is a
// synthetic aggregate, not a single fixture's reported color.
func (d *Dispatcher) setContainer(ctx context.Context, rtype string, args map[string]interface{}) (interface{}, []string, error) {
	rid, err := d.core.ResolveTarget(ctx, rtype, args)
	if err != nil {
		return nil, nil, err
	}
	groupedRid, err := d.groupedLightServiceFor(rid)
	if err != nil {
		return nil, nil, err
	}

	dryRun, _ := args["dryRun"].(bool)
	caps := d.capabilitiesFor(groupedRid)
	result, err := dispatcher.BuildLightPayload(args, caps, true)
	if err != nil {
		return nil, nil, err
	}

	warnings := result.Warnings
	if _, hasXY := args["xy"]; hasXY {
		warnings = append(warnings, "xy_verify_skipped")
	}

	if dryRun && rtype == "zone" {
		return map[string]interface{}{"rid": rid, "groupedLightRid": groupedRid, "wouldApply": result.Payload, "dryRun": true}, warnings, nil
	}

	if err := d.core.SetResourceState(ctx, "grouped_light", groupedRid, result.Payload); err != nil {
		return nil, warnings, err
	}
	verifyWarnings := d.verifyConverged(ctx, "grouped_light", groupedRid, args, false)
	warnings = append(warnings, verifyWarnings...)
	return map[string]interface{}{"rid": rid, "groupedLightRid": groupedRid, "applied": result.Payload}, warnings, nil
}

func (d *Dispatcher) capabilitiesFor(rid string) dispatcher.Capabilities {
	entry, ok := d.core.Cache.Get(rid)
	if !ok {
		return dispatcher.Capabilities{}
	}
	return dispatcher.ParseCapabilities(entry.Data)
}

// groupedLightServiceFor scans a room/zone's cached services[] for its
// grouped_light reference (spec.md section 4.10's room/zone.set scenario).
func (d *Dispatcher) groupedLightServiceFor(containerRid string) (string, error) {
	entry, ok := d.core.Cache.Get(containerRid)
	if !ok {
		return "", apperrors.New("not_found", "container resource not cached", map[string]interface{}{"rid": containerRid})
	}
	var shape resourceShape
	if err := json.Unmarshal(entry.Data, &shape); err != nil {
		return "", apperrors.New("bridge_error", "unparseable container services", nil)
	}
	for _, s := range shape.Services {
		if s.Rtype == "grouped_light" {
			return s.Rid, nil
		}
	}
	return "", apperrors.New("not_found", "container has no grouped_light service", map[string]interface{}{"rid": containerRid})
}

// verifyConverged polls the target's GET response for convergence against
// the requested args, tightening->loosening tolerance before giving up.
func (d *Dispatcher) verifyConverged(ctx context.Context, rtype, rid string, args map[string]interface{}, checkXY bool) []string {
	pollInterval := time.Duration(defaultPollIntervalMs) * time.Millisecond
	deadline := time.Now().Add(time.Duration(defaultTimeoutMs) * time.Millisecond)

	for {
		observed, err := d.fetchLightState(ctx, rtype, rid)
		if err == nil {
			if converged(args, observed, checkXY, false) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			if err == nil && converged(args, observed, checkXY, true) {
				return []string{"verified_loose"}
			}
			return []string{"verify_timeout"}
		}
		select {
		case <-ctx.Done():
			return []string{"verify_timeout"}
		case <-time.After(pollInterval):
		}
	}
}

func (d *Dispatcher) fetchLightState(ctx context.Context, rtype, rid string) (model.LightState, error) {
	_, body, err := d.core.Client.RequestJSONish(ctx, "GET", fmt.Sprintf("/clip/v2/resource/%s/%s", rtype, rid), nil, true, 1, defaultPollIntervalMs)
	if err != nil {
		return model.LightState{}, err
	}
	b, _ := json.Marshal(body)
	var shape struct {
		Data []struct {
			On *struct {
				On bool `json:"on"`
			} `json:"on"`
			Dimming *struct {
				Brightness float64 `json:"brightness"`
			} `json:"dimming"`
			ColorTemperature *struct {
				Mirek int `json:"mirek"`
			} `json:"color_temperature"`
			Color *struct {
				XY struct {
					X float64 `json:"x"`
					Y float64 `json:"y"`
				} `json:"xy"`
			} `json:"color"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &shape); err != nil || len(shape.Data) == 0 {
		return model.LightState{}, apperrors.New("bridge_error", "unparseable verification response", nil)
	}
	item := shape.Data[0]
	state := model.LightState{}
	if item.On != nil {
		on := item.On.On
		state.On = &on
	}
	if item.Dimming != nil {
		b := item.Dimming.Brightness
		state.Brightness = &b
	}
	if item.ColorTemperature != nil {
		k := 1_000_000.0 / float64(item.ColorTemperature.Mirek)
		state.ColorTempK = &k
	}
	if item.Color != nil {
		state.XY = &model.XY{X: item.Color.XY.X, Y: item.Color.XY.Y}
	}
	return state, nil
}

func converged(args map[string]interface{}, observed model.LightState, checkXY, loose bool) bool {
	if on, ok := args["on"].(bool); ok {
		if observed.On == nil || *observed.On != on {
			return false
		}
	}
	if raw, ok := args["brightness"]; ok {
		want, _ := toFloatLoose(raw)
		tol := brightnessTightTolerance
		if loose {
			tol = brightnessLooseTolerance
		}
		if observed.Brightness == nil || math.Abs(*observed.Brightness-want) > tol {
			return false
		}
	}
	if raw, ok := args["colorTempK"]; ok {
		want, _ := toFloatLoose(raw)
		tol := colorTempTightToleranceK
		if loose {
			tol = colorTempLooseToleranceK
		}
		if observed.ColorTempK == nil || math.Abs(*observed.ColorTempK-want) > tol {
			return false
		}
	}
	if checkXY {
		if raw, ok := args["xy"].(map[string]interface{}); ok {
			wx, _ := toFloatLoose(raw["x"])
			wy, _ := toFloatLoose(raw["y"])
			if observed.XY == nil {
				return false
			}
			dist := math.Hypot(observed.XY.X-wx, observed.XY.Y-wy)
			if dist > xyToleranceDistance {
				return false
			}
		}
	}
	return true
}

func toFloatLoose(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

type inventoryProjection struct {
	GeneratedAt int64                    `json:"generatedAt"`
	BridgeID    string                   `json:"bridgeId,omitempty"`
	Rooms       []map[string]interface{} `json:"rooms"`
	Lights      []map[string]interface{} `json:"lights"`
	Zones       []map[string]interface{} `json:"zones"`
	Stale       bool                     `json:"stale"`
	StaleReason string                   `json:"staleReason,omitempty"`
	Revision    int64                    `json:"revision"`
	NotModified bool                     `json:"notModified,omitempty"`
}

// inventorySnapshot projects the cached inventory into the rooms/lights/zones
// shape from spec.md section 4.10, honoring an optional ifRevision
// short-circuit, deriving room/zone cross-references from owner/children,
// and reporting per-rtype staleness plus the appliance's bridge id.
func (d *Dispatcher) inventorySnapshot(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	revision, _ := d.core.Store.GetSettingInt(ctx, "inventory_revision", 0)

	if rawIf, ok := args["ifRevision"]; ok {
		ifRev, ok := toFloatLoose(rawIf)
		if ok && int64(ifRev) == revision {
			return inventoryProjection{GeneratedAt: time.Now().Unix(), Revision: revision, NotModified: true}, nil
		}
	}

	deviceToRoom := d.deviceToRoomMap()
	lights := d.projectLights(deviceToRoom)
	lightToRoom := make(map[string]string, len(lights))
	for _, row := range lights {
		if roomRid, ok := row["roomRid"].(string); ok {
			lightToRoom[row["rid"].(string)] = roomRid
		}
	}

	rooms := d.projectRooms()
	zones := d.projectZones(deviceToRoom, lightToRoom)

	stale, reason := d.staleness()

	var bridgeID string
	if _, body, err := d.core.Client.RequestJSONish(ctx, "GET", "/clip/v2/resource/bridge", nil, true, 1, 200); err != nil {
		if !stale {
			stale, reason = true, "bridge_probe_failed"
		}
	} else {
		bridgeID = extractBridgeID(body)
	}

	return inventoryProjection{
		GeneratedAt: time.Now().Unix(),
		BridgeID:    bridgeID,
		Rooms:       rooms,
		Lights:      lights,
		Zones:       zones,
		Stale:       stale,
		StaleReason: reason,
		Revision:    revision,
	}, nil
}

// resourceShape is the subset of a cached CLIP v2 resource body needed to
// derive inventory cross-references: a light's owning device (owner), and a
// room/zone's member references (children), alongside the services[] already
// used to locate a container's grouped_light.
type resourceShape struct {
	Owner *struct {
		Rid   string `json:"rid"`
		Rtype string `json:"rtype"`
	} `json:"owner"`
	Children []struct {
		Rid   string `json:"rid"`
		Rtype string `json:"rtype"`
	} `json:"children"`
	Services []struct {
		Rid   string `json:"rid"`
		Rtype string `json:"rtype"`
	} `json:"services"`
}

// deviceToRoomMap scans every cached room's children[] for rtype=device
// entries, building the device-rid -> room-rid map spec.md section 4.10 uses
// to derive a light's roomRid and a zone's roomRids.
func (d *Dispatcher) deviceToRoomMap() map[string]string {
	out := map[string]string{}
	for roomRid, e := range d.core.Cache.List("room") {
		var shape resourceShape
		if err := json.Unmarshal(e.Data, &shape); err != nil {
			continue
		}
		for _, c := range shape.Children {
			if c.Rtype == "device" {
				out[c.Rid] = roomRid
			}
		}
	}
	return out
}

// projectLights projects every cached light, resolving roomRid by following
// owner.rid (a device) through deviceToRoom (spec.md section 4.10).
func (d *Dispatcher) projectLights(deviceToRoom map[string]string) []map[string]interface{} {
	entries := d.core.Cache.List("light")
	out := make([]map[string]interface{}, 0, len(entries))
	for rid, e := range entries {
		row := map[string]interface{}{"rid": rid, "name": e.Name, "rtype": e.Rtype}
		var shape resourceShape
		var roomRid interface{}
		if err := json.Unmarshal(e.Data, &shape); err == nil && shape.Owner != nil {
			if r, ok := deviceToRoom[shape.Owner.Rid]; ok {
				roomRid = r
			}
		}
		row["roomRid"] = roomRid
		out = append(out, row)
	}
	return out
}

// projectRooms lists only rooms that expose a grouped_light service (spec.md
// section 4.10: "rooms: rows with rtype=room having a grouped_light
// service").
func (d *Dispatcher) projectRooms() []map[string]interface{} {
	entries := d.core.Cache.List("room")
	out := make([]map[string]interface{}, 0, len(entries))
	for rid, e := range entries {
		groupedRid, err := d.groupedLightServiceFor(rid)
		if err != nil {
			continue
		}
		out = append(out, map[string]interface{}{"rid": rid, "name": e.Name, "rtype": e.Rtype, "groupedLightRid": groupedRid})
	}
	return out
}

// projectZones projects every cached zone, attaching its grouped_light rid
// and its roomRids -- derived from children[] (direct rooms, light-children
// via lightToRoom, device-children via deviceToRoom), sorted or nil (spec.md
// section 4.10).
func (d *Dispatcher) projectZones(deviceToRoom, lightToRoom map[string]string) []map[string]interface{} {
	entries := d.core.Cache.List("zone")
	out := make([]map[string]interface{}, 0, len(entries))
	for rid, e := range entries {
		row := map[string]interface{}{"rid": rid, "name": e.Name, "rtype": e.Rtype}
		if groupedRid, err := d.groupedLightServiceFor(rid); err == nil {
			row["groupedLightRid"] = groupedRid
		} else {
			row["groupedLightRid"] = nil
		}
		if roomRids := d.zoneRoomRids(rid, deviceToRoom, lightToRoom); roomRids != nil {
			row["roomRids"] = roomRids
		} else {
			row["roomRids"] = nil
		}
		out = append(out, row)
	}
	return out
}

func (d *Dispatcher) zoneRoomRids(zoneRid string, deviceToRoom, lightToRoom map[string]string) []string {
	entry, ok := d.core.Cache.Get(zoneRid)
	if !ok {
		return nil
	}
	var shape resourceShape
	if err := json.Unmarshal(entry.Data, &shape); err != nil {
		return nil
	}
	set := map[string]struct{}{}
	for _, c := range shape.Children {
		switch c.Rtype {
		case "room":
			set[c.Rid] = struct{}{}
		case "light":
			if roomRid, ok := lightToRoom[c.Rid]; ok {
				set[roomRid] = struct{}{}
			}
		case "device":
			if roomRid, ok := deviceToRoom[c.Rid]; ok {
				set[roomRid] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for roomRid := range set {
		out = append(out, roomRid)
	}
	sort.Strings(out)
	return out
}

// extractBridgeID pulls bridge_id out of the /clip/v2/resource/bridge GET
// response (best-effort; spec.md section 4.10).
func extractBridgeID(body interface{}) string {
	b, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	var shape struct {
		Data []struct {
			BridgeID string `json:"bridge_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &shape); err != nil || len(shape.Data) == 0 {
		return ""
	}
	return shape.Data[0].BridgeID
}

func (d *Dispatcher) staleness() (bool, string) {
	for _, rtype := range model.SnapshotOrder {
		last, ok := d.core.Cache.LastFresh(string(rtype))
		if !ok {
			return true, "never_synced"
		}
		if time.Since(last) > 10*time.Minute {
			return true, "resync_overdue"
		}
	}
	return false, ""
}

// actionsBatch runs a list of actions, deriving a per-step requestId /
// idempotencyKey from the parent key, and either stopping at the first
// failure or continuing through every step (spec.md section 4.10).
func (d *Dispatcher) actionsBatch(ctx context.Context, credFP string, args map[string]interface{}) (interface{}, error) {
	continueOnError, _ := args["continueOnError"].(bool)
	rawActions, ok := args["actions"].([]interface{})
	if !ok || len(rawActions) == 0 {
		return nil, apperrors.New("invalid_args", "actions must be a non-empty array", nil)
	}

	parentKey, _ := args["idempotencyKey"].(string)
	parentReqID, _ := args["requestId"].(string)

	steps := make([]dispatcher.Response, 0, len(rawActions))
	anyFailed := false
	for i, raw := range rawActions {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, apperrors.New("invalid_args", "each batch action must be an object", map[string]interface{}{"index": i})
		}
		action, _ := m["action"].(string)
		subArgs, _ := m["args"].(map[string]interface{})

		stepReqID := fmt.Sprintf("%s:%d", parentReqID, i)
		stepKey := ""
		if parentKey != "" {
			stepKey = fmt.Sprintf("%s:%d", parentKey, i)
		}

		env := dispatcher.Envelope{RequestID: stepReqID, Action: action, Args: subArgs}
		resp := d.Dispatch(ctx, credFP, stepKey, env)
		steps = append(steps, resp)

		if !resp.OK {
			if !continueOnError {
				code, message := "internal_error", "batch step failed"
				if resp.Error != nil {
					code, message = resp.Error.Code, resp.Error.Message
				}
				return nil, apperrors.New(code, message, map[string]interface{}{
					"failedStepIndex": i,
					"steps":           steps,
				})
			}
			anyFailed = true
		}
	}

	result := map[string]interface{}{"steps": steps}
	if anyFailed {
		result["partial"] = true
	}
	return result, nil
}
