// Package v1 implements the legacy action dispatcher (spec.md section
// 4.10): direct action -> appliance mapping, no idempotency, no
// verification polling, no batching.
package v1

import (
	"context"

	"github.com/lanhue/gateway/internal/apperrors"
	"github.com/lanhue/gateway/internal/dispatcher"
	"github.com/lanhue/gateway/internal/dispatcher/core"
	"github.com/lanhue/gateway/internal/logging"
)

// Dispatcher handles v1 envelopes.
type Dispatcher struct {
	core *core.Core
	log  *logging.Logger
}

// New builds a v1 Dispatcher.
func New(c *core.Core) *Dispatcher {
	return &Dispatcher{core: c, log: logging.New("dispatcher.v1")}
}

// Dispatch routes an envelope to its action handler and always returns a
// well-formed Response (spec.md section 4.10: v1 never surfaces a bare Go
// error to callers).
func (d *Dispatcher) Dispatch(ctx context.Context, env dispatcher.Envelope) dispatcher.Response {
	result, err := d.run(ctx, env.Action, env.Args)
	if err != nil {
		return dispatcher.Fail(env.RequestID, env.Action, err)
	}
	return dispatcher.OK(env.RequestID, env.Action, result)
}

func (d *Dispatcher) run(ctx context.Context, action string, args map[string]interface{}) (interface{}, error) {
	switch action {
	case "bridge.set_host":
		host, _ := args["bridgeHost"].(string)
		return d.core.SetHost(ctx, host)

	case "bridge.pair":
		devicetype, _ := args["devicetype"].(string)
		return d.core.Pair(ctx, devicetype)

	case "clipv2.request":
		method, _ := args["method"].(string)
		path, _ := args["path"].(string)
		_, body, err := d.core.ClipV2Request(ctx, method, path, args["body"])
		return body, err

	case "resolve.by_name":
		rtype, _ := args["rtype"].(string)
		name, _ := args["name"].(string)
		if rtype == "" || name == "" {
			return nil, apperrors.New("invalid_args", "rtype and name are required", nil)
		}
		rid, err := d.core.ResolveByName(ctx, rtype, name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"rid": rid}, nil

	case "light.set":
		return d.setLightLike(ctx, "light", args)

	case "grouped_light.set":
		return d.setLightLike(ctx, "grouped_light", args)

	case "scene.activate":
		rid, err := d.core.ResolveTarget(ctx, "scene", args)
		if err != nil {
			return nil, err
		}
		return d.core.ActivateScene(ctx, rid)

	default:
		return nil, apperrors.New("unknown_action", "unsupported action", map[string]interface{}{"action": action})
	}
}

func (d *Dispatcher) setLightLike(ctx context.Context, rtype string, args map[string]interface{}) (interface{}, error) {
	rid, err := d.core.ResolveTarget(ctx, rtype, args)
	if err != nil {
		return nil, err
	}
	// v1 has no cached-capability lookup: payload construction is
	// capability-blind and clamps silently, matching spec.md section
	// 4.10's v1/v2 behavioral split.
	result, err := dispatcher.BuildLightPayload(args, dispatcher.Capabilities{}, false)
	if err != nil {
		return nil, err
	}
	if err := d.core.SetResourceState(ctx, rtype, rid, result.Payload); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rid": rid, "applied": result.Payload}, nil
}
