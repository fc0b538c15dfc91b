// Package core holds the action implementations shared by both dispatcher
// versions (spec.md section 4.10's "Shared action set"), grounded on the
// studio backend's cmd/apiserver strictHandlers receiver pattern: one method
// per action, with a dependency bag on the receiver.
package core

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/lanhue/gateway/internal/apperrors"
	"github.com/lanhue/gateway/internal/applianceclient"
	"github.com/lanhue/gateway/internal/rescache"
	"github.com/lanhue/gateway/internal/resolver"
	"github.com/lanhue/gateway/internal/store"
)

// Core bundles the dependencies every action handler needs.
type Core struct {
	Store            store.InventoryStore
	Cache            *rescache.Cache
	Resolver         *resolver.Resolver
	Client           *applianceclient.Client
	RetryMaxAttempts int
	RetryBaseDelayMs int
}

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.\-]+$`)

// SetHost validates and persists bridge_host, reconfiguring the appliance
// client (spec.md section 4.10's bridge.set_host).
func (c *Core) SetHost(ctx context.Context, bridgeHost string) (map[string]interface{}, error) {
	if bridgeHost == "" || strings.ContainsAny(bridgeHost, "/ \t\n") || strings.Contains(bridgeHost, "://") || !hostnamePattern.MatchString(bridgeHost) {
		return nil, apperrors.New("invalid_args", "bridgeHost must be a bare hostname or IP", map[string]interface{}{"bridgeHost": bridgeHost})
	}
	if err := c.Store.SetSetting(ctx, "bridge_host", bridgeHost); err != nil {
		return nil, apperrors.Internal(err)
	}
	appKey, _, err := c.Store.GetSetting(ctx, "application_key")
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	c.Client.Configure(bridgeHost, appKey)
	return map[string]interface{}{"bridgeHost": bridgeHost, "stored": true}, nil
}

// pairResponseItem mirrors one element of the appliance's legacy list-shaped
// /api response, carrying either an error or a success stanza (spec.md
// section 4.10's bridge.pair).
type pairResponseItem struct {
	Error *struct {
		Type int `json:"type"`
	} `json:"error"`
	Success *struct {
		Username string `json:"username"`
	} `json:"success"`
}

// Pair implements bridge.pair (spec.md section 4.10).
func (c *Core) Pair(ctx context.Context, devicetype string) (map[string]interface{}, error) {
	if devicetype == "" {
		devicetype = "hue-gateway#app"
	}
	_, body, err := c.Client.RequestJSONish(ctx, "POST", "/api", map[string]interface{}{"devicetype": devicetype}, false, 1, c.RetryBaseDelayMs)
	if err != nil {
		return nil, mapApplianceErr(err)
	}

	items, ok := body.([]interface{})
	if !ok || len(items) == 0 {
		return nil, apperrors.New("bridge_error", "unexpected pairing response shape", nil)
	}
	item, err := decodePairItem(items[0])
	if err != nil {
		return nil, apperrors.New("bridge_error", "unparseable pairing response", nil)
	}
	switch {
	case item.Error != nil && item.Error.Type == 101:
		return nil, apperrors.New("link_button_not_pressed", "press the link button and retry", nil)
	case item.Success != nil && item.Success.Username != "":
		key := item.Success.Username
		if err := c.Store.SetSetting(ctx, "application_key", key); err != nil {
			return nil, apperrors.Internal(err)
		}
		host, _, _ := c.Store.GetSetting(ctx, "bridge_host")
		c.Client.Configure(host, key)
		return map[string]interface{}{"applicationKey": key, "stored": true}, nil
	default:
		return nil, apperrors.New("bridge_error", "unexpected pairing response", nil)
	}
}

var allowedClipVerbs = map[string]bool{"GET": true, "PUT": true, "POST": true, "DELETE": true}
var idempotentClipVerbs = map[string]bool{"GET": true}

// ClipV2Request implements clipv2.request, enforcing the path shape
// invariant from spec.md section 8: a request's path must always begin with
// /clip/v2/.
func (c *Core) ClipV2Request(ctx context.Context, method, path string, body interface{}) (int, interface{}, error) {
	method = strings.ToUpper(method)
	if !allowedClipVerbs[method] {
		return 0, nil, apperrors.New("invalid_args", "unsupported HTTP method", map[string]interface{}{"method": method})
	}
	if !strings.HasPrefix(path, "/clip/v2/") || strings.Contains(path, "//") || strings.Contains(path, "://") || strings.Contains(path, "..") {
		return 0, nil, apperrors.New("invalid_args", "path must start with /clip/v2/ and contain no traversal", map[string]interface{}{"path": path})
	}
	if _, err := url.Parse(path); err != nil {
		return 0, nil, apperrors.New("invalid_args", "unparseable path", nil)
	}

	retry := idempotentClipVerbs[method]
	status, parsed, err := c.Client.RequestJSONish(ctx, method, path, body, retry, c.RetryMaxAttempts, c.RetryBaseDelayMs)
	if err != nil {
		return status, nil, mapApplianceErr(err)
	}
	return status, parsed, nil
}

func mapApplianceErr(err error) error {
	if _, ok := err.(*applianceclient.ErrTransport); ok {
		return apperrors.New("bridge_unreachable", "appliance unreachable", nil)
	}
	if up, ok := err.(*applianceclient.ErrUpstream); ok {
		if up.Status == 429 {
			return apperrors.New("bridge_rate_limited", "appliance rate limited the request", nil)
		}
		return apperrors.New("bridge_error", "appliance returned an error", map[string]interface{}{"status": up.Status})
	}
	return apperrors.Internal(err)
}

// ResolveByName resolves (rtype, name) to an rid using the per-rtype
// resolver (spec.md section 4.4).
func (c *Core) ResolveByName(ctx context.Context, rtype, name string) (string, error) {
	return c.Resolver.Resolve(ctx, rtype, name)
}

// ResolveTarget resolves either a direct "rid" arg or a "name" arg for
// rtype, per spec.md section 4.10's "resolve rid (direct or by name)".
func (c *Core) ResolveTarget(ctx context.Context, rtype string, args map[string]interface{}) (string, error) {
	if rid, ok := args["rid"].(string); ok && rid != "" {
		return rid, nil
	}
	if name, ok := args["name"].(string); ok && name != "" {
		return c.ResolveByName(ctx, rtype, name)
	}
	return "", apperrors.New("invalid_args", "either rid or name must be provided", nil)
}

// ActivateScene PUTs the recall payload for scene.activate (spec.md 4.10).
func (c *Core) ActivateScene(ctx context.Context, rid string) (map[string]interface{}, error) {
	_, _, err := c.Client.RequestJSONish(ctx, "PUT", "/clip/v2/resource/scene/"+rid,
		map[string]interface{}{"recall": map[string]interface{}{"action": "active"}}, false, 1, c.RetryBaseDelayMs)
	if err != nil {
		return nil, mapApplianceErr(err)
	}
	return map[string]interface{}{"rid": rid, "activated": true}, nil
}

// SetResourceState PUTs a built light-state payload to /clip/v2/resource/<rtype>/<rid>.
func (c *Core) SetResourceState(ctx context.Context, rtype, rid string, payload map[string]interface{}) error {
	_, _, err := c.Client.RequestJSONish(ctx, "PUT", "/clip/v2/resource/"+rtype+"/"+rid, payload, false, 1, c.RetryBaseDelayMs)
	if err != nil {
		return mapApplianceErr(err)
	}
	return nil
}

func decodePairItem(v interface{}) (pairResponseItem, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return pairResponseItem{}, apperrors.New("bridge_error", "bad item", nil)
	}
	item := pairResponseItem{}
	if e, ok := m["error"].(map[string]interface{}); ok {
		if t, ok := e["type"].(float64); ok {
			typ := int(t)
			item.Error = &struct {
				Type int `json:"type"`
			}{Type: typ}
		}
	}
	if s, ok := m["success"].(map[string]interface{}); ok {
		if u, ok := s["username"].(string); ok {
			item.Success = &struct {
				Username string `json:"username"`
			}{Username: u}
		}
	}
	return item, nil
}
