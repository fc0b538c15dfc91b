package dispatcher

import (
	"encoding/json"
	"math"

	"github.com/lanhue/gateway/internal/apperrors"
)

// Capabilities describes what a target resource supports, parsed from its
// cached appliance JSON (spec.md section 4.10's v2-only clamp/skip rules).
type Capabilities struct {
	HasColorTemperature bool
	MirekMin            *int
	MirekMax            *int
	HasColor            bool
}

// ParseCapabilities inspects a cached resource's data blob for
// color_temperature / color service stanzas.
func ParseCapabilities(data json.RawMessage) Capabilities {
	var shape struct {
		ColorTemperature *struct {
			MirekValidRange *struct {
				MirekMinimum int `json:"mirek_minimum"`
				MirekMaximum int `json:"mirek_maximum"`
			} `json:"mirek_valid_range"`
		} `json:"color_temperature"`
		Color *struct{} `json:"color"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Capabilities{}
	}
	caps := Capabilities{}
	if shape.ColorTemperature != nil {
		caps.HasColorTemperature = true
		if shape.ColorTemperature.MirekValidRange != nil {
			min := shape.ColorTemperature.MirekValidRange.MirekMinimum
			max := shape.ColorTemperature.MirekValidRange.MirekMaximum
			caps.MirekMin, caps.MirekMax = &min, &max
		}
	}
	if shape.Color != nil {
		caps.HasColor = true
	}
	return caps
}

// PayloadResult is the built appliance payload plus any v2 warnings.
type PayloadResult struct {
	Payload  map[string]interface{}
	Warnings []string
}

// BuildLightPayload implements spec.md section 4.10's shared payload
// construction for light.set / grouped_light.set / room.set / zone.set.
// v2 emits warnings (clamped/unsupported); v1 clamps silently and never
// skips a field for lack of capability info (v1 has no cached-capability
// lookup).
func BuildLightPayload(args map[string]interface{}, caps Capabilities, v2 bool) (PayloadResult, error) {
	payload := map[string]interface{}{}
	var warnings []string

	if on, ok := args["on"]; ok {
		b, ok := on.(bool)
		if !ok {
			return PayloadResult{}, apperrors.New("invalid_args", "on must be a boolean", nil)
		}
		payload["on"] = map[string]interface{}{"on": b}
	}

	if raw, ok := args["brightness"]; ok {
		v, ok := toFloat(raw)
		if !ok {
			return PayloadResult{}, apperrors.New("invalid_args", "brightness must be a number", nil)
		}
		clamped := clamp(v, 0.1, 100.0)
		if v2 && clamped != v {
			warnings = append(warnings, "clamped")
		}
		payload["dimming"] = map[string]interface{}{"brightness": clamped}
	}

	if raw, ok := args["colorTempK"]; ok {
		v, ok := toFloat(raw)
		if !ok || v <= 0 {
			return PayloadResult{}, apperrors.New("invalid_args", "colorTempK must be a positive number", nil)
		}
		if v2 && !caps.HasColorTemperature {
			warnings = append(warnings, "unsupported")
		} else {
			mirek := math.Round(1_000_000.0 / v)
			if v2 && caps.MirekMin != nil && caps.MirekMax != nil {
				clampedMirek := clamp(mirek, float64(*caps.MirekMin), float64(*caps.MirekMax))
				if clampedMirek != mirek {
					warnings = append(warnings, "clamped")
				}
				mirek = clampedMirek
			}
			payload["color_temperature"] = map[string]interface{}{"mirek": int(mirek)}
		}
	}

	if raw, ok := args["xy"]; ok {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return PayloadResult{}, apperrors.New("invalid_args", "xy must be an object with x,y", nil)
		}
		x, xok := toFloat(m["x"])
		y, yok := toFloat(m["y"])
		if !xok || !yok {
			return PayloadResult{}, apperrors.New("invalid_args", "xy.x and xy.y must be numbers", nil)
		}
		if v2 && !caps.HasColor {
			warnings = append(warnings, "unsupported")
		} else {
			payload["color"] = map[string]interface{}{"xy": map[string]interface{}{"x": x, "y": y}}
		}
	}

	provided := false
	for _, field := range []string{"on", "brightness", "colorTempK", "xy"} {
		if _, ok := args[field]; ok {
			provided = true
		}
	}
	if !provided {
		code := "invalid_args"
		if !v2 {
			code = "empty_state"
		}
		return PayloadResult{}, apperrors.New(code, "at least one state field must be provided", nil)
	}

	return PayloadResult{Payload: payload, Warnings: warnings}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toFloat(v interface{}) (float64, bool) {
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
