// Package model holds the gateway's persisted and in-memory data shapes,
// following the studio backend's internal/models convention of plain structs
// with db/json struct tags for sqlx scanning.
package model

import (
	"encoding/json"
	"strings"
)

// NormalizeName lowercases and whitespace-collapses a display name, per
// spec.md section 3's name_norm definition. strings.Fields+Join already
// collapses any run of Unicode whitespace and trims the ends.
func NormalizeName(name string) string {
	lower := strings.ToLower(name)
	return strings.Join(strings.Fields(lower), " ")
}

// Rtype enumerates the fixed resource types from spec.md section 3.
type Rtype string

const (
	RtypeDevice       Rtype = "device"
	RtypeLight        Rtype = "light"
	RtypeRoom         Rtype = "room"
	RtypeZone         Rtype = "zone"
	RtypeGroupedLight Rtype = "grouped_light"
	RtypeScene        Rtype = "scene"
)

// SnapshotOrder is the fixed ordered set snapshot iterates (spec 4.5).
var SnapshotOrder = []Rtype{RtypeDevice, RtypeLight, RtypeRoom, RtypeZone, RtypeGroupedLight, RtypeScene}

// Resource is one appliance-mirrored row (spec section 3).
type Resource struct {
	Rid       string          `db:"rid" json:"rid"`
	Rtype     string          `db:"rtype" json:"rtype"`
	Name      string          `db:"name" json:"name,omitempty"`
	Data      json.RawMessage `db:"data" json:"data"`
	UpdatedAt int64           `db:"updated_at" json:"updatedAt"`
}

// NameIndexRow is one row of the derived name_index table (spec section 3).
type NameIndexRow struct {
	Rtype    string `db:"rtype"`
	NameNorm string `db:"name_norm"`
	Rid      string `db:"rid"`
}

// NameCandidate is a resolver input row (spec 4.2's list_name_candidates).
type NameCandidate struct {
	NameNorm string
	Rid      string
	Display  string
}

// Setting is a persisted configuration row (spec section 3).
type Setting struct {
	Key       string `db:"key"`
	Value     string `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// IdempotencyStatus is the two-valued lifecycle state (spec section 3).
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord is the composite-keyed row from spec section 3.
type IdempotencyRecord struct {
	CredentialFingerprint string            `db:"credential_fingerprint"`
	IdempotencyKey        string            `db:"idempotency_key"`
	Action                string            `db:"action"`
	RequestHash           string            `db:"request_hash"`
	Status                IdempotencyStatus `db:"status"`
	ResponseStatusCode    *int              `db:"response_status_code"`
	ResponseBodyJSON      *string           `db:"response_json"`
	CreatedAt             int64             `db:"created_at"`
	UpdatedAt             int64             `db:"updated_at"`
	ExpiresAt             int64             `db:"expires_at"`
}

// Event is a bus-published event (spec section 3).
type Event struct {
	EventID   int64           `json:"eventId,omitempty"`
	Ts        int64           `json:"ts"`
	Type      string          `json:"type"`
	Resource  *EventResource  `json:"resource,omitempty"`
	Revision  int64           `json:"revision"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventResource identifies the resource an event refers to.
type EventResource struct {
	Rid   string `json:"rid"`
	Rtype string `json:"rtype"`
}

// LightState models requested/applied/observed light state (spec section 3).
type LightState struct {
	On          *bool    `json:"on,omitempty"`
	Brightness  *float64 `json:"brightness,omitempty"`
	ColorTempK  *float64 `json:"colorTempK,omitempty"`
	XY          *XY      `json:"xy,omitempty"`
}

// XY is a CIE 1931 color coordinate pair.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
