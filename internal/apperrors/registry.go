// Package apperrors is the canonical error registry shared by both action
// dispatcher versions (spec.md section 4.11), generalized from the studio
// backend's internal/middleware/response_types.go ErrorCode/ErrorInfo shape.
package apperrors

import "fmt"

// Retryability is a three-valued retry hint: always, never, or maybe.
type Retryability string

const (
	RetryNo    Retryability = "false"
	RetryYes   Retryability = "true"
	RetryMaybe Retryability = "maybe"
)

// Def is one row of the canonical code/http-status/retryability table.
type Def struct {
	Code       string
	HTTPStatus int
	Retryable  Retryability
}

// Registry is the static table from spec.md section 4.11 and section 7.
var Registry = map[string]Def{
	"invalid_json":                  {"invalid_json", 400, RetryNo},
	"invalid_request":               {"invalid_request", 400, RetryNo},
	"invalid_action":                {"invalid_action", 400, RetryNo},
	"unknown_action":                {"unknown_action", 400, RetryNo},
	"invalid_args":                  {"invalid_args", 400, RetryNo},
	"empty_state":                   {"empty_state", 400, RetryNo},
	"request_id_mismatch":           {"request_id_mismatch", 400, RetryNo},
	"invalid_idempotency_key":       {"invalid_idempotency_key", 400, RetryNo},
	"not_found":                     {"not_found", 404, RetryNo},
	"ambiguous_name":                {"ambiguous_name", 409, RetryNo},
	"no_confident_match":            {"no_confident_match", 404, RetryNo},
	"idempotency_key_reuse_mismatch": {"idempotency_key_reuse_mismatch", 409, RetryNo},
	"unauthorized":                  {"unauthorized", 401, RetryNo},

	"link_button_not_pressed": {"link_button_not_pressed", 409, RetryYes},
	"idempotency_in_progress": {"idempotency_in_progress", 409, RetryYes},
	"rate_limited":            {"rate_limited", 429, RetryYes},

	"bridge_unreachable":   {"bridge_unreachable", 424, RetryYes},
	"bridge_rate_limited":  {"bridge_rate_limited", 429, RetryYes},
	"bridge_error":         {"bridge_error", 502, RetryMaybe},

	"internal_error": {"internal_error", 500, RetryMaybe},
}

// GatewayError is the error type handlers raise; the dispatcher catches it
// and emits the standard envelope (spec section 7).
type GatewayError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a GatewayError for a registered code. Panics on an unregistered
// code during development — every handler emission must map to a registry
// entry (spec 4.11); an unregistered code is a programmer error, not a
// runtime condition to recover from.
func New(code, message string, details map[string]interface{}) *GatewayError {
	if _, ok := Registry[code]; !ok {
		panic("apperrors: unregistered error code " + code)
	}
	return &GatewayError{Code: code, Message: message, Details: details}
}

// HTTPStatus returns the canonical HTTP status for a code, defaulting to 500
// for anything unregistered (should not happen once New's invariant holds).
func HTTPStatus(code string) int {
	if d, ok := Registry[code]; ok {
		return d.HTTPStatus
	}
	return 500
}

// Internal wraps an arbitrary error as internal_error, carrying the original
// message in details.error, per spec.md section 7.
func Internal(err error) *GatewayError {
	return New("internal_error", "internal error", map[string]interface{}{"error": err.Error()})
}
