// Package dispatcher holds the action envelope shared by both dispatcher
// versions (spec.md section 4.10), grounded on the studio backend's
// internal/middleware/response_types.go APIResponse/ErrorInfo envelope shape,
// generalized from a fixed six-code enum to the canonical registry in
// internal/apperrors.
package dispatcher

import "github.com/lanhue/gateway/internal/apperrors"

// Envelope is the inbound action request (spec.md section 4.10).
type Envelope struct {
	RequestID string                 `json:"requestId,omitempty"`
	Action    string                 `json:"action"`
	Args      map[string]interface{} `json:"args"`
}

// ErrorBody is the canonical error shape nested in a failed Response.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response is the outbound envelope (spec.md section 4.10).
type Response struct {
	RequestID string      `json:"requestId"`
	Action    string      `json:"action"`
	OK        bool        `json:"ok"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`

	// statusOverride, when non-zero, wins over the registry-derived status in
	// HTTPStatus -- used for responses whose HTTP status isn't a plain
	// function of ok/error.code, e.g. a 207 partial-success batch.
	statusOverride int
}

// OK builds a successful response.
func OK(requestID, action string, result interface{}) Response {
	return Response{RequestID: requestID, Action: action, OK: true, Result: result}
}

// WithStatus overrides the HTTP status HTTPStatus reports for r.
func WithStatus(r Response, status int) Response {
	r.statusOverride = status
	return r
}

// Fail builds a failed response from a GatewayError, defaulting unexpected
// error types to internal_error (spec.md section 7).
func Fail(requestID, action string, err error) Response {
	ge, ok := err.(*apperrors.GatewayError)
	if !ok {
		ge = apperrors.Internal(err)
	}
	return Response{
		RequestID: requestID,
		Action:    action,
		OK:        false,
		Error:     &ErrorBody{Code: ge.Code, Message: ge.Message, Details: ge.Details},
	}
}

// HTTPStatus returns the canonical HTTP status for a Response.
func HTTPStatus(r Response) int {
	if r.statusOverride != 0 {
		return r.statusOverride
	}
	if r.OK {
		return 200
	}
	if r.Error == nil {
		return 500
	}
	return apperrors.HTTPStatus(r.Error.Code)
}
