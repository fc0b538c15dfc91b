// Package idempotency implements the Idempotency Engine (spec.md section
// 4.8): insert-or-claim, mismatch detection, stored-response replay, and a
// TTL sweeper. Generalized from the studio backend's in-memory
// internal/services/idempotency_cache.go (Get/Set/TTL-cleanup-loop shape)
// to a store-backed version, since spec.md section 3 requires idempotency
// rows to persist across process restarts.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/lanhue/gateway/internal/apperrors"
	"github.com/lanhue/gateway/internal/logging"
	"github.com/lanhue/gateway/internal/model"
)

// Store is the narrow persistence dependency.
type Store interface {
	MarkInProgress(ctx context.Context, credFP, key, action, reqHash string, ttlSeconds int64) (*model.IdempotencyRecord, bool, error)
	MarkCompleted(ctx context.Context, credFP, key, action, reqHash string, statusCode int, body string, ttlSeconds int64) error
	GetIdempotencyRecord(ctx context.Context, credFP, key string) (*model.IdempotencyRecord, bool, error)
	CleanupExpiredIdempotency(ctx context.Context, maxRows int) (int64, error)
}

// DefaultTTLSeconds is applied when a caller does not specify one.
const DefaultTTLSeconds = 300

// Engine wraps the store with the claim/replay decision logic from
// spec.md section 4.8's dispatcher-interaction table.
type Engine struct {
	store Store
	log   *logging.Logger
}

// New builds an Engine.
func New(store Store) *Engine {
	return &Engine{store: store, log: logging.New("idempotency")}
}

// Fingerprint computes credential_fingerprint = digest(scheme + ":" + credential).
func Fingerprint(scheme, credential string) string {
	sum := sha256.Sum256([]byte(scheme + ":" + credential))
	return hex.EncodeToString(sum[:])
}

// RequestHash computes the digest of a canonical JSON encoding of
// {action, args} with sorted keys and compact separators (spec.md 4.8).
func RequestHash(action string, args map[string]interface{}) string {
	canon := canonicalJSON(map[string]interface{}{"action": action, "args": args})
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v interface{}) []byte {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalJSON(t[k])...)
		}
		out = append(out, '}')
		return out
	case []interface{}:
		out := []byte("[")
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalJSON(e)...)
		}
		out = append(out, ']')
		return out
	default:
		b, _ := json.Marshal(v)
		return b
	}
}

// Outcome describes what the dispatcher should do with a claim attempt.
type Outcome int

const (
	// Proceed: this call newly claimed the key; execute the action, then
	// call Complete.
	Proceed Outcome = iota
	// ReplayCompleted: a completed record with a matching fingerprint
	// exists; replay its stored response.
	ReplayCompleted
	// InProgress: another in-flight call holds this key; return a
	// retryable conflict.
	InProgress
	// ReuseMismatch: the key is reused with a different action/args.
	ReuseMismatch
)

// Claim implements the dispatcher-interaction table of spec.md section 4.8.
// When idempotencyKey is empty, the caller should not call Claim at all and
// simply proceed without deduplication (spec: "on arrival with a non-empty
// key").
func (e *Engine) Claim(ctx context.Context, credFP, idempotencyKey, action string, args map[string]interface{}, ttlSeconds int64) (Outcome, *model.IdempotencyRecord, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultTTLSeconds
	}
	reqHash := RequestHash(action, args)

	rec, inserted, err := e.store.MarkInProgress(ctx, credFP, idempotencyKey, action, reqHash, ttlSeconds)
	if err != nil {
		return Proceed, nil, apperrors.Internal(err)
	}
	if inserted {
		return Proceed, rec, nil
	}

	matches := rec.Action == action && rec.RequestHash == reqHash
	switch rec.Status {
	case model.IdempotencyInProgress:
		if matches {
			return InProgress, rec, nil
		}
		return ReuseMismatch, rec, nil
	case model.IdempotencyCompleted:
		if matches {
			return ReplayCompleted, rec, nil
		}
		return ReuseMismatch, rec, nil
	default:
		return ReuseMismatch, rec, nil
	}
}

// Complete persists the final response for a newly-claimed request.
// Failures to persist are non-fatal (logged, not surfaced) per spec.md
// section 4.8.
func (e *Engine) Complete(ctx context.Context, credFP, idempotencyKey, action string, args map[string]interface{}, statusCode int, body interface{}, ttlSeconds int64) {
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultTTLSeconds
	}
	reqHash := RequestHash(action, args)
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		e.log.Error("marshal_idempotent_response", err, nil)
		return
	}
	if err := e.store.MarkCompleted(ctx, credFP, idempotencyKey, action, reqHash, statusCode, string(bodyJSON), ttlSeconds); err != nil {
		e.log.Error("persist_idempotent_response", err, map[string]interface{}{"key": idempotencyKey})
	}
}

// CleanupLoop runs the 60-second housekeeping task from spec.md section 4.8
// until ctx is cancelled.
func (e *Engine) CleanupLoop(ctx context.Context, interval time.Duration, maxRows int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.store.CleanupExpiredIdempotency(ctx, maxRows); err != nil {
				e.log.Error("cleanup_expired_idempotency", err, nil)
			} else if n > 0 {
				e.log.Info("cleanup_expired_idempotency", map[string]interface{}{"deletedRows": n})
			}
		}
	}
}
