package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanhue/gateway/internal/model"
)

// fakeStore is a single-process map standing in for the SQLite-backed store,
// enough to exercise Claim's decision table without a real database.
type fakeStore struct {
	records map[string]*model.IdempotencyRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*model.IdempotencyRecord{}}
}

func (f *fakeStore) key(credFP, idemKey string) string { return credFP + "|" + idemKey }

func (f *fakeStore) MarkInProgress(ctx context.Context, credFP, key, action, reqHash string, ttlSeconds int64) (*model.IdempotencyRecord, bool, error) {
	k := f.key(credFP, key)
	if existing, ok := f.records[k]; ok {
		return existing, false, nil
	}
	rec := &model.IdempotencyRecord{
		CredentialFingerprint: credFP,
		IdempotencyKey:        key,
		Action:                action,
		RequestHash:           reqHash,
		Status:                model.IdempotencyInProgress,
		ExpiresAt:             ttlSeconds,
	}
	f.records[k] = rec
	return rec, true, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, credFP, key, action, reqHash string, statusCode int, body string, ttlSeconds int64) error {
	k := f.key(credFP, key)
	rec, ok := f.records[k]
	if !ok {
		return nil
	}
	rec.Status = model.IdempotencyCompleted
	rec.ResponseStatusCode = &statusCode
	rec.ResponseBodyJSON = &body
	return nil
}

func (f *fakeStore) GetIdempotencyRecord(ctx context.Context, credFP, key string) (*model.IdempotencyRecord, bool, error) {
	rec, ok := f.records[f.key(credFP, key)]
	return rec, ok, nil
}

func (f *fakeStore) CleanupExpiredIdempotency(ctx context.Context, maxRows int) (int64, error) {
	return 0, nil
}

func TestClaim_FirstCallProceeds(t *testing.T) {
	e := New(newFakeStore())
	outcome, rec, err := e.Claim(context.Background(), "fp1", "key1", "light.set", map[string]interface{}{"rid": "abc"}, 0)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
	assert.Equal(t, model.IdempotencyInProgress, rec.Status)
}

func TestClaim_InProgressSameArgsReturnsInProgress(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()
	args := map[string]interface{}{"rid": "abc"}

	_, _, err := e.Claim(ctx, "fp1", "key1", "light.set", args, 0)
	require.NoError(t, err)

	outcome, _, err := e.Claim(ctx, "fp1", "key1", "light.set", args, 0)
	require.NoError(t, err)
	assert.Equal(t, InProgress, outcome)
}

func TestClaim_DifferentArgsSameKeyIsReuseMismatch(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()

	_, _, err := e.Claim(ctx, "fp1", "key1", "light.set", map[string]interface{}{"rid": "abc"}, 0)
	require.NoError(t, err)

	outcome, _, err := e.Claim(ctx, "fp1", "key1", "light.set", map[string]interface{}{"rid": "xyz"}, 0)
	require.NoError(t, err)
	assert.Equal(t, ReuseMismatch, outcome)
}

func TestClaim_ReplaysCompletedResponseOnMatchingArgs(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()
	args := map[string]interface{}{"rid": "abc"}

	_, _, err := e.Claim(ctx, "fp1", "key1", "light.set", args, 0)
	require.NoError(t, err)
	e.Complete(ctx, "fp1", "key1", "light.set", args, 200, map[string]interface{}{"ok": true}, 0)

	outcome, rec, err := e.Claim(ctx, "fp1", "key1", "light.set", args, 0)
	require.NoError(t, err)
	assert.Equal(t, ReplayCompleted, outcome)
	require.NotNil(t, rec.ResponseBodyJSON)
	assert.Contains(t, *rec.ResponseBodyJSON, `"ok":true`)
}

func TestClaim_ScopedByCredentialFingerprint(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()
	args := map[string]interface{}{"rid": "abc"}

	_, _, err := e.Claim(ctx, "fp1", "key1", "light.set", args, 0)
	require.NoError(t, err)

	outcome, _, err := e.Claim(ctx, "fp2", "key1", "light.set", args, 0)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
}

func TestRequestHash_StableUnderKeyOrder(t *testing.T) {
	h1 := RequestHash("light.set", map[string]interface{}{"rid": "abc", "on": true})
	h2 := RequestHash("light.set", map[string]interface{}{"on": true, "rid": "abc"})
	assert.Equal(t, h1, h2)
}

func TestRequestHash_DiffersOnDifferentArgs(t *testing.T) {
	h1 := RequestHash("light.set", map[string]interface{}{"rid": "abc"})
	h2 := RequestHash("light.set", map[string]interface{}{"rid": "xyz"})
	assert.NotEqual(t, h1, h2)
}

func TestFingerprint_DifferentSchemesDifferentFingerprints(t *testing.T) {
	a := Fingerprint("bearer", "secret-token")
	b := Fingerprint("apikey", "secret-token")
	assert.NotEqual(t, a, b)
}
