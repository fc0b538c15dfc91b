// Package store implements the Inventory Store (spec.md section 4.2): a
// transactional local key/row store with secondary indexes. Grounded on the
// studio backend's internal/store/interfaces.go Querier/Transactor split,
// swapped onto github.com/mattn/go-sqlite3 instead of Postgres (see
// DESIGN.md).
package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/lanhue/gateway/internal/model"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, letting callers pass
// nil to mean "use the store's own connection" the way the teacher's store
// methods do.
type Querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Transactor starts transactions against the underlying connection.
type Transactor interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// InventoryStore is the full contract named in spec.md section 4.2.
type InventoryStore interface {
	Transactor

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	GetSettingInt(ctx context.Context, key string, fallback int64) (int64, error)

	UpsertResource(ctx context.Context, exec Querier, r *model.Resource) error
	DeleteResource(ctx context.Context, exec Querier, rid string) error
	GetResource(ctx context.Context, rid string) (*model.Resource, bool, error)
	ListResources(ctx context.Context, rtype string) ([]*model.Resource, error)

	ListNameCandidates(ctx context.Context, rtype string) ([]model.NameCandidate, error)
	InsertNameIndex(ctx context.Context, exec Querier, rtype, nameNorm, rid string) error
	DeleteNameIndexForRid(ctx context.Context, exec Querier, rid string) error
	RebuildNameIndex(ctx context.Context) error

	MarkInProgress(ctx context.Context, credFP, key, action, reqHash string, ttlSeconds int64) (*model.IdempotencyRecord, bool, error)
	MarkCompleted(ctx context.Context, credFP, key, action, reqHash string, statusCode int, body string, ttlSeconds int64) error
	GetIdempotencyRecord(ctx context.Context, credFP, key string) (*model.IdempotencyRecord, bool, error)
	CleanupExpiredIdempotency(ctx context.Context, maxRows int) (int64, error)
}
