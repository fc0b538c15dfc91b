package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lanhue/gateway/internal/model"
)

// SQLiteStore implements InventoryStore against a single local database
// file, with WAL journal mode and NORMAL synchronous (spec.md section 5),
// grounded on the teacher's internal/store/postgres/persona_store.go
// CRUD conventions but swapped onto github.com/mattn/go-sqlite3 (see
// DESIGN.md for why Postgres cannot serve this component).
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the SQLite file at path, applies pragmas,
// and runs embedded migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer connection; spec 5 "single connection"

	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginTxx satisfies Transactor.
func (s *SQLiteStore) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, opts)
}

func (s *SQLiteStore) exec(exec Querier) Querier {
	if exec != nil {
		return exec
	}
	return s.db
}

// --- settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

func (s *SQLiteStore) GetSettingInt(ctx context.Context, key string, fallback int64) (int64, error) {
	v, ok, err := s.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback, nil
	}
	return n, nil
}

// --- resources ---

func (s *SQLiteStore) UpsertResource(ctx context.Context, exec Querier, r *model.Resource) error {
	q := s.exec(exec)
	_, err := q.ExecContext(ctx, `
		INSERT INTO resources (rid, rtype, name, json, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rid) DO UPDATE SET rtype = excluded.rtype, name = excluded.name,
			json = excluded.json, updated_at = excluded.updated_at
	`, r.Rid, r.Rtype, r.Name, string(r.Data), r.UpdatedAt)
	return err
}

func (s *SQLiteStore) DeleteResource(ctx context.Context, exec Querier, rid string) error {
	q := s.exec(exec)
	_, err := q.ExecContext(ctx, `DELETE FROM resources WHERE rid = ?`, rid)
	return err
}

type resourceRow struct {
	Rid       string `db:"rid"`
	Rtype     string `db:"rtype"`
	Name      sql.NullString `db:"name"`
	JSON      string `db:"json"`
	UpdatedAt int64  `db:"updated_at"`
}

func (row resourceRow) toModel() *model.Resource {
	return &model.Resource{
		Rid:       row.Rid,
		Rtype:     row.Rtype,
		Name:      row.Name.String,
		Data:      json.RawMessage(row.JSON),
		UpdatedAt: row.UpdatedAt,
	}
}

func (s *SQLiteStore) GetResource(ctx context.Context, rid string) (*model.Resource, bool, error) {
	var row resourceRow
	err := s.db.GetContext(ctx, &row, `SELECT rid, rtype, name, json, updated_at FROM resources WHERE rid = ?`, rid)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toModel(), true, nil
}

func (s *SQLiteStore) ListResources(ctx context.Context, rtype string) ([]*model.Resource, error) {
	var rows []resourceRow
	err := s.db.SelectContext(ctx, &rows, `SELECT rid, rtype, name, json, updated_at FROM resources WHERE rtype = ?`, rtype)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Resource, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// --- name index ---

func (s *SQLiteStore) ListNameCandidates(ctx context.Context, rtype string) ([]model.NameCandidate, error) {
	type row struct {
		NameNorm string `db:"name_norm"`
		Rid      string `db:"rid"`
		Display  string `db:"name"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ni.name_norm AS name_norm, ni.rid AS rid, r.name AS name
		FROM name_index ni JOIN resources r ON r.rid = ni.rid
		WHERE ni.rtype = ?
	`, rtype)
	if err != nil {
		return nil, err
	}
	out := make([]model.NameCandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.NameCandidate{NameNorm: r.NameNorm, Rid: r.Rid, Display: r.Display})
	}
	return out, nil
}

func (s *SQLiteStore) InsertNameIndex(ctx context.Context, exec Querier, rtype, nameNorm, rid string) error {
	if nameNorm == "" {
		return nil
	}
	q := s.exec(exec)
	_, err := q.ExecContext(ctx, `
		INSERT INTO name_index (rtype, name_norm, rid) VALUES (?, ?, ?)
		ON CONFLICT(rtype, name_norm, rid) DO NOTHING
	`, rtype, nameNorm, rid)
	return err
}

func (s *SQLiteStore) DeleteNameIndexForRid(ctx context.Context, exec Querier, rid string) error {
	q := s.exec(exec)
	_, err := q.ExecContext(ctx, `DELETE FROM name_index WHERE rid = ?`, rid)
	return err
}

// RebuildNameIndex rebuilds the whole index from resources inside a single
// transaction, so readers never observe a partially-rebuilt index (spec.md
// section 4.2 and section 9's "atomic name-index maintenance" note).
func (s *SQLiteStore) RebuildNameIndex(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM name_index`); err != nil {
		return err
	}

	var rows []resourceRow
	if err := tx.SelectContext(ctx, &rows, `SELECT rid, rtype, name, json, updated_at FROM resources`); err != nil {
		return err
	}
	for _, r := range rows {
		name := r.Name.String
		norm := model.NormalizeName(name)
		if norm == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO name_index (rtype, name_norm, rid) VALUES (?, ?, ?)
			ON CONFLICT(rtype, name_norm, rid) DO NOTHING
		`, r.Rtype, norm, r.Rid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- idempotency ---

type idempotencyRow struct {
	CredentialFingerprint string         `db:"credential_fingerprint"`
	IdempotencyKey        string         `db:"idempotency_key"`
	Action                string         `db:"action"`
	RequestHash           string         `db:"request_hash"`
	Status                string         `db:"status"`
	ResponseStatusCode    sql.NullInt64  `db:"response_status_code"`
	ResponseJSON          sql.NullString `db:"response_json"`
	CreatedAt             int64          `db:"created_at"`
	UpdatedAt             int64          `db:"updated_at"`
	ExpiresAt             int64          `db:"expires_at"`
}

func (row idempotencyRow) toModel() *model.IdempotencyRecord {
	rec := &model.IdempotencyRecord{
		CredentialFingerprint: row.CredentialFingerprint,
		IdempotencyKey:        row.IdempotencyKey,
		Action:                row.Action,
		RequestHash:           row.RequestHash,
		Status:                model.IdempotencyStatus(row.Status),
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
		ExpiresAt:             row.ExpiresAt,
	}
	if row.ResponseStatusCode.Valid {
		code := int(row.ResponseStatusCode.Int64)
		rec.ResponseStatusCode = &code
	}
	if row.ResponseJSON.Valid {
		body := row.ResponseJSON.String
		rec.ResponseBodyJSON = &body
	}
	return rec
}

// MarkInProgress atomically inserts an in_progress row if absent, returning
// (record, inserted) -- spec.md section 4.8's insert-if-absent primitive.
func (s *SQLiteStore) MarkInProgress(ctx context.Context, credFP, key, action, reqHash string, ttlSeconds int64) (*model.IdempotencyRecord, bool, error) {
	now := time.Now().Unix()
	expires := now + ttlSeconds

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (credential_fingerprint, idempotency_key, action, request_hash, status, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_fingerprint, idempotency_key) DO NOTHING
	`, credFP, key, action, reqHash, string(model.IdempotencyInProgress), now, now, expires)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	rec, _, err := s.GetIdempotencyRecord(ctx, credFP, key)
	if err != nil {
		return nil, false, err
	}
	return rec, affected == 1, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, credFP, key, action, reqHash string, statusCode int, body string, ttlSeconds int64) error {
	now := time.Now().Unix()
	expires := now + ttlSeconds
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency
		SET status = ?, response_status_code = ?, response_json = ?, updated_at = ?, expires_at = ?
		WHERE credential_fingerprint = ? AND idempotency_key = ?
	`, string(model.IdempotencyCompleted), statusCode, body, now, expires, credFP, key)
	return err
}

func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, credFP, key string) (*model.IdempotencyRecord, bool, error) {
	var row idempotencyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT credential_fingerprint, idempotency_key, action, request_hash, status,
			response_status_code, response_json, created_at, updated_at, expires_at
		FROM idempotency WHERE credential_fingerprint = ? AND idempotency_key = ?
	`, credFP, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toModel(), true, nil
}

// CleanupExpiredIdempotency deletes rows past expiry, then trims down to
// maxRows by oldest updated_at if still over the cap (spec.md section 4.8).
func (s *SQLiteStore) CleanupExpiredIdempotency(ctx context.Context, maxRows int) (int64, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()

	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM idempotency`); err != nil {
		return deleted, err
	}
	if count > int64(maxRows) {
		excess := count - int64(maxRows)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency WHERE rowid IN (
				SELECT rowid FROM idempotency ORDER BY updated_at ASC LIMIT ?
			)
		`, excess)
		if err != nil {
			return deleted, err
		}
		more, _ := res.RowsAffected()
		deleted += more
	}
	return deleted, nil
}
