package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"casvault/internal/models"
)

const blobColumns = "hash, size, ref_count, content_type, created_at, updated_at"

// BlobExists checks whether an index row exists for hash.
func (s *Store) BlobExists(ctx context.Context, hash string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM blobs WHERE hash = ? LIMIT 1", hash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetBlob returns the row for hash, or nil when absent.
func (s *Store) GetBlob(ctx context.Context, hash string) (*models.Blob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE hash = ?`, hash)
	return scanBlob(row)
}

// IncrementRef adds one reference to an existing row in its own transaction.
func (s *Store) IncrementRef(ctx context.Context, hash string) (_ int64, err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	count, err := tx.Increment(ctx, hash)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// AggregateStats returns blob count, distinct bytes stored and total
// referenced bytes in one query.
func (s *Store) AggregateStats(ctx context.Context) (models.Stats, error) {
	var blobs, stored, referenced int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(size * ref_count), 0)
		FROM blobs
	`).Scan(&blobs, &stored, &referenced)
	if err != nil {
		return models.Stats{}, err
	}
	return models.NewStats(blobs, stored, referenced), nil
}

// DeleteUnreferenced atomically removes every row whose ref_count is not
// positive and returns the removed rows.
func (s *Store) DeleteUnreferenced(ctx context.Context) (_ []models.Blob, err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.tx.QueryContext(ctx, `DELETE FROM blobs WHERE ref_count <= 0 RETURNING `+blobColumns)
	if err != nil {
		return nil, err
	}
	blobs, err := collectBlobs(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return blobs, nil
}

// ListBlobsAfter returns up to limit rows ordered by hash, starting after
// the given hash. An empty after starts from the beginning.
func (s *Store) ListBlobsAfter(ctx context.Context, after string, limit int) ([]models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE hash > ? ORDER BY hash ASC`
	args := []any{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectBlobs(rows)
}

// Tx is one index transaction. It holds the database write lock from Begin
// until Commit or Rollback.
type Tx struct {
	tx *sql.Tx
}

// Begin starts an IMMEDIATE transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin index transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// LockForUpdate reads the row for hash under the transaction's lock. It
// returns nil when the row is absent; an absent row cannot be locked and the
// insert race is resolved by UpsertIncrement instead.
func (t *Tx) LockForUpdate(ctx context.Context, hash string) (*models.Blob, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE hash = ?`, hash)
	return scanBlob(row)
}

// UpsertIncrement inserts a row with ref_count=1, or increments the existing
// row if another writer inserted the hash first. It returns the resulting
// ref_count.
func (t *Tx) UpsertIncrement(ctx context.Context, hash string, size int64, contentType string) (int64, error) {
	now := formatTime(time.Now())
	var count int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO blobs (hash, size, ref_count, content_type, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1, updated_at = excluded.updated_at
		RETURNING ref_count
	`, hash, size, nullIfEmpty(strings.TrimSpace(contentType)), now, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("upsert blob %s: %w", hash, err)
	}
	return count, nil
}

// Increment adds one reference to an existing row.
func (t *Tx) Increment(ctx context.Context, hash string) (int64, error) {
	var count int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE blobs SET ref_count = ref_count + 1, updated_at = ?
		WHERE hash = ?
		RETURNING ref_count
	`, formatTime(time.Now()), hash).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SetCountOrDelete moves ref_count from expected to newCount, deleting the
// row when newCount is zero. ErrConflict means the row no longer holds
// expected.
func (t *Tx) SetCountOrDelete(ctx context.Context, hash string, expected, newCount int64) (deleted bool, err error) {
	if newCount < 0 {
		return false, fmt.Errorf("ref_count must be >= 0, got %d", newCount)
	}

	var res sql.Result
	if newCount == 0 {
		res, err = t.tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ? AND ref_count = ?`, hash, expected)
	} else {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE blobs SET ref_count = ?, updated_at = ?
			WHERE hash = ? AND ref_count = ?
		`, newCount, formatTime(time.Now()), hash, expected)
	}
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, fmt.Errorf("%w: %s", ErrConflict, hash)
	}
	return newCount == 0, nil
}

func scanBlob(scanner interface {
	Scan(dest ...any) error
}) (*models.Blob, error) {
	blob := models.Blob{}
	var contentType sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(&blob.Hash, &blob.Size, &blob.RefCount, &contentType, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	blob.ContentType = contentType.String

	if blob.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if blob.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &blob, nil
}

func collectBlobs(rows *sql.Rows) ([]models.Blob, error) {
	defer rows.Close()
	blobs := []models.Blob{}
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		if blob != nil {
			blobs = append(blobs, *blob)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blobs, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t, nil
}
