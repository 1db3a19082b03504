package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/offline_downloader/internal/storage"
)

// ContentIndex implements storage.ContentIndex on SQLite.
type ContentIndex struct {
	db *sql.DB
}

var _ storage.ContentIndex = (*ContentIndex)(nil)

func NewContentIndex(dbConn *sql.DB) *ContentIndex {
	return &ContentIndex{db: dbConn}
}

func (r *ContentIndex) Get(ctx context.Context, key string) (storage.ContentRecord, error) {
	var (
		record     storage.ContentRecord
		lastAccess int64
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT cache_key, file_name, length, last_access FROM contents WHERE cache_key = ?`, key,
	).Scan(&record.Key, &record.FileName, &record.Length, &lastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ContentRecord{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.ContentRecord{}, err
	}

	record.LastAccess = time.Unix(0, lastAccess)

	return record, nil
}

// Put inserts the record or replaces the one stored under the same key.
func (r *ContentIndex) Put(ctx context.Context, record storage.ContentRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contents (cache_key, file_name, length, last_access)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			file_name = excluded.file_name,
			length = excluded.length,
			last_access = excluded.last_access
	`, record.Key, record.FileName, record.Length, record.LastAccess.UnixNano())

	return err
}

func (r *ContentIndex) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contents SET last_access = ? WHERE cache_key = ?`, at.UnixNano(), key)

	return err
}

func (r *ContentIndex) Remove(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM contents WHERE cache_key = ?`, key)

	return err
}

// All returns every record, least recently accessed first.
func (r *ContentIndex) All(ctx context.Context) ([]storage.ContentRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT cache_key, file_name, length, last_access FROM contents ORDER BY last_access ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.ContentRecord

	for rows.Next() {
		var (
			record     storage.ContentRecord
			lastAccess int64
		)

		if err := rows.Scan(&record.Key, &record.FileName, &record.Length, &lastAccess); err != nil {
			return nil, err
		}

		record.LastAccess = time.Unix(0, lastAccess)
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *ContentIndex) Close() error {
	return r.db.Close()
}
