package sqlite3

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/doug-martin/goqu/v9"
	"github.com/mhismail3/tron/internal/service"
)

// ─── Blob Store ───

type blobRow struct {
	ID             string `db:"id"`
	Hash           string `db:"hash"`
	MimeType       string `db:"mime_type"`
	SizeOriginal   int64  `db:"size_original"`
	SizeCompressed int64  `db:"size_compressed"`
	RefCount       int64  `db:"ref_count"`
	CreatedAt      string `db:"created_at"`
}

func (r blobRow) record() *service.Blob {
	return &service.Blob{
		ID:             r.ID,
		Hash:           r.Hash,
		MimeType:       r.MimeType,
		SizeOriginal:   r.SizeOriginal,
		SizeCompressed: r.SizeCompressed,
		RefCount:       r.RefCount,
		CreatedAt:      r.CreatedAt,
	}
}

var blobColumns = []any{"id", "hash", "mime_type", "size_original", "size_compressed", "ref_count", "created_at"}

// StoreBlob deduplicates by content hash: an existing blob gets its
// refcount bumped and is returned as-is.
func (s *SQLite) StoreBlob(ctx context.Context, content []byte, mimeType string) (*service.Blob, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.GetBlobByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.IncrementBlobRef(ctx, existing.ID); err != nil {
			return nil, err
		}
		existing.RefCount++

		return existing, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return nil, fmt.Errorf("compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress blob: %w", err)
	}

	id := service.NewID(service.PrefixBlob)
	now := nowRFC3339()

	query, args, err := s.goqu.Insert(s.tableBlobs).Rows(
		goqu.Record{
			"id":              id,
			"hash":            hash,
			"mime_type":       mimeType,
			"content":         buf.Bytes(),
			"size_original":   len(content),
			"size_compressed": buf.Len(),
			"ref_count":       1,
			"created_at":      now,
		},
	).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert blob query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("store blob %s: %w", hash, err)
	}

	return &service.Blob{
		ID:             id,
		Hash:           hash,
		MimeType:       mimeType,
		SizeOriginal:   int64(len(content)),
		SizeCompressed: int64(buf.Len()),
		RefCount:       1,
		CreatedAt:      now,
	}, nil
}

func (s *SQLite) GetBlob(ctx context.Context, id string) (*service.Blob, error) {
	query, _, err := s.goqu.From(s.tableBlobs).
		Select(blobColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get blob query: %w", err)
	}

	var row blobRow
	err = s.db.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.Hash, &row.MimeType, &row.SizeOriginal, &row.SizeCompressed, &row.RefCount, &row.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s", service.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %w", id, err)
	}

	return row.record(), nil
}

func (s *SQLite) GetBlobByHash(ctx context.Context, hash string) (*service.Blob, error) {
	query, _, err := s.goqu.From(s.tableBlobs).
		Select(blobColumns...).
		Where(goqu.I("hash").Eq(hash)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get blob by hash query: %w", err)
	}

	var row blobRow
	err = s.db.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.Hash, &row.MimeType, &row.SizeOriginal, &row.SizeCompressed, &row.RefCount, &row.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blob by hash %q: %w", hash, err)
	}

	return row.record(), nil
}

func (s *SQLite) GetBlobContent(ctx context.Context, id string) ([]byte, error) {
	query, _, err := s.goqu.From(s.tableBlobs).
		Select("content").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get blob content query: %w", err)
	}

	var compressed []byte
	err = s.db.QueryRowContext(ctx, query).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s", service.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob content %q: %w", id, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress blob %q: %w", id, err)
	}
	defer zr.Close()

	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %q: %w", id, err)
	}

	return content, nil
}

func (s *SQLite) IncrementBlobRef(ctx context.Context, id string) error {
	query := fmt.Sprintf("UPDATE %s SET ref_count = ref_count + 1 WHERE id = ?", s.prefix+"blobs")
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("increment blob ref %q: %w", id, err)
	}

	return nil
}

// DecrementBlobRef clamps at zero so repeated release of the same
// reference cannot push the count negative.
func (s *SQLite) DecrementBlobRef(ctx context.Context, id string) error {
	query := fmt.Sprintf("UPDATE %s SET ref_count = MAX(ref_count - 1, 0) WHERE id = ?", s.prefix+"blobs")
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("decrement blob ref %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) DeleteUnreferencedBlobs(ctx context.Context) (int64, error) {
	query, _, err := s.goqu.Delete(s.tableBlobs).
		Where(goqu.I("ref_count").Lte(0)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete blobs query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete unreferenced blobs: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return deleted, nil
}
