package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/compress"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// RawFile is the compressed snapshot of the bytes last ingested from a path.
type RawFile struct {
	Path           string
	ConversationID string
	ContentHash    types.Digest
	Size           int64
	Codec          compress.Codec
	Data           []byte
	UpdatedAt      time.Time
}

// Content returns the decompressed snapshot.
func (r *RawFile) Content() ([]byte, error) {
	return compress.Decompress(r.Data, r.Codec, int(r.Size))
}

// PutRawFile stores data for path compressed with codec, replacing any
// previous snapshot.
func (t *Tx) PutRawFile(ctx context.Context, path, conversationID string, hash types.Digest, data []byte, codec compress.Codec) error {
	out, used, err := compress.Compress(data, codec)
	if err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO raw_files (path, conversation_id, content_hash, size, codec, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   content_hash = excluded.content_hash,
		   size = excluded.size,
		   codec = excluded.codec,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		path, conversationID, string(hash), len(data), int(used), out, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put raw file %s: %w", path, err)
	}
	return nil
}

// RenameRawFile moves the snapshot for oldPath to newPath and points the
// owning conversation at newPath. It reports whether a snapshot existed.
func (t *Tx) RenameRawFile(ctx context.Context, oldPath, newPath string) (bool, error) {
	var convID string
	err := t.tx.QueryRowContext(ctx, `SELECT conversation_id FROM raw_files WHERE path = ?`, oldPath).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM raw_files WHERE path = ?`, newPath); err != nil {
		return false, err
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE raw_files SET path = ?, updated_at = ? WHERE path = ?`,
		newPath, formatTime(time.Now()), oldPath); err != nil {
		return false, fmt.Errorf("rename raw file: %w", err)
	}
	if convID != "" {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE conversations SET source_path = ? WHERE id = ?`, newPath, convID); err != nil {
			return false, fmt.Errorf("rename conversation source: %w", err)
		}
	}
	return true, nil
}

// RawFile returns the snapshot stored for path.
func (c *Catalog) RawFile(ctx context.Context, path string) (*RawFile, error) {
	var (
		r       RawFile
		hash    string
		codec   int
		updated string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT path, conversation_id, content_hash, size, codec, data, updated_at FROM raw_files WHERE path = ?`, path,
	).Scan(&r.Path, &r.ConversationID, &hash, &r.Size, &codec, &r.Data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("raw file %s: %w", path, err)
	}
	r.ContentHash = types.Digest(hash)
	r.Codec = compress.Codec(codec)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// RenameRawFile is the transactional rename run on its own.
func (c *Catalog) RenameRawFile(ctx context.Context, oldPath, newPath string) (bool, error) {
	var moved bool
	err := c.WithTx(ctx, func(tx *Tx) error {
		var err error
		moved, err = tx.RenameRawFile(ctx, oldPath, newPath)
		return err
	})
	return moved, err
}
