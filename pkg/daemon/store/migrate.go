package store

import (
	"context"
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/retry"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// MigrationProgress reports migration progress.
type MigrationProgress struct {
	FromVersion  int
	ToVersion    int
	EntriesTotal int64
	EntriesDone  int64
	CurrentPath  string
}

// MigrationProgressFunc is called with progress updates during migration.
type MigrationProgressFunc func(MigrationProgress)

// progressEvery is how many entries pass between progress callbacks.
const progressEvery = 1000

// Migrate runs any pending migrations to bring the database up to current schema.
// Returns the number of migrations run, or an error.
func (s *Store) Migrate(ctx context.Context, onProgress MigrationProgressFunc) (int, error) {
	fromVersion := s.Version()
	if fromVersion >= CurrentSchemaVersion {
		return 0, nil
	}

	migrationsRun := 0
	for version := fromVersion + 1; version <= CurrentSchemaVersion; version++ {
		select {
		case <-ctx.Done():
			return migrationsRun, ctx.Err()
		default:
		}

		var err error
		switch version {
		case 2:
			err = s.migrateToV2(ctx, onProgress)
		}
		if err != nil {
			return migrationsRun, err
		}

		// Update schema version after each successful migration
		if err := s.SetSchema(&Schema{Version: version, UpdatedAt: time.Now()}); err != nil {
			return migrationsRun, err
		}
		migrationsRun++
	}

	return migrationsRun, nil
}

type rewrite struct {
	key  []byte
	data []byte
	path string
}

// migrateToV2 re-encodes every JSON value as CBOR in a single transaction,
// so a crash leaves the store entirely at version 1.
func (s *Store) migrateToV2(ctx context.Context, onProgress MigrationProgressFunc) error {
	return s.kv.update(func(w writer) error {
		var pending []rewrite

		convert := func(prefix string, fresh func() any, pathOf func(any) string) error {
			return w.scan([]byte(prefix), func(key, val []byte) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				v := fresh()
				if err := decodeJSON(val, v); err != nil {
					// Unreadable v1 values are dropped; the file is re-ingested
					// or the retry forgotten.
					pending = append(pending, rewrite{key: key})
					return nil
				}
				data, err := encodeCBOR(v)
				if err != nil {
					return err
				}
				pending = append(pending, rewrite{key: key, data: data, path: pathOf(v)})
				return nil
			})
		}

		if err := convert(prefixFile,
			func() any { return &types.FileState{} },
			func(v any) string { return v.(*types.FileState).Path },
		); err != nil {
			return err
		}
		if err := convert(prefixRetry,
			func() any { return &retry.Entry{} },
			func(v any) string { return v.(*retry.Entry).Path },
		); err != nil {
			return err
		}

		total := int64(len(pending))
		for i, rw := range pending {
			var err error
			if rw.data == nil {
				err = w.delete(rw.key)
			} else {
				err = w.set(rw.key, rw.data)
			}
			if err != nil {
				return err
			}
			if onProgress != nil && (int64(i+1)%progressEvery == 0 || int64(i+1) == total) {
				onProgress(MigrationProgress{
					FromVersion:  1,
					ToVersion:    2,
					EntriesTotal: total,
					EntriesDone:  int64(i + 1),
					CurrentPath:  rw.path,
				})
			}
		}
		return nil
	})
}
