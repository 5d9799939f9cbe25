package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/retry"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// seedV1 writes JSON values without a schema key, the layout of version 1.
func seedV1(t *testing.T, dir string, n int) {
	t.Helper()
	kv, err := openBadger(dir)
	if err != nil {
		t.Fatalf("openBadger failed: %v", err)
	}
	defer kv.close()

	err = kv.update(func(w writer) error {
		for i := 0; i < n; i++ {
			path := fmt.Sprintf("/logs/%03d.jsonl", i)
			data, _ := json.Marshal(types.FileState{Path: path, LastOffset: uint64(i), FileSize: uint64(i + 1)})
			if err := w.set(fileKey(path), data); err != nil {
				return err
			}
		}
		data, _ := json.Marshal(retry.Entry{Path: "/logs/000.jsonl", Attempts: 1, LastError: "busy"})
		if err := w.set(retryKey("/logs/000.jsonl"), data); err != nil {
			return err
		}
		return w.set(fileKey("/logs/garbage.jsonl"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("seeding v1 store failed: %v", err)
	}
}

func TestMigrateFromV1ToV2(t *testing.T) {
	dir := t.TempDir()
	seedV1(t, dir, 5)

	s, err := Open(BackendBadger, dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if s.Version() != 1 {
		t.Fatalf("Expected detected version 1, got %d", s.Version())
	}
	if !s.NeedsMigration() {
		t.Fatal("v1 store should need migration")
	}

	// Version 1 values are readable before migrating.
	got, err := s.Get("/logs/003.jsonl")
	if err != nil {
		t.Fatalf("Get before migration failed: %v", err)
	}
	if got.LastOffset != 3 {
		t.Errorf("Expected offset 3, got %d", got.LastOffset)
	}

	var last MigrationProgress
	count, err := s.Migrate(context.Background(), func(p MigrationProgress) { last = p })
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 migration, got %d", count)
	}
	if last.EntriesDone != last.EntriesTotal || last.EntriesTotal != 7 {
		t.Errorf("Unexpected final progress %+v", last)
	}

	schema := s.GetSchema()
	if schema == nil || schema.Version != CurrentSchemaVersion {
		t.Fatalf("Expected schema version %d, got %+v", CurrentSchemaVersion, schema)
	}

	// Values are now CBOR.
	err = s.kv.view(func(r reader) error {
		val, err := r.get(fileKey("/logs/003.jsonl"))
		if err != nil {
			return err
		}
		if json.Valid(val) {
			return errors.New("value still JSON after migration")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err = s.Get("/logs/003.jsonl")
	if err != nil {
		t.Fatalf("Get after migration failed: %v", err)
	}
	if got.LastOffset != 3 || got.FileSize != 4 {
		t.Errorf("Unexpected migrated state %+v", got)
	}
	if _, err := s.Get("/logs/garbage.jsonl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unreadable value should be dropped, got %v", err)
	}
	retries, err := s.LoadRetries()
	if err != nil || len(retries) != 1 || retries[0].LastError != "busy" {
		t.Errorf("Unexpected retries after migration: %+v, %v", retries, err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s, err := Open(BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	count, err := s.Migrate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 migrations (already up to date), got %d", count)
	}
}

func TestMigrateCancellation(t *testing.T) {
	dir := t.TempDir()
	seedV1(t, dir, 20)

	s, err := Open(BackendBadger, dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Migrate(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled error, got %v", err)
	}
	if s.Version() != 1 {
		t.Errorf("Cancelled migration should leave version 1, got %d", s.Version())
	}
}

func TestSchemaGetSet(t *testing.T) {
	s, err := Open(BackendBolt, t.TempDir()+"/state.bolt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	// A fresh store is stamped with the current schema.
	schema := s.GetSchema()
	if schema == nil || schema.Version != CurrentSchemaVersion {
		t.Fatalf("Expected fresh schema %d, got %+v", CurrentSchemaVersion, schema)
	}
	if s.NeedsMigration() {
		t.Error("Fresh store should not need migration")
	}

	if err := s.SetSchema(&Schema{Version: 1, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("SetSchema failed: %v", err)
	}
	if s.Version() != 1 || !s.NeedsMigration() {
		t.Errorf("Expected version 1 needing migration, got %d", s.Version())
	}
}
