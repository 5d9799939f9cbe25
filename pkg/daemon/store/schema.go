package store

import (
	"encoding/json"
	"time"
)

// Schema versions:
// 1 - JSON values, no schema key
// 2 - CBOR values
const CurrentSchemaVersion = 2

const schemaKey = prefixMeta + "__schema__"

// Schema holds database schema information. It is always stored as JSON so
// any version can read it.
type Schema struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSchema returns the current schema version, or nil if not set.
func (s *Store) GetSchema() *Schema {
	var schema *Schema

	_ = s.kv.view(func(r reader) error {
		val, err := r.get([]byte(schemaKey))
		if err != nil {
			return err
		}
		schema = &Schema{}
		return json.Unmarshal(val, schema)
	})

	return schema
}

// SetSchema stores the schema version and switches the value format to it.
func (s *Store) SetSchema(schema *Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}

	if err := s.kv.update(func(w writer) error {
		return w.set([]byte(schemaKey), data)
	}); err != nil {
		return err
	}
	s.version.Store(int32(schema.Version))
	return nil
}

// Version returns the schema version values are read and written with.
func (s *Store) Version() int {
	return int(s.version.Load())
}

// NeedsMigration returns true if the database needs migration.
func (s *Store) NeedsMigration() bool {
	return s.Version() < CurrentSchemaVersion
}

// hasAnyEntries checks if the store has any non-metadata keys.
func (s *Store) hasAnyEntries() bool {
	var found bool
	_ = s.kv.view(func(r reader) error {
		for _, prefix := range []string{prefixFile, prefixRetry} {
			err := r.scan([]byte(prefix), func(_, _ []byte) error {
				found = true
				return errStopScan
			})
			if err != nil || found {
				return err
			}
		}
		return nil
	})
	return found
}
