// Package audit persists one record per tool execution to a BoltDB file,
// independent of the Response wire format returned to the controller. This
// is the side channel SPEC_FULL.md adds to Request pipeline step 9: it is
// written only after the response has been fully computed, so a crash
// mid-execution never leaves a misleading success record.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketLedger = "ledger"
	bucketMeta   = "meta"

	// SchemaVersion is the current ledger schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays bounds how long entries are kept before pruning.
	DefaultRetentionDays = 30
)

// Record is one execution outcome.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	ToolName     string    `json:"tool_name"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Leaked       bool      `json:"leaked"`
	FuelConsumed uint64    `json:"fuel_consumed"`
	DurationMs   int64     `json:"duration_ms"`
}

// Ledger wraps a BoltDB file with typed accessors for audit records.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the ledger file at path, initializing its
// buckets and schema version.
func Open(path string, retentionDays int) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit.Open(%q): %w", path, err)
	}

	l := &Ledger{db: db, retentionDays: retentionDays}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit.Open: initialize: %w", err)
	}

	return l, nil
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// ledgerKey builds a lexicographically sortable key: an RFC 3339 UTC
// timestamp with fixed-width nanoseconds plus the request id, so chronological order and collision-freedom are
// both satisfied without a separate sequence counter.
func ledgerKey(t time.Time, requestID string) []byte {
	// Fixed-width nanoseconds: RFC3339Nano trims trailing zeros, which
	// would break byte-order comparison between keys in the same second.
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "_" + requestID)
}

// Append writes one Record.
func (l *Ledger) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit.Append: marshal: %w", err)
	}
	key := ledgerKey(rec.Timestamp, rec.RequestID)

	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).Put(key, data)
	})
}

// PruneOld deletes ledger entries older than the configured retention
// window. Returns the number of entries deleted.
func (l *Ledger) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
