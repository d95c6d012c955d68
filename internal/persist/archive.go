package persist

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hivemind-kernel/eventkernel/internal/kernel"
)

// Archive is an optional extension of the ring buffer (C3): entries
// evicted from the in-memory buffer are appended here so long-window
// causation queries survive eviction, without changing the mandated
// message-state.json / contract-stats.json file formats. Grounded on the
// teacher's checkpoint.Store: one gzip-compressed JSON blob per row in a
// database/sql table, keyed by a UUID primary key.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the archive database at path and runs
// its migration.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open archive: %w", err)
	}
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: migrate archive: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS ring_archive (
			row_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			envelope_gz BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ring_archive_correlation
			ON ring_archive(correlation_id);

		CREATE INDEX IF NOT EXISTS idx_ring_archive_recipient
			ON ring_archive(recipient_id);
	`)
	return err
}

// Close closes the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Append writes e to the archive.
func (a *Archive) Append(e *kernel.Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("persist: marshal envelope: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("persist: compress envelope: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("persist: close gzip: %w", err)
	}

	rowID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("persist: generate row id: %w", err)
	}

	_, err = a.db.Exec(`
		INSERT INTO ring_archive (row_id, event_id, correlation_id, recipient_id, type, timestamp, envelope_gz)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rowID.String(), e.EventID, e.CorrelationID, e.RecipientID, e.Type, e.Timestamp, buf.Bytes())
	if err != nil {
		return fmt.Errorf("persist: insert archive row: %w", err)
	}
	return nil
}

// ByCorrelation returns every archived envelope sharing correlationID,
// oldest first, for causation-chain queries that reach back past the
// live ring buffer's eviction horizon.
func (a *Archive) ByCorrelation(correlationID string) ([]*kernel.Envelope, error) {
	rows, err := a.db.Query(`
		SELECT envelope_gz FROM ring_archive
		WHERE correlation_id = ?
		ORDER BY timestamp ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("persist: query archive: %w", err)
	}
	defer rows.Close()

	var out []*kernel.Envelope
	for rows.Next() {
		var gz []byte
		if err := rows.Scan(&gz); err != nil {
			return nil, fmt.Errorf("persist: scan archive row: %w", err)
		}
		env, err := decodeEnvelope(gz)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// OnEvictHook adapts Append to the kernel.OnEvict signature, logging
// (never propagating) write failures — the ring buffer's eviction path
// must never fail the emission it's piggybacking on (spec §4.3).
func (a *Archive) OnEvictHook(logger *slog.Logger) kernel.OnEvict {
	return func(e *kernel.Envelope) {
		if err := a.Append(e); err != nil {
			logger.Warn("ring archive append failed", "eventId", e.EventID, "error", err)
		}
	}
}

func decodeEnvelope(gz []byte) (*kernel.Envelope, error) {
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, fmt.Errorf("persist: gzip reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("persist: decompress: %w", err)
	}

	var env kernel.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("persist: unmarshal envelope: %w", err)
	}
	return &env, nil
}
