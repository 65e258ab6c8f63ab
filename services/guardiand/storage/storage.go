package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Storage wraps the guardiand persistence layer: the append-only event
// ledger, the indexer cursor, push bookkeeping and the KV namespace backing
// the spend authorizer.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("guardiand storage path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Event kinds persisted in the ledger.
const (
	KindProtocol      = "protocol"
	KindTransfer      = "transfer"
	KindAuthorization = "authorization"
)

// EventRecord is the ledger representation of one substrate event. Amounts
// are stored as decimal strings inside the JSON payload.
type EventRecord struct {
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	BlockHash   string
	Timestamp   uint64
	Kind        string
	SubAccount  string
	Payload     json.RawMessage
}

// UpsertEvent stores the event if absent. Re-ingesting the same
// (tx_hash, log_index) pair is a no-op; the return reports whether a row was
// inserted.
func (s *Storage) UpsertEvent(ctx context.Context, rec EventRecord) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	txHash := strings.ToLower(strings.TrimSpace(rec.TxHash))
	if txHash == "" {
		return false, fmt.Errorf("tx hash required")
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO events(tx_hash, log_index, block_number, block_hash, timestamp, kind, sub_account, payload)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(tx_hash, log_index) DO NOTHING
    `, txHash, rec.LogIndex, rec.BlockNumber, strings.ToLower(rec.BlockHash), rec.Timestamp, rec.Kind, strings.ToLower(rec.SubAccount), string(rec.Payload))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteEventsFrom removes every event at or above the supplied height.
// Reorg rewinds use this before re-ingesting from the canonical chain.
func (s *Storage) DeleteEventsFrom(ctx context.Context, height uint64) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM events WHERE block_number >= ?
    `, height); err != nil {
		return fmt.Errorf("delete rewound events: %w", err)
	}
	return nil
}

// EventsForSub returns the sub-account's events at or after fromTimestamp,
// ordered by (timestamp, block_number, log_index).
func (s *Storage) EventsForSub(ctx context.Context, subAccount string, fromTimestamp uint64) ([]EventRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT tx_hash, log_index, block_number, block_hash, timestamp, kind, sub_account, payload
        FROM events
        WHERE sub_account = ? AND kind IN (?, ?) AND timestamp >= ?
        ORDER BY timestamp ASC, block_number ASC, log_index ASC
    `, strings.ToLower(strings.TrimSpace(subAccount)), KindProtocol, KindTransfer, fromTimestamp)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SubAccounts enumerates the distinct sub-accounts with protocol or transfer
// activity.
func (s *Storage) SubAccounts(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT sub_account FROM events WHERE kind IN (?, ?) ORDER BY sub_account ASC
    `, KindProtocol, KindTransfer)
	if err != nil {
		return nil, fmt.Errorf("query sub accounts: %w", err)
	}
	defer rows.Close()
	var subs []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, fmt.Errorf("scan sub account: %w", err)
		}
		if sub != "" {
			subs = append(subs, sub)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sub accounts: %w", err)
	}
	return subs, nil
}

// RecentAuthorizations returns the newest authorization events, newest
// first, capped at limit.
func (s *Storage) RecentAuthorizations(ctx context.Context, limit int) ([]EventRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT tx_hash, log_index, block_number, block_hash, timestamp, kind, sub_account, payload
        FROM events
        WHERE kind = ?
        ORDER BY timestamp DESC, block_number DESC, log_index DESC
        LIMIT ?
    `, KindAuthorization, limit)
	if err != nil {
		return nil, fmt.Errorf("query authorizations: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload string
		if err := rows.Scan(&rec.TxHash, &rec.LogIndex, &rec.BlockNumber, &rec.BlockHash, &rec.Timestamp, &rec.Kind, &rec.SubAccount, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// LastProcessedBlock returns the indexer cursor when present.
func (s *Storage) LastProcessedBlock(ctx context.Context) (uint64, bool, error) {
	if s == nil {
		return 0, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT height FROM cursor WHERE id = 1`)
	var height uint64
	if err := row.Scan(&height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query cursor: %w", err)
	}
	return height, true, nil
}

// SetLastProcessedBlock advances (or rewinds) the indexer cursor.
func (s *Storage) SetLastProcessedBlock(ctx context.Context, height uint64) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO cursor(id, height, updated_at)
        VALUES(1, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            height=excluded.height,
            updated_at=CURRENT_TIMESTAMP
    `, height)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// PushTimestamp returns the last confirmed push for (module, sub_account).
func (s *Storage) PushTimestamp(ctx context.Context, module, subAccount string) (time.Time, bool, error) {
	if s == nil {
		return time.Time{}, false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT confirmed_at FROM push_state WHERE module = ? AND sub_account = ?
    `, strings.ToLower(module), strings.ToLower(subAccount))
	var confirmed int64
	if err := row.Scan(&confirmed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query push state: %w", err)
	}
	return time.Unix(confirmed, 0).UTC(), true, nil
}

// SetPushTimestamp records a confirmed push. Callers must only invoke this
// after confirmation, never on submission.
func (s *Storage) SetPushTimestamp(ctx context.Context, module, subAccount string, confirmedAt time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO push_state(module, sub_account, confirmed_at)
        VALUES(?, ?, ?)
        ON CONFLICT(module, sub_account) DO UPDATE SET
            confirmed_at=excluded.confirmed_at
    `, strings.ToLower(module), strings.ToLower(subAccount), confirmedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("save push state: %w", err)
	}
	return nil
}

// KVGet implements the spend engine storage contract; the value is decoded
// from its JSON representation into out.
func (s *Storage) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, string(key))
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query kv: %w", err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("decode kv %q: %w", string(key), err)
	}
	return true, nil
}

// KVPut implements the spend engine storage contract.
func (s *Storage) KVPut(key []byte, value interface{}) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode kv %q: %w", string(key), err)
	}
	if _, err := s.db.Exec(`
        INSERT INTO kv(key, value)
        VALUES(?, ?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value
    `, string(key), string(encoded)); err != nil {
		return fmt.Errorf("save kv: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    tx_hash TEXT NOT NULL,
    log_index INTEGER NOT NULL,
    block_number INTEGER NOT NULL,
    block_hash TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    kind TEXT NOT NULL,
    sub_account TEXT NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_events_sub_ts ON events(sub_account, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_block ON events(block_number);

CREATE TABLE IF NOT EXISTS cursor (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    height INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS push_state (
    module TEXT NOT NULL,
    sub_account TEXT NOT NULL,
    confirmed_at INTEGER NOT NULL,
    PRIMARY KEY (module, sub_account)
);

CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
