// Package audit records session and integration lifecycle events in an
// append-only SQLite log. Records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSessionStarted     EventType = "session_started"
	EventSessionStopped     EventType = "session_stopped"
	EventSessionRotated     EventType = "session_rotated"
	EventSessionDeleted     EventType = "session_deleted"
	EventIntegrationSignIn  EventType = "integration_signin"
	EventIntegrationSignOut EventType = "integration_signout"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    session_id      TEXT DEFAULT '',
    event_type      TEXT NOT NULL,
    detail          TEXT DEFAULT '{}',
    record_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
`

// OpenDB opens or creates the audit database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	return db, nil
}

// Logger writes tamper-evident audit records to the audit database.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// NewLogger creates an audit logger, recovering the hash chain tail from
// any existing records.
func NewLogger(db *sql.DB) (*Logger, error) {
	al := &Logger{db: db}

	var lastHash sql.NullString
	err := db.QueryRow("SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1").Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log appends an audit event. Detail is stored as JSON; credential
// material must never be passed here.
func (al *Logger) Log(eventType EventType, sessionID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := al.computeHash(now, eventType, sessionID, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, session_id, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		sessionID,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

func (al *Logger) computeHash(ts time.Time, eventType EventType, sessionID, detail string) string {
	data := al.lastHash + ts.Format(time.RFC3339Nano) + string(eventType) + sessionID + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify walks the audit chain and reports whether every record hash
// links to its predecessor.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query("SELECT timestamp, event_type, session_id, detail, record_hash FROM audit_log ORDER BY id ASC")
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, sessionID, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &sessionID, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + eventType + sessionID + detail
		h := sha256.Sum256([]byte(data))
		expected := hex.EncodeToString(h[:])

		if expected != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, rows.Err()
}
