package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the append-only audit log. All writes go through Append; there
// is no update or delete path.
type Store interface {
	Append(create EventCreate) (*Event, error)
	Get(id uuid.UUID) (*Event, error)
	Query(q Query) ([]*Event, error)
	Stats() (*Stats, error)
	Close() error
}

// Subscriber receives every event as it is appended. Used by the websocket
// stream; implementations must not block.
type Subscriber func(*Event)

// ===== SQLite store =====

// SQLiteStore persists audit events to a local SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	subs     []Subscriber
	onAppend func(time.Duration)
	logger   *log.Logger
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
    id             TEXT PRIMARY KEY,
    event_type     TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    timestamp      TEXT NOT NULL,
    data           TEXT NOT NULL,
    metadata       TEXT,
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_type     ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_correlation_id ON audit_events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_timestamp      ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_created_at     ON audit_events(created_at);
`

// NewSQLiteStore opens (creating if needed) the audit database at path.
// Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}, nil
}

// Append persists a new event and notifies subscribers. The returned event
// carries the assigned id and UTC timestamp.
func (s *SQLiteStore) Append(create EventCreate) (*Event, error) {
	if err := create.Validate(); err != nil {
		return nil, err
	}

	ev := &Event{
		ID:            uuid.New(),
		EventType:     create.EventType,
		CorrelationID: create.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Data:          create.Data,
		Metadata:      create.Metadata,
	}
	if ev.Data == nil {
		ev.Data = map[string]interface{}{}
	}

	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: encode data: %v", ErrPersistenceFailed, err)
	}
	var metaJSON []byte
	if ev.Metadata != nil {
		metaJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: encode metadata: %v", ErrPersistenceFailed, err)
		}
	}

	ts := ev.Timestamp.Format(time.RFC3339Nano)
	started := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO audit_events (id, event_type, correlation_id, timestamp, data, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), string(ev.EventType), ev.CorrelationID, ts,
		string(dataJSON), nullable(metaJSON), ts,
	)
	if err != nil {
		s.logger.Printf("append failed: type=%s correlation=%s err=%v", ev.EventType, ev.CorrelationID, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	s.mu.RLock()
	observe := s.onAppend
	s.mu.RUnlock()
	if observe != nil {
		observe(time.Since(started))
	}

	s.notify(ev)
	return ev, nil
}

// Get returns the event with the given id, or nil if absent.
func (s *SQLiteStore) Get(id uuid.UUID) (*Event, error) {
	row := s.db.QueryRow(
		`SELECT id, event_type, correlation_id, timestamp, data, metadata
		 FROM audit_events WHERE id = ?`, id.String())
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// Query returns events matching q, ordered by timestamp descending.
func (s *SQLiteStore) Query(q Query) ([]*Event, error) {
	q.normalize()

	var (
		where []string
		args  []interface{}
	)
	if len(q.EventTypes) > 0 {
		placeholders := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if q.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	}
	if !q.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if !q.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.EndTime.UTC().Format(time.RFC3339Nano))
	}

	sqlStr := "SELECT id, event_type, correlation_id, timestamp, data, metadata FROM audit_events"
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	sqlStr += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Stats returns aggregate counts over the whole store.
func (s *SQLiteStore) Stats() (*Stats, error) {
	st := &Stats{EventTypeCounts: map[string]int64{}}

	rows, err := s.db.Query(`SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("audit: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		st.EventTypeCounts[t] = n
		st.TotalEvents += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var earliest, latest sql.NullString
	err = s.db.QueryRow(`SELECT MIN(timestamp), MAX(timestamp) FROM audit_events`).Scan(&earliest, &latest)
	if err != nil {
		return nil, fmt.Errorf("audit: stats range: %w", err)
	}
	if earliest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, earliest.String); err == nil {
			st.EarliestEvent = &t
		}
	}
	if latest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, latest.String); err == nil {
			st.LatestEvent = &t
		}
	}

	err = s.db.QueryRow(`SELECT COUNT(DISTINCT correlation_id) FROM audit_events`).Scan(&st.CorrelationIDCount)
	if err != nil {
		return nil, fmt.Errorf("audit: stats correlations: %w", err)
	}
	return st, nil
}

// Subscribe registers a callback invoked for every appended event.
func (s *SQLiteStore) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// ObserveAppends registers a latency observer for audit writes.
func (s *SQLiteStore) ObserveAppends(fn func(time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = fn
}

func (s *SQLiteStore) notify(ev *Event) {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		idStr, typeStr, corr, tsStr, dataStr string
		metaStr                              sql.NullString
	)
	if err := r.Scan(&idStr, &typeStr, &corr, &tsStr, &dataStr, &metaStr); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("audit: corrupt event id %q: %w", idStr, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return nil, fmt.Errorf("audit: corrupt timestamp %q: %w", tsStr, err)
	}

	ev := &Event{
		ID:            id,
		EventType:     EventType(typeStr),
		CorrelationID: corr,
		Timestamp:     ts,
	}
	if err := json.Unmarshal([]byte(dataStr), &ev.Data); err != nil {
		return nil, fmt.Errorf("audit: corrupt event data: %w", err)
	}
	if metaStr.Valid && metaStr.String != "" {
		if err := json.Unmarshal([]byte(metaStr.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("audit: corrupt event metadata: %w", err)
		}
	}
	return ev, nil
}

func nullable(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
