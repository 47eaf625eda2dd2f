// Package audit persists security-relevant rejections (forbidden prompts,
// invalid tokens, rate-limit denials) for trend analysis. Writes go
// through a buffered channel and a single writer goroutine so admission
// paths never block on disk.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Event kinds.
const (
	KindAuthFailed       = "auth_failed"
	KindOriginRejected   = "origin_rejected"
	KindRateLimited      = "rate_limited"
	KindForbiddenPrompt  = "forbidden_prompt"
	KindInvalidModel     = "invalid_model"
	KindInvalidMessage   = "invalid_message"
	KindInvocationFailed = "invocation_failed"
)

// Event is one recorded security event. Detail carries the internal
// diagnostic (e.g. which characters matched); it never reaches a client.
type Event struct {
	ID        string
	Kind      string
	Identity  string
	Origin    string
	Detail    string
	CreatedAt time.Time
}

// Recorder accepts security events. Implementations must not block.
type Recorder interface {
	Record(e Event)
}

// Nop discards events. Used when auditing is disabled and in tests.
type Nop struct{}

// Record discards the event.
func (Nop) Record(Event) {}

// Store is a sqlite-backed Recorder.
type Store struct {
	db     *sql.DB
	events chan Event
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewStore opens (creating if needed) the audit database and starts the
// writer goroutine.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		events: make(chan Event, 256),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func migrate(db *sql.DB) error {
	const schema = `CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		identity TEXT,
		origin TEXT,
		detail TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_kind ON security_events(kind, created_at);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("audit migration failed: %w", err)
	}
	return nil
}

// Record queues the event for persistence. If the buffer is full the
// event is dropped and counted via a log line; admission must not wait on
// the audit disk.
func (s *Store) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	select {
	case s.events <- e:
	default:
		s.logger.Warn("audit buffer full, dropping event", zap.String("kind", e.Kind))
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for e := range s.events {
		_, err := s.db.Exec(`
			INSERT INTO security_events (id, kind, identity, origin, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.ID, e.Kind, e.Identity, e.Origin, e.Detail, e.CreatedAt)
		if err != nil {
			s.logger.Error("failed to persist audit event", zap.Error(err))
		}
	}
}

// CountByKind returns event counts per kind since the given time.
func (s *Store) CountByKind(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT kind, COUNT(*) FROM security_events
		WHERE created_at >= ?
		GROUP BY kind
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Close flushes queued events and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	<-s.done
	return s.db.Close()
}
