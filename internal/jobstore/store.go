package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("request not found")

// Request is the latest known state of a transcription request. Transcript
// text is never stored; Detail holds the artifact directory or a diagnostic.
type Request struct {
	ID        string               `json:"id"`
	Stage     transcript.Stage     `json:"stage"`
	Kind      transcript.ErrorKind `json:"error_kind,omitempty"`
	Detail    string               `json:"detail,omitempty"`
	Elapsed   time.Duration        `json:"elapsed_ns"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Event is one recorded lifecycle transition.
type Event struct {
	ID        int64                `json:"id"`
	RequestID string               `json:"request_id"`
	Stage     transcript.Stage     `json:"stage"`
	Kind      transcript.ErrorKind `json:"error_kind,omitempty"`
	Detail    string               `json:"detail,omitempty"`
	Elapsed   time.Duration        `json:"elapsed_ns"`
	CreatedAt time.Time            `json:"created_at"`
}

// Store is a SQLite-backed request ledger.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode no
// database is opened and every write is a no-op.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "jobstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    error_kind TEXT,
    detail TEXT,
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    error_kind TEXT,
    detail TEXT,
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_request_created ON events(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_updated ON requests(updated_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record upserts the request row to evt's stage and appends evt to the
// request's timeline.
func (s *Store) Record(ctx context.Context, evt transcript.Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.RequestID == "" {
		return errors.New("event has no request id")
	}
	now := s.clock().UTC().UnixMilli()
	elapsed := evt.Elapsed.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests(request_id, stage, error_kind, detail, elapsed_ms, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET stage=excluded.stage, error_kind=excluded.error_kind,
		   detail=excluded.detail, elapsed_ms=excluded.elapsed_ms, updated_at=excluded.updated_at`,
		evt.RequestID, string(evt.Stage), string(evt.Kind), evt.Detail, elapsed, now, now)
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(request_id, stage, error_kind, detail, elapsed_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.RequestID, string(evt.Stage), string(evt.Kind), evt.Detail, elapsed, now)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// Get returns the latest state of a request.
func (s *Store) Get(ctx context.Context, requestID string) (Request, error) {
	if !s.enabled() {
		return Request{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, stage, error_kind, detail, elapsed_ms, created_at, updated_at
		 FROM requests WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return req, err
}

// Recent lists up to limit requests, most recently updated first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Request, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, stage, error_kind, detail, elapsed_ms, created_at, updated_at
		 FROM requests ORDER BY updated_at DESC, request_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListEvents retrieves up to limit events for a request in recording order.
func (s *Store) ListEvents(ctx context.Context, requestID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, stage, error_kind, detail, elapsed_ms, created_at
		 FROM events WHERE request_id = ? ORDER BY id ASC LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e               Event
			stage, kind     string
			detail          sql.NullString
			elapsed, create int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &stage, &kind, &detail, &elapsed, &create); err != nil {
			return nil, err
		}
		e.Stage = transcript.Stage(stage)
		e.Kind = transcript.ErrorKind(kind)
		e.Detail = detail.String
		e.Elapsed = time.Duration(elapsed) * time.Millisecond
		e.CreatedAt = time.UnixMilli(create).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention. It runs on startup and from the
// runtime's maintenance loop.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE request_id NOT IN (SELECT request_id FROM requests)`); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		r                Request
		stage, kind      string
		detail           sql.NullString
		elapsed          int64
		created, updated int64
	)
	if err := row.Scan(&r.ID, &stage, &kind, &detail, &elapsed, &created, &updated); err != nil {
		return Request{}, err
	}
	r.Stage = transcript.Stage(stage)
	r.Kind = transcript.ErrorKind(kind)
	r.Detail = detail.String
	r.Elapsed = time.Duration(elapsed) * time.Millisecond
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}
