package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/luminestory/bulwark/pkg/httputil"
)

const (
	archiveBatch   = 32
	archiveTimeout = 10 * time.Second
	// At most this many flushes run at once; further batches are dropped
	// rather than queued, the in-memory trail stays the source of truth.
	archiveConcurrency = 2
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS bulwark_incidents (
	id              TEXT PRIMARY KEY,
	at              TIMESTAMPTZ NOT NULL,
	sender          TEXT NOT NULL,
	session         TEXT,
	channel         TEXT,
	snippet         TEXT,
	score           DOUBLE PRECISION,
	tier            TEXT,
	matched         JSONB,
	persona_action  TEXT,
	reviewed        BOOLEAN,
	review_confirmed BOOLEAN,
	review_failure  TEXT,
	action          TEXT NOT NULL,
	reason          TEXT,
	auto_banned     BOOLEAN
)`

// PostgresArchiver copies incidents into Postgres in best-effort batches.
// Insert failures are logged and never surface to the evaluate path.
type PostgresArchiver struct {
	db  *sql.DB
	log *slog.Logger
	sem *httputil.Semaphore

	mu  sync.Mutex
	buf []Incident
}

// NewPostgresArchiver connects via the pgx database/sql driver and ensures
// the incident table exists.
func NewPostgresArchiver(ctx context.Context, dsn string, log *slog.Logger) (*PostgresArchiver, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	return &PostgresArchiver{
		db:  db,
		log: log,
		sem: httputil.NewSemaphore(archiveConcurrency),
	}, nil
}

// Archive buffers the incident and flushes asynchronously once a batch is
// full. Never blocks the caller.
func (a *PostgresArchiver) Archive(inc Incident) {
	a.mu.Lock()
	a.buf = append(a.buf, inc)
	if len(a.buf) < archiveBatch {
		a.mu.Unlock()
		return
	}
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if !a.sem.TryAcquire() {
		a.log.Warn("incident archive saturated, dropping batch", "size", len(batch))
		return
	}
	go func() {
		defer a.sem.Release()
		a.flush(batch)
	}()
}

// Flush writes any buffered incidents synchronously. Shutdown path.
func (a *PostgresArchiver) Flush() {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()
	if len(batch) > 0 {
		a.flush(batch)
	}
}

// Close flushes and releases the connection pool.
func (a *PostgresArchiver) Close() error {
	a.Flush()
	return a.db.Close()
}

func (a *PostgresArchiver) flush(batch []Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		a.log.Warn("incident archive begin failed", "err", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `INSERT INTO bulwark_incidents
		(id, at, sender, session, channel, snippet, score, tier, matched,
		 persona_action, reviewed, review_confirmed, review_failure, action, reason, auto_banned)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING`
	for _, inc := range batch {
		matched, err := json.Marshal(inc.Matched)
		if err != nil {
			matched = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx, stmt,
			inc.ID, inc.At, inc.Sender, inc.Session, string(inc.Channel), inc.Snippet,
			inc.Score, inc.Tier.String(), matched,
			inc.PersonaAction.String(), inc.Reviewed, inc.ReviewConfirmed, inc.ReviewFailure,
			inc.Action.String(), inc.Reason, inc.AutoBanned,
		); err != nil {
			a.log.Warn("incident archive insert failed", "incident", inc.ID, "err", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		a.log.Warn("incident archive commit failed", "err", err)
	}
}
