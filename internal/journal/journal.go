// Package journal records what happened to every utterance in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lexiqai/tts-relay/internal/playback"
)

const defaultBufferSize = 1024

// Config locates the database. An empty Path keeps the journal ephemeral:
// every operation is a no-op.
type Config struct {
	Path          string
	RetentionDays int
	BufferSize    int
}

// Entry is one recorded utterance outcome.
type Entry struct {
	ID           int64     `json:"id"`
	TenantID     string    `json:"tenant_id"`
	UtteranceID  string    `json:"utterance_id"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text"`
	VoiceStyleID int       `json:"voice_style_id"`
	Attempts     int       `json:"attempts"`
	LatencyMs    int64     `json:"latency_ms"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Journal is a playback.Reporter that persists terminal utterance outcomes.
// Writes happen on a background goroutine; Report never blocks.
type Journal struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	closed  bool
	events  chan playback.Event
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// Open creates the schema if needed, prunes expired rows and starts the
// writer.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Journal, error) {
	j := &Journal{cfg: cfg, logger: logger, clock: time.Now}
	if cfg.Path == "" {
		return j, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	j.db = db

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	if _, err := j.Prune(ctx); err != nil {
		logger.Warn().Err(err).Msg("Journal prune on start failed")
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	j.events = make(chan playback.Event, size)
	j.wg.Add(1)
	go j.writer()

	logger.Info().Str("path", cfg.Path).Msg("Playback journal opened")
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS utterance_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    utterance_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    text TEXT,
    voice_style_id INTEGER,
    attempts INTEGER,
    latency_ms INTEGER,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_utterance_events_tenant ON utterance_events(tenant_id, id);
CREATE INDEX IF NOT EXISTS idx_utterance_events_created ON utterance_events(created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Ephemeral reports whether the journal discards everything.
func (j *Journal) Ephemeral() bool {
	return j.db == nil
}

// Report queues a terminal event for writing. Non-terminal events are
// ignored, and events are dropped if the writer falls behind.
func (j *Journal) Report(ev playback.Event) {
	if j.db == nil || !terminal(ev.Kind) {
		return
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.events <- ev:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logger.Warn().Int64("dropped", n).Msg("Journal writer behind, dropping events")
		}
	}
}

func terminal(kind playback.EventKind) bool {
	switch kind {
	case playback.EventPlayed, playback.EventSkipped, playback.EventDropped,
		playback.EventStreamError, playback.EventDiscarded:
		return true
	}
	return false
}

func (j *Journal) writer() {
	defer j.wg.Done()
	for ev := range j.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.Append(ctx, ev); err != nil {
			j.logger.Error().Err(err).Str("tenant_id", ev.TenantID).Msg("Failed to journal event")
		}
		cancel()
	}
}

// Append writes one event synchronously.
func (j *Journal) Append(ctx context.Context, ev playback.Event) error {
	if j.db == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = j.clock()
	}
	var errText string
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO utterance_events(tenant_id, utterance_id, kind, text, voice_style_id, attempts, latency_ms, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TenantID, ev.Utterance.ID, string(ev.Kind), ev.Utterance.Text, ev.Utterance.VoiceStyleID,
		ev.Attempts, ev.Latency.Milliseconds(), errText, at.UnixMilli())
	return err
}

// ListTenantEvents returns up to limit of a tenant's most recent entries,
// oldest first.
func (j *Journal) ListTenantEvents(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, tenant_id, utterance_id, kind, text, voice_style_id, attempts, latency_ms, error, created_at
		 FROM (SELECT * FROM utterance_events WHERE tenant_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UtteranceID, &e.Kind, &e.Text, &e.VoiceStyleID,
			&e.Attempts, &e.LatencyMs, &e.Error, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the retention window and reports how many
// went.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	if j.db == nil || j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
	res, err := j.db.ExecContext(ctx, `DELETE FROM utterance_events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunPruner prunes every interval until ctx is done.
func (j *Journal) RunPruner(ctx context.Context, interval time.Duration) {
	if j.db == nil || j.cfg.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx)
			if err != nil {
				j.logger.Warn().Err(err).Msg("Journal prune failed")
			} else if n > 0 {
				j.logger.Info().Int64("deleted", n).Msg("Pruned journal")
			}
		}
	}
}

// HealthCheck pings the database.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	return j.db.PingContext(ctx)
}

// Close flushes queued events and closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return errors.New("journal already closed")
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	j.wg.Wait()
	return j.db.Close()
}
