// SPDX-License-Identifier: MIT

// Package journal records every operator action sent to the backend in a
// local SQLite database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/persistence/sqlite"
	"github.com/sylvester1001/zat/internal/telemetry"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal: closed")

// Entry is one recorded action.
type Entry struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Entry, error)
}

// Journal is the SQLite-backed Recorder.
type Journal struct {
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// Open opens (and migrates) the journal at path. ":memory:" is accepted
// for tests and throwaway runs.
func Open(path string) (*Journal, error) {
	cfg := sqlite.DefaultConfig()
	if path == ":memory:" {
		cfg.MaxOpenConns = 1
	}
	db, err := sqlite.Open(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db, now: time.Now, logger: xglog.WithComponent("journal")}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		success INTEGER NOT NULL CHECK(success IN (0, 1)),
		message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_created_at ON actions(created_at);
	CREATE INDEX IF NOT EXISTS idx_actions_action ON actions(action);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record stores e, filling ID and CreatedAt when empty.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)

	params, err := json.Marshal(e.Params)
	if err != nil {
		return Entry{}, fmt.Errorf("encode params: %w", err)
	}
	if e.Params == nil {
		params = []byte("{}")
	}

	_, err = j.db.ExecContext(ctx, `
	INSERT INTO actions (id, action, params, success, message, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Action, string(params), e.Success, e.Message, e.Error, e.CreatedAt.UnixMicro())
	if err != nil {
		return Entry{}, fmt.Errorf("insert action: %w", err)
	}
	return e, nil
}

// List returns up to limit entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := j.db.QueryContext(ctx, `
	SELECT id, action, params, success, message, error, created_at
	FROM actions
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			params  string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &params, &e.Success, &e.Message, &e.Error, &created); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if params != "" && params != "{}" {
			if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
				return nil, fmt.Errorf("decode params of %s: %w", e.ID, err)
			}
		}
		e.CreatedAt = time.UnixMicro(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify runs an integrity check and returns any problems found.
func (j *Journal) Verify(full bool) ([]string, error) {
	return sqlite.VerifyIntegrity(j.db, full)
}

// Ping checks the database is usable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Outcome is what an action reports back for the journal.
type Outcome struct {
	Success bool
	Message string
}

// Track runs fn and records its outcome. A nil Recorder only runs fn.
// Recording failures are logged; fn's error is returned unchanged.
func Track(ctx context.Context, r Recorder, action string, params map[string]string, fn func(context.Context) (Outcome, error)) error {
	ctx, span := telemetry.Tracer().Start(ctx, "action."+action,
		trace.WithAttributes(telemetry.ActionAttributes(action, params)...))
	defer span.End()

	out, err := fn(ctx)
	span.SetAttributes(telemetry.OutcomeAttributes(err == nil && out.Success, out.Message)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r == nil {
		return err
	}

	e := Entry{
		Action:  action,
		Params:  params,
		Success: err == nil && out.Success,
		Message: out.Message,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if _, rerr := r.Record(ctx, e); rerr != nil {
		xglog.WithComponentFromContext(ctx, "journal").Warn().
			Err(rerr).
			Str(xglog.FieldEvent, "journal.record_failed").
			Str(xglog.FieldOperation, action).
			Msg("failed to record action")
	}
	return err
}
