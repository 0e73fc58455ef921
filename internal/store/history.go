// Package store keeps a sqlite history of every connection the bridge
// registered, fed by the service's membership hooks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/logger"
)

var (
	ErrNotFound = errors.New("call record not found")
	ErrClosed   = errors.New("history store is closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	conn_id     TEXT PRIMARY KEY,
	call_id     TEXT NOT NULL,
	address     TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	added_at    DATETIME NOT NULL,
	removed_at  DATETIME,
	final_state TEXT NOT NULL DEFAULT '',
	cause       TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_call_history_call_id ON call_history(call_id);
CREATE INDEX IF NOT EXISTS idx_call_history_added_at ON call_history(added_at);
`

// CallRecord is one registered connection's lifetime.
type CallRecord struct {
	ConnID     string     `json:"conn_id"`
	CallID     string     `json:"call_id"`
	Address    string     `json:"address"`
	State      string     `json:"state"`
	AddedAt    time.Time  `json:"added_at"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
	FinalState string     `json:"final_state,omitempty"`
	Cause      string     `json:"cause,omitempty"`
	Message    string     `json:"message,omitempty"`
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// History is a sqlite-backed call log. Writes go through a single writer
// goroutine; reads use the pool directly.
//
// Thread Safety: All exported methods are safe for concurrent use.
type History struct {
	db       *sql.DB
	writes   chan writeOperation
	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	now      func() time.Time
}

var _ bridge.Hooks = (*History)(nil)

// Open opens (or creates) the history database at path.
func Open(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	h := &History{
		db:       db,
		writes:   make(chan writeOperation, 256),
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
	h.wg.Add(1)
	go h.writeLoop()

	slog.Info("[History] Opened call history", "path", path)
	return h, nil
}

func (h *History) writeLoop() {
	defer h.wg.Done()
	for {
		select {
		case op := <-h.writes:
			h.apply(op)
		case <-h.shutdown:
			// Drain what was queued before Close.
			for {
				select {
				case op := <-h.writes:
					h.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (h *History) apply(op writeOperation) {
	err := op.operation(h.db)
	if err != nil {
		slog.Error("[History] Write failed", "error", err)
	}
	if op.result != nil {
		op.result <- err
	}
}

// enqueue queues op without blocking. The membership hooks run on the
// service loop, so a full queue drops the write.
func (h *History) enqueue(op writeOperation) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.writes <- op:
		return true
	default:
		return false
	}
}

// OnConnectionAdded records a newly registered connection.
func (h *History) OnConnectionAdded(id string, c *connection.Connection) {
	rec := CallRecord{
		ConnID:  c.LocalID(),
		CallID:  id,
		Address: logger.SafeAddress(c.Address()),
		State:   string(connection.CallStateOf(c.State())),
		AddedAt: h.now().UTC(),
	}
	ok := h.enqueue(writeOperation{operation: func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO call_history (conn_id, call_id, address, state, added_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(conn_id) DO UPDATE SET call_id = excluded.call_id`,
			rec.ConnID, rec.CallID, rec.Address, rec.State, rec.AddedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert call %s: %w", rec.CallID, err)
		}
		return nil
	}})
	if !ok {
		slog.Warn("[History] Dropped add record", "call_id", id)
	}
}

// OnConnectionRemoved closes the record with the connection's final state.
func (h *History) OnConnectionRemoved(id string, c *connection.Connection) {
	cause, msg := c.DisconnectReason()
	connID := c.LocalID()
	final := string(connection.CallStateOf(c.State()))
	removedAt := h.now().UTC()
	ok := h.enqueue(writeOperation{operation: func(db *sql.DB) error {
		_, err := db.Exec(`
			UPDATE call_history
			SET removed_at = ?, final_state = ?, cause = ?, message = ?
			WHERE conn_id = ?`,
			removedAt, final, cause.String(), msg, connID,
		)
		if err != nil {
			return fmt.Errorf("failed to close call %s: %w", id, err)
		}
		return nil
	}})
	if !ok {
		slog.Warn("[History] Dropped remove record", "call_id", id)
	}
}

// Sync waits until every write queued before the call has been applied.
func (h *History) Sync(ctx context.Context) error {
	result := make(chan error, 1)
	if !h.enqueueWait(ctx, writeOperation{
		operation: func(*sql.DB) error { return nil },
		result:    result,
	}) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *History) enqueueWait(ctx context.Context, op writeOperation) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.writes <- op:
		return true
	case <-ctx.Done():
		return false
	}
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT conn_id, call_id, address, state, added_at, removed_at, final_state, cause, message
		FROM call_history
		ORDER BY added_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return out, nil
}

// ByCallID returns every record for the authority call id, oldest first.
func (h *History) ByCallID(ctx context.Context, callID string) ([]CallRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT conn_id, call_id, address, state, added_at, removed_at, final_state, cause, message
		FROM call_history
		WHERE call_id = ?
		ORDER BY added_at, rowid`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call %s: %w", callID, err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call %s: %w", callID, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (CallRecord, error) {
	var rec CallRecord
	var removed sql.NullTime
	err := s.Scan(
		&rec.ConnID,
		&rec.CallID,
		&rec.Address,
		&rec.State,
		&rec.AddedAt,
		&removed,
		&rec.FinalState,
		&rec.Cause,
		&rec.Message,
	)
	if err != nil {
		return CallRecord{}, fmt.Errorf("failed to scan call record: %w", err)
	}
	if removed.Valid {
		t := removed.Time
		rec.RemovedAt = &t
	}
	return rec, nil
}

// Close flushes queued writes and closes the database.
func (h *History) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.shutdown)
	h.wg.Wait()
	return h.db.Close()
}
