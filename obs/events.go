package obs

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/chimerasec/chimera/idgen"
)

// EventSchema is the DDL for the event log table. It lives in the main
// application database; event volume here is low enough that a separate
// observability database is not worth the second file.
const EventSchema = `
CREATE TABLE IF NOT EXISTS event_log (
    id         TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    entity     TEXT NOT NULL,
    entity_id  TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    success    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_type_time
    ON event_log(event_type, created_at DESC);
`

// Event is one domain-level occurrence worth keeping for operators:
// a feed state change, a job transition, an analysis rejection.
type Event struct {
	Type      string `json:"type"`   // e.g. "feed_error", "job_cancelled"
	Entity    string `json:"entity"` // entity kind: "feed", "job", "indicator"
	EntityID  string `json:"entity_id"`
	Detail    string `json:"detail,omitempty"`
	Success   bool   `json:"success"`
	CreatedAt int64  `json:"created_at,omitempty"` // ms, set on read
}

// Events records domain events to the event_log table. Recording never
// propagates an error to the caller; a failing event store must not block
// the operation it describes.
type Events struct {
	db    *sql.DB
	newID idgen.Generator
	log   *slog.Logger
}

// NewEvents creates an event recorder. Apply EventSchema to db first.
func NewEvents(db *sql.DB, log *slog.Logger) *Events {
	if log == nil {
		log = slog.Default()
	}
	return &Events{db: db, newID: idgen.Prefixed("evt_", idgen.Default), log: log}
}

// Record persists one event.
func (e *Events) Record(ctx context.Context, ev Event) {
	if e == nil || e.db == nil {
		return
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO event_log (id, event_type, entity, entity_id, detail, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.newID(), ev.Type, ev.Entity, ev.EntityID, ev.Detail, ev.Success, time.Now().UnixMilli())
	if err != nil {
		e.log.Error("event log failed", "error", err, "event_type", ev.Type)
	}
}

// Recent returns the newest events of a type, most recent first. An empty
// type returns events of every type.
func (e *Events) Recent(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if e == nil || e.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT event_type, entity, entity_id, detail, success, created_at FROM event_log`
	args := []any{}
	if eventType != "" {
		q += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Type, &ev.Entity, &ev.EntityID, &ev.Detail, &ev.Success, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
