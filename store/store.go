// Package store is the durable record store shared by the aggregation
// engine, the feed scheduler and the sandbox orchestrator.
//
// It receives an already-opened *sql.DB (see dbopen) and exposes a narrow
// read/write contract. Components never touch each other's rows directly;
// everything crosses this boundary.
package store

import (
	"database/sql"
	"encoding/json"
)

// Store wraps the record-store database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// marshalTags encodes a tag list as the JSON column representation.
// nil encodes as "[]" so columns stay NOT NULL.
func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalTags(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}
