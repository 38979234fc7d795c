// Package audit is the append-only record of every mutating action taken by
// steward. Rows are only ever inserted; the schema rejects updates and deletes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/domain"
)

// Recorder is the write side of the audit log.
type Recorder interface {
	Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

var validSources = map[string]bool{
	domain.SourceAbility:    true,
	domain.SourceGovernance: true,
	domain.SourceSystem:     true,
}

// Append inserts rec and returns it with the assigned id and timestamp.
func (w Writer) Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	if rec.EventType == "" {
		return rec, errors.New("audit event_type required")
	}
	if !validSources[rec.Source] {
		return rec, fmt.Errorf("audit source %q invalid", rec.Source)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now().UTC()
	}
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	data, err := json.Marshal(rec.Context)
	if err != nil {
		return rec, fmt.Errorf("marshal audit context: %w", err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO audit_log(event_type,source,actor_id,message,context_json,created_at) VALUES (?,?,?,?,?,?)`,
		rec.EventType, rec.Source, nullable(rec.ActorID), rec.Message, string(data), rec.CreatedAt.UnixNano())
	if err != nil {
		return rec, fmt.Errorf("append audit record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rec, err
	}
	rec.ID = id
	return rec, nil
}

// Record is a convenience wrapper over Append for call sites that build the
// record inline.
func (w Writer) Record(ctx context.Context, source, eventType, actorID, message string, payload Payload) error {
	_, err := w.Append(ctx, domain.AuditRecord{
		EventType: eventType,
		Source:    source,
		ActorID:   actorID,
		Message:   message,
		Context:   payload,
	})
	return err
}

// Query filters List. Zero values mean "any".
type Query struct {
	EventType string
	Source    string
	ActorID   string
	Since     time.Time
	BeforeID  int64
	Limit     int
}

const maxListLimit = 500

// List returns records newest first.
func (w Writer) List(ctx context.Context, q Query) ([]domain.AuditRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if q.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, q.EventType)
	}
	if q.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, q.Source)
	}
	if q.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, q.ActorID)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at>=?")
		args = append(args, q.Since.UnixNano())
	}
	if q.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, q.BeforeID)
	}
	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = 50
	}
	query := `SELECT id,event_type,source,COALESCE(actor_id,''),message,context_json,created_at FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec     domain.AuditRecord
			rawCtx  string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.Source, &rec.ActorID, &rec.Message, &rawCtx, &created); err != nil {
			return nil, err
		}
		if rawCtx != "" {
			if err := json.Unmarshal([]byte(rawCtx), &rec.Context); err != nil {
				return nil, fmt.Errorf("decode audit context %d: %w", rec.ID, err)
			}
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records matching q, ignoring Limit.
func (w Writer) Count(ctx context.Context, q Query) (int, error) {
	var (
		clauses []string
		args    []any
	)
	if q.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, q.EventType)
	}
	if q.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, q.Source)
	}
	query := `SELECT COUNT(*) FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var n int
	err := w.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
