// Package approval holds deferred ability invocations until a human approves
// or rejects them. Every transition out of pending is a single conditional
// UPDATE, so concurrent approve/reject calls on one item resolve to exactly one
// winner.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"steward/internal/audit"
	"steward/internal/auth"
	"steward/internal/domain"
	"steward/internal/logging"
)

// Executor runs an approved item's original handler.
type Executor interface {
	ExecuteApproved(ctx context.Context, item domain.QueueItem) (map[string]any, error)
}

const DefaultTTL = 24 * time.Hour

var errCorruptItem = errors.New("corrupt queue item")

type Queue struct {
	DB       *sql.DB
	TTL      time.Duration
	Now      func() time.Time
	Executor Executor
	Audit    audit.Recorder
	Logger   *zap.Logger
	// Redact masks secret input values before they reach the audit log.
	Redact func(ability string, input map[string]any) map[string]any
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func (q *Queue) ttl() time.Duration {
	if q.TTL > 0 {
		return q.TTL
	}
	return DefaultTTL
}

// Enqueue stores a pending item and returns its id.
func (q *Queue) Enqueue(ctx context.Context, ability string, input map[string]any, actor auth.Actor) (string, error) {
	if input == nil {
		input = map[string]any{}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode queue input: %w", err)
	}
	roles := actor.Roles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return "", err
	}
	now := q.now()
	item := domain.QueueItem{
		ID:          uuid.NewString(),
		AbilityName: ability,
		Input:       input,
		ActorID:     actor.ID,
		ActorRoles:  roles,
		QueuedAt:    now,
		ExpiresAt:   now.Add(q.ttl()),
		Status:      domain.QueuePending,
	}
	_, err = q.DB.ExecContext(ctx, `INSERT INTO queue_items(id,ability_name,input_json,actor_id,actor_roles_json,queued_at,expires_at,status) VALUES (?,?,?,?,?,?,?,?)`,
		item.ID, item.AbilityName, string(inputJSON), item.ActorID, string(rolesJSON),
		item.QueuedAt.UnixNano(), item.ExpiresAt.UnixNano(), string(domain.QueuePending))
	if err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	q.record(ctx, "approval.queued", actor.ID, fmt.Sprintf("%s queued for approval", ability), map[string]any{
		"queue_id":   item.ID,
		"ability":    ability,
		"input":      q.redact(ability, input),
		"expires_at": item.ExpiresAt.Format(time.RFC3339),
	})
	return item.ID, nil
}

const selectColumns = `id,ability_name,input_json,actor_id,actor_roles_json,queued_at,expires_at,status,resolved_at,COALESCE(resolved_by,'')`

// ListPending returns pending, unexpired items oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT `+selectColumns+` FROM queue_items
WHERE status='pending' AND expires_at >= ? ORDER BY queued_at ASC, id ASC`, q.now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Get returns an item in any status. A pending item past its deadline is
// reported as expired even before the sweep has marked it.
func (q *Queue) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	row := q.DB.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM queue_items WHERE id=?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return item, fmt.Errorf("queue item %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return item, err
	}
	if item.Status == domain.QueuePending && item.Expired(q.now()) {
		item.Status = domain.QueueExpired
	}
	return item, nil
}

// Approve consumes a pending item and runs its handler once. The item stays
// consumed when the handler fails; the failure is audited and returned.
func (q *Queue) Approve(ctx context.Context, id, approver string) (map[string]any, error) {
	item, consumed, err := q.transition(ctx, id, domain.QueueApproved, approver)
	if err != nil {
		if consumed {
			q.record(ctx, "approval.approved_execution_failed", approver,
				fmt.Sprintf("queue item %s approved but unreadable", id),
				map[string]any{"queue_id": id, "error": err.Error()})
		}
		return nil, err
	}
	if q.Executor == nil {
		return nil, errors.New("approval queue has no executor")
	}
	data, execErr := q.Executor.ExecuteApproved(ctx, item)
	payload := map[string]any{
		"queue_id":         id,
		"ability":          item.AbilityName,
		"requesting_actor": item.ActorID,
		"input":            q.redact(item.AbilityName, item.Input),
	}
	if execErr != nil {
		payload["error"] = execErr.Error()
		q.record(ctx, "approval.approved_execution_failed", approver,
			fmt.Sprintf("%s approved but failed: %s", item.AbilityName, execErr.Error()), payload)
		return nil, execErr
	}
	payload["result_keys"] = sortedKeys(data)
	q.record(ctx, "approval.approved_and_executed", approver,
		fmt.Sprintf("%s approved and executed", item.AbilityName), payload)
	return data, nil
}

// Reject discards a pending item. It returns false with ErrNotFound or
// ErrAlreadyProcessed when the item cannot be rejected.
func (q *Queue) Reject(ctx context.Context, id, rejecter string) (bool, error) {
	item, consumed, err := q.transition(ctx, id, domain.QueueRejected, rejecter)
	if err != nil && !consumed {
		return false, err
	}
	if err != nil {
		logging.OrNop(q.Logger).Warn("rejected queue item is unreadable", zap.String("queue_id", id), zap.Error(err))
	}
	label := item.AbilityName
	if label == "" {
		label = "queue item " + id
	}
	q.record(ctx, "approval.rejected", rejecter, fmt.Sprintf("%s rejected", label), map[string]any{
		"queue_id":         id,
		"ability":          item.AbilityName,
		"requesting_actor": item.ActorID,
	})
	return true, nil
}

// SweepExpired marks overdue pending items expired and returns how many.
func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	now := q.now().UnixNano()
	rows, err := q.DB.QueryContext(ctx, `UPDATE queue_items SET status='expired', resolved_at=?, resolved_by='system'
WHERE status='pending' AND expires_at < ? RETURNING id`, now, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)
	q.record(ctx, "approval.expired", "", fmt.Sprintf("%d queue items expired", len(ids)), map[string]any{
		"queue_ids": ids,
		"count":     len(ids),
	})
	return len(ids), nil
}

// transition applies pending -> to if the item is still pending and within its
// deadline, and returns the consumed item. consumed is true whenever the UPDATE
// won, even if the returned row could not be decoded.
func (q *Queue) transition(ctx context.Context, id string, to domain.QueueStatus, by string) (domain.QueueItem, bool, error) {
	now := q.now().UnixNano()
	row := q.DB.QueryRowContext(ctx, `UPDATE queue_items SET status=?, resolved_at=?, resolved_by=?
WHERE id=? AND status='pending' AND expires_at >= ? RETURNING `+selectColumns, string(to), now, by, id, now)
	item, err := scanItem(row)
	switch {
	case err == nil:
		return item, true, nil
	case errors.Is(err, errCorruptItem):
		return domain.QueueItem{ID: id}, true, err
	case !errors.Is(err, sql.ErrNoRows):
		return item, false, fmt.Errorf("update queue item %s: %w", id, err)
	}
	item, err = q.Get(ctx, id)
	if err != nil {
		return item, false, err
	}
	switch item.Status {
	case domain.QueuePending, domain.QueueExpired:
		return item, false, fmt.Errorf("queue item %s expired: %w", id, domain.ErrNotFound)
	default:
		return item, false, fmt.Errorf("queue item %s is %s: %w", id, item.Status, domain.ErrAlreadyProcessed)
	}
}

func (q *Queue) redact(ability string, input map[string]any) map[string]any {
	if q.Redact != nil {
		return q.Redact(ability, input)
	}
	return input
}

func (q *Queue) record(ctx context.Context, eventType, actorID, message string, payload map[string]any) {
	if q.Audit == nil {
		return
	}
	_, err := q.Audit.Append(ctx, domain.AuditRecord{
		EventType: eventType,
		Source:    domain.SourceAbility,
		ActorID:   actorID,
		Message:   message,
		Context:   payload,
	})
	if err != nil {
		logging.OrNop(q.Logger).Error("audit write failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (domain.QueueItem, error) {
	var (
		item       domain.QueueItem
		inputJSON  string
		rolesJSON  string
		status     string
		queuedAt   int64
		expiresAt  int64
		resolvedAt sql.NullInt64
	)
	if err := s.Scan(&item.ID, &item.AbilityName, &inputJSON, &item.ActorID, &rolesJSON,
		&queuedAt, &expiresAt, &status, &resolvedAt, &item.ResolvedBy); err != nil {
		return item, err
	}
	if err := json.Unmarshal([]byte(inputJSON), &item.Input); err != nil {
		return item, fmt.Errorf("%w: input of %s: %v", errCorruptItem, item.ID, err)
	}
	if err := json.Unmarshal([]byte(rolesJSON), &item.ActorRoles); err != nil {
		return item, fmt.Errorf("%w: roles of %s: %v", errCorruptItem, item.ID, err)
	}
	item.Status = domain.QueueStatus(status)
	item.QueuedAt = time.Unix(0, queuedAt).UTC()
	item.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64).UTC()
		item.ResolvedAt = &t
	}
	return item, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
