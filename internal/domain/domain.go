package domain

import "time"

// Audit sources.
const (
	SourceAbility    = "ability"
	SourceGovernance = "governance"
	SourceSystem     = "system"
)

type AuditRecord struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source" enum:"ability,governance,system"`
	ActorID   string         `json:"actor_id,omitempty"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at" format:"date-time"`
}

type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueApproved QueueStatus = "approved"
	QueueRejected QueueStatus = "rejected"
	QueueExpired  QueueStatus = "expired"
)

func (s QueueStatus) Terminal() bool {
	return s != QueuePending
}

type QueueItem struct {
	ID          string         `json:"id"`
	AbilityName string         `json:"ability_name"`
	Input       map[string]any `json:"input"`
	ActorID     string         `json:"requesting_actor"`
	ActorRoles  []string       `json:"actor_roles,omitempty"`
	QueuedAt    time.Time      `json:"queued_at" format:"date-time"`
	ExpiresAt   time.Time      `json:"expires_at" format:"date-time"`
	Status      QueueStatus    `json:"status" enum:"pending,approved,rejected,expired"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

// Expired reports whether the item is past its deadline at now.
func (q QueueItem) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

type CircuitState struct {
	Name                string        `json:"name"`
	State               CircuitStatus `json:"state" enum:"closed,open,half_open"`
	ConsecutiveFailures uint          `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty" format:"date-time"`
	FailureThreshold    uint          `json:"failure_threshold"`
	OpenDuration        time.Duration `json:"open_duration"`
}

// Finding is one structured observation produced by a governance task.
type Finding struct {
	TaskName    string         `json:"task_name"`
	GeneratedAt time.Time      `json:"generated_at" format:"date-time"`
	Payload     map[string]any `json:"payload"`
}

type FeatureFlag struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}
