package server

import (
	"steward/internal/ability"
	"steward/internal/app"
	"steward/internal/domain"
	"steward/internal/gateway"
	"steward/internal/governance"
)

// Request payloads

type DispatchRequest struct {
	Input map[string]any `json:"input,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type SetFlagRequest struct {
	Enabled bool `json:"enabled"`
}

type RunTaskRequest struct {
	Keys []string `json:"keys,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type AbilitiesResponse struct {
	Items []app.AbilityInfo `json:"items"`
}

type AbilityStateResponse struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type DispatchResponse = ability.Result

type QueueResponse struct {
	Items []domain.QueueItem `json:"items"`
}

type ApproveResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status" enum:"approved"`
	Result map[string]any `json:"result,omitempty"`
}

type RejectResponse struct {
	ID     string `json:"id"`
	Status string `json:"status" enum:"rejected"`
}

type AuditResponse struct {
	Items        []domain.AuditRecord `json:"items"`
	NextBeforeID int64                `json:"next_before_id,omitempty"`
}

type FlagsResponse struct {
	Items []domain.FeatureFlag `json:"items"`
}

type CacheFlushResponse struct {
	Removed int `json:"removed"`
}

type TasksResponse struct {
	Items []governance.Task `json:"items"`
}

type TaskRunResponse = governance.TaskResult

type BatchResponse = governance.BatchResult

type GatewayStatusResponse = gateway.Status

type CircuitResponse = domain.CircuitState
