package ability

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"steward/internal/audit"
	"steward/internal/auth"
	"steward/internal/domain"
	"steward/internal/logging"
	"steward/internal/telemetry"
)

// Enqueuer defers an invocation for human approval and returns the queue id.
type Enqueuer interface {
	Enqueue(ctx context.Context, ability string, input map[string]any, actor auth.Actor) (string, error)
}

type Status string

const (
	StatusExecuted Status = "executed"
	StatusDeferred Status = "deferred"
)

type Result struct {
	Status  Status         `json:"status" enum:"executed,deferred"`
	QueueID string         `json:"queue_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Dispatcher runs abilities by name. Queue may be nil when no ability requires
// approval.
type Dispatcher struct {
	Registry   *Registry
	Settings   Settings
	Exemptions *Exemptions
	Queue      Enqueuer
	Audit      audit.Recorder
	Resolver   auth.Resolver
	Logger     *zap.Logger
	Metrics    *telemetry.Instruments
}

// Dispatch resolves, authorizes, validates and then either defers or executes
// the named ability. Lookup, authorization and validation failures are
// returned before any side effect and are not audited.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input map[string]any, actor auth.Actor) (Result, error) {
	desc, err := d.resolve(ctx, name)
	if err != nil {
		d.Metrics.Dispatch(ctx, name, "not_found")
		return Result{}, err
	}
	if err := actor.Require(desc.RequiredCapability); err != nil {
		d.Metrics.Dispatch(ctx, name, "forbidden")
		return Result{}, err
	}
	if err := d.Registry.Validate(name, input); err != nil {
		d.Metrics.Dispatch(ctx, name, "invalid_input")
		return Result{}, err
	}
	if input == nil {
		input = map[string]any{}
	}

	if desc.RequiresApproval && !d.exempt(name, actor) {
		if d.Queue == nil {
			return Result{}, fmt.Errorf("ability %s requires approval but no queue is configured", name)
		}
		id, err := d.Queue.Enqueue(ctx, name, input, actor)
		if err != nil {
			return Result{}, fmt.Errorf("enqueue %s: %w", name, err)
		}
		d.Metrics.Dispatch(ctx, name, "deferred")
		return Result{Status: StatusDeferred, QueueID: id}, nil
	}

	data, err := d.run(ctx, desc, input, actor)
	if notStarted(err) {
		d.Metrics.Dispatch(ctx, name, "rejected")
		return Result{}, err
	}
	d.auditOutcome(ctx, desc, input, actor, data, err)
	if err != nil {
		d.Metrics.Dispatch(ctx, name, "failed")
		return Result{}, err
	}
	d.Metrics.Dispatch(ctx, name, "executed")
	return Result{Status: StatusExecuted, Data: data}, nil
}

// ExecuteApproved runs an approved queue item's handler without the approval
// gate. Auditing is left to the queue, which owns the item's outcome.
func (d *Dispatcher) ExecuteApproved(ctx context.Context, item domain.QueueItem) (map[string]any, error) {
	desc, ok := d.Registry.Lookup(item.AbilityName)
	if !ok {
		return nil, fmt.Errorf("ability %s: %w", item.AbilityName, domain.ErrNotFound)
	}
	actor, err := d.Resolver.Actor(item.ActorID, item.ActorRoles)
	if err != nil {
		actor = auth.Actor{ID: item.ActorID, Roles: item.ActorRoles}
	}
	input := item.Input
	if input == nil {
		input = map[string]any{}
	}
	data, err := d.run(ctx, desc, input, actor)
	outcome := "executed"
	if err != nil {
		outcome = "failed"
	}
	d.Metrics.Dispatch(ctx, item.AbilityName, "approved_"+outcome)
	return data, err
}

// Redact returns input with the ability's secret fields masked.
func (d *Dispatcher) Redact(name string, input map[string]any) map[string]any {
	desc, _ := d.Registry.Lookup(name)
	return redact(input, desc.SecretFields)
}

func (d *Dispatcher) resolve(ctx context.Context, name string) (Descriptor, error) {
	desc, ok := d.Registry.Lookup(name)
	if !ok {
		return Descriptor{}, fmt.Errorf("ability %s: %w", name, domain.ErrNotFound)
	}
	enabled, err := d.Settings.Enabled(ctx, name)
	if err != nil {
		return Descriptor{}, fmt.Errorf("ability %s settings: %w", name, err)
	}
	if !enabled {
		return Descriptor{}, fmt.Errorf("ability %s is disabled: %w", name, domain.ErrNotFound)
	}
	return desc, nil
}

func (d *Dispatcher) exempt(name string, actor auth.Actor) bool {
	ok, err := d.Exemptions.Exempt(name, actor)
	if err != nil {
		logging.OrNop(d.Logger).Warn("approval exemption evaluation failed",
			zap.String("ability", name), zap.Error(err))
	}
	return ok
}

// run invokes the handler and normalizes a result-level "error" key into an
// UpstreamError. Handler panics become upstream failures too.
func (d *Dispatcher) run(ctx context.Context, desc Descriptor, input map[string]any, actor auth.Actor) (data map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.OrNop(d.Logger).Error("ability handler panicked",
				zap.String("ability", desc.Name), zap.Any("panic", p))
			data = nil
			err = domain.UpstreamError{Ability: desc.Name, Message: fmt.Sprintf("ability %s panicked", desc.Name)}
		}
	}()
	data, err = desc.Handler.Execute(ctx, input, actor)
	if err != nil {
		if notStarted(err) || domain.IsUpstream(err) {
			return nil, err
		}
		return nil, domain.UpstreamError{Ability: desc.Name, Message: err.Error(), Err: err}
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		return data, domain.UpstreamError{Ability: desc.Name, Message: msg}
	}
	return data, nil
}

func (d *Dispatcher) auditOutcome(ctx context.Context, desc Descriptor, input map[string]any, actor auth.Actor, data map[string]any, runErr error) {
	if d.Audit == nil {
		return
	}
	payload := map[string]any{
		"ability": desc.Name,
		"input":   redact(input, desc.SecretFields),
	}
	rec := domain.AuditRecord{
		Source:  domain.SourceAbility,
		ActorID: actor.ID,
		Context: payload,
	}
	if runErr != nil {
		rec.EventType = "ability.failed"
		rec.Message = fmt.Sprintf("%s failed: %s", desc.Name, runErr.Error())
		payload["error"] = runErr.Error()
	} else {
		rec.EventType = "ability.executed"
		rec.Message = fmt.Sprintf("%s executed", desc.Name)
		payload["result_keys"] = resultKeys(data)
	}
	if _, err := d.Audit.Append(ctx, rec); err != nil {
		logging.OrNop(d.Logger).Error("audit write failed",
			zap.String("ability", desc.Name), zap.String("event_type", rec.EventType), zap.Error(err))
	}
}

// notStarted reports handler errors that mean no side effect took place.
func notStarted(err error) bool {
	return errors.Is(err, domain.ErrForbidden) || errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrUnavailable)
}

func resultKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
