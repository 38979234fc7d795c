// Package governance runs the catalog of scheduled analysis tasks and hands
// their findings to delivery.
package governance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steward/internal/domain"
	"steward/internal/logging"
	"steward/internal/telemetry"
)

// Handler performs one task's analysis. It should honour ctx cancellation and
// return whatever findings it gathered when the deadline hits.
type Handler interface {
	Run(ctx context.Context) (Report, error)
}

type HandlerFunc func(ctx context.Context) (Report, error)

func (f HandlerFunc) Run(ctx context.Context) (Report, error) { return f(ctx) }

type Report struct {
	Findings []domain.Finding
	Summary  string
	// Failures lists units of work that failed without aborting the task.
	Failures []string
}

type Task struct {
	Key     string  `json:"key"`
	Label   string  `json:"label"`
	Enabled bool    `json:"enabled"`
	Handler Handler `json:"-"`
}

// Deliverer receives non-empty findings.
type Deliverer interface {
	Deliver(ctx context.Context, taskKey string, findings []domain.Finding, summary string) error
}

// FlagLookup reads feature flags; governance.<key> overrides a task's enabled state.
type FlagLookup interface {
	Lookup(ctx context.Context, key string) (value bool, ok bool, err error)
}

type Outcome string

const (
	OutcomeEmpty     Outcome = "empty"
	OutcomeDelivered Outcome = "delivered"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

type TaskResult struct {
	Key           string        `json:"key"`
	Outcome       Outcome       `json:"outcome" enum:"empty,delivered,partial,failed"`
	Findings      int           `json:"findings"`
	Summary       string        `json:"summary,omitempty"`
	Failures      []string      `json:"failures,omitempty"`
	Error         string        `json:"error,omitempty"`
	DeliveryError string        `json:"delivery_error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

type BatchResult struct {
	Results  []TaskResult `json:"results"`
	Warnings []string     `json:"warnings,omitempty"`
}

const defaultMaxRunDuration = 2 * time.Minute

type Runner struct {
	Delivery       Deliverer
	Flags          FlagLookup
	MaxRunDuration time.Duration
	Parallelism    int
	Now            func() time.Time
	Logger         *zap.Logger
	Metrics        *telemetry.Instruments

	tasks map[string]Task
}

// NewRunner builds a runner over a fixed catalog. Duplicate keys are rejected.
func NewRunner(catalog []Task) (*Runner, error) {
	r := &Runner{tasks: map[string]Task{}}
	for _, t := range catalog {
		if t.Key == "" || t.Handler == nil {
			return nil, fmt.Errorf("governance task %q needs a key and a handler", t.Key)
		}
		if _, dup := r.tasks[t.Key]; dup {
			return nil, fmt.Errorf("governance task %s registered twice", t.Key)
		}
		r.tasks[t.Key] = t
	}
	return r, nil
}

// Tasks returns the catalog sorted by key with the effective enabled state.
func (r *Runner) Tasks(ctx context.Context) []Task {
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		t.Enabled = r.enabled(ctx, t)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RunTask runs one task regardless of its enabled state.
func (r *Runner) RunTask(ctx context.Context, key string) (TaskResult, error) {
	t, ok := r.tasks[key]
	if !ok {
		return TaskResult{}, fmt.Errorf("governance task %s: %w", key, domain.ErrNotFound)
	}
	return r.runOne(ctx, t), nil
}

// Run executes the named tasks concurrently. Unknown keys become warnings.
func (r *Runner) Run(ctx context.Context, keys []string) BatchResult {
	var (
		batch BatchResult
		todo  []Task
	)
	for _, key := range keys {
		t, ok := r.tasks[key]
		if !ok {
			batch.Warnings = append(batch.Warnings, fmt.Sprintf("unknown governance task %s skipped", key))
			logging.OrNop(r.Logger).Warn("unknown governance task", zap.String("task", key))
			continue
		}
		todo = append(todo, t)
	}
	batch.Results = r.runAll(ctx, todo)
	return batch
}

// RunAllEnabled executes every enabled task.
func (r *Runner) RunAllEnabled(ctx context.Context) BatchResult {
	var keys []string
	for _, t := range r.Tasks(ctx) {
		if t.Enabled {
			keys = append(keys, t.Key)
		}
	}
	return r.Run(ctx, keys)
}

func (r *Runner) runAll(ctx context.Context, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	var g errgroup.Group
	limit := r.Parallelism
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = r.runOne(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) runOne(ctx context.Context, t Task) (res TaskResult) {
	log := logging.OrNop(r.Logger).With(zap.String("task", t.Key))
	start := time.Now()
	res.Key = t.Key
	defer func() {
		res.Duration = time.Since(start)
		r.Metrics.TaskRun(ctx, t.Key, string(res.Outcome), res.Findings)
	}()

	maxRun := r.MaxRunDuration
	if maxRun <= 0 {
		maxRun = defaultMaxRunDuration
	}
	runCtx, cancel := context.WithTimeout(ctx, maxRun)
	defer cancel()

	report, err := safeRun(runCtx, t.Handler)
	res.Summary = report.Summary
	res.Failures = report.Failures
	findings := stamp(report.Findings, t.Key, r.now())
	res.Findings = len(findings)

	if err != nil {
		res.Error = err.Error()
		if len(findings) == 0 {
			res.Outcome = OutcomeFailed
			log.Warn("governance task failed", zap.Error(err))
			return res
		}
		log.Warn("governance task returned partial results", zap.Error(err), zap.Int("findings", len(findings)))
	}
	if len(findings) == 0 {
		res.Outcome = OutcomeEmpty
		return res
	}
	if r.Delivery != nil {
		// the task's cap does not apply to delivery
		if derr := r.Delivery.Deliver(context.WithoutCancel(ctx), t.Key, findings, report.Summary); derr != nil {
			res.DeliveryError = derr.Error()
			log.Warn("governance delivery failed", zap.Error(derr))
		}
	}
	res.Outcome = OutcomeDelivered
	if err != nil {
		res.Outcome = OutcomePartial
	}
	log.Info("governance task finished", zap.String("outcome", string(res.Outcome)), zap.Int("findings", res.Findings))
	return res
}

func (r *Runner) enabled(ctx context.Context, t Task) bool {
	if r.Flags == nil {
		return t.Enabled
	}
	v, ok, err := r.Flags.Lookup(ctx, "governance."+t.Key)
	if err != nil {
		logging.OrNop(r.Logger).Warn("flag lookup failed", zap.String("task", t.Key), zap.Error(err))
		return t.Enabled
	}
	if ok {
		return v
	}
	return t.Enabled
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func safeRun(ctx context.Context, h Handler) (rep Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return h.Run(ctx)
}

func stamp(findings []domain.Finding, key string, now time.Time) []domain.Finding {
	out := make([]domain.Finding, 0, len(findings))
	for _, f := range findings {
		if f.TaskName == "" {
			f.TaskName = key
		}
		if f.GeneratedAt.IsZero() {
			f.GeneratedAt = now
		}
		out = append(out, f)
	}
	return out
}
