// Package circuit guards calls to a flaky upstream dependency.
//
// A Breaker is closed while calls succeed, opens after FailureThreshold
// consecutive failures, and after OpenDuration admits a single half-open trial
// whose outcome closes or re-opens it. State survives restarts through a Store.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"steward/internal/domain"
	"steward/internal/logging"
	"steward/internal/telemetry"
)

// Store persists breaker state.
type Store interface {
	Load(ctx context.Context, name string) (domain.CircuitState, bool, error)
	Save(ctx context.Context, state domain.CircuitState) error
}

type Options struct {
	Name             string
	FailureThreshold uint
	OpenDuration     time.Duration
	Store            Store
	Now              func() time.Time
	Logger           *zap.Logger
	Metrics          *telemetry.Instruments
}

type Breaker struct {
	name         string
	threshold    uint
	openDuration time.Duration
	now          func() time.Time
	log          *zap.Logger
	metrics      *telemetry.Instruments

	mu            sync.Mutex
	state         domain.CircuitStatus
	failures      uint
	openedAt      time.Time
	trialInFlight bool
	seq           uint64

	store     Store
	persistMu sync.Mutex
	savedSeq  uint64
}

type snapshot struct {
	seq   uint64
	state domain.CircuitState
}

const saveTimeout = 2 * time.Second

// New builds a breaker and restores any persisted state for opts.Name.
func New(ctx context.Context, opts Options) (*Breaker, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("circuit name required")
	}
	if opts.FailureThreshold == 0 {
		return nil, fmt.Errorf("circuit %s: failure threshold must be at least 1", opts.Name)
	}
	if opts.OpenDuration <= 0 {
		return nil, fmt.Errorf("circuit %s: open duration must be positive", opts.Name)
	}
	b := &Breaker{
		name:         opts.Name,
		threshold:    opts.FailureThreshold,
		openDuration: opts.OpenDuration,
		now:          opts.Now,
		log:          logging.OrNop(opts.Logger).With(zap.String("circuit", opts.Name)),
		metrics:      opts.Metrics,
		state:        domain.CircuitClosed,
		store:        opts.Store,
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.store == nil {
		return b, nil
	}
	persisted, ok, err := b.store.Load(ctx, b.name)
	if err != nil {
		return nil, fmt.Errorf("load circuit %s: %w", b.name, err)
	}
	if ok {
		b.restore(persisted)
	}
	return b, nil
}

func (b *Breaker) restore(s domain.CircuitState) {
	b.failures = s.ConsecutiveFailures
	switch s.State {
	case domain.CircuitOpen, domain.CircuitHalfOpen:
		// A half-open trial cannot outlive the process; resume as open so
		// the next check after the cool-down admits a fresh trial.
		b.state = domain.CircuitOpen
		if s.OpenedAt != nil {
			b.openedAt = *s.OpenedAt
		} else {
			b.openedAt = b.now()
		}
	default:
		b.state = domain.CircuitClosed
	}
}

// IsAvailable reports whether a guarded call may proceed now. It performs the
// open -> half-open transition once the cool-down has elapsed and admits only
// one trial call while half-open.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	var (
		available bool
		changed   bool
	)
	switch b.state {
	case domain.CircuitClosed:
		available = true
	case domain.CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.state = domain.CircuitHalfOpen
			b.trialInFlight = true
			available, changed = true, true
		}
	case domain.CircuitHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			available = true
		}
	}
	snap := b.snapshotLocked(changed)
	b.mu.Unlock()

	if changed {
		b.transitioned(snap)
	}
	return available
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	changed := b.state != domain.CircuitClosed || b.failures != 0
	b.state = domain.CircuitClosed
	b.failures = 0
	b.openedAt = time.Time{}
	b.trialInFlight = false
	snap := b.snapshotLocked(changed)
	b.mu.Unlock()

	if changed {
		b.transitioned(snap)
	}
}

// RecordFailure counts a failed call; it opens the circuit at the threshold or
// when the half-open trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	switch b.state {
	case domain.CircuitHalfOpen:
		b.state = domain.CircuitOpen
		b.openedAt = b.now()
		b.trialInFlight = false
	case domain.CircuitClosed:
		if b.failures >= b.threshold {
			b.state = domain.CircuitOpen
			b.openedAt = b.now()
		}
	}
	snap := b.snapshotLocked(true)
	b.mu.Unlock()

	b.transitioned(snap)
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}

// Snapshot returns the current state without side effects.
func (b *Breaker) Snapshot() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(false).state
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn behind the breaker, reporting its outcome exactly once.
// It returns domain.ErrUnavailable without calling fn when the circuit refuses.
// A panic in fn counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.IsAvailable() {
		return fmt.Errorf("%s: %w", b.name, domain.ErrUnavailable)
	}
	reported := false
	defer func() {
		if reported {
			return
		}
		b.RecordFailure()
		if r := recover(); r != nil {
			panic(r)
		}
	}()
	err := fn(ctx)
	reported = true
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) snapshotLocked(bump bool) snapshot {
	if bump {
		b.seq++
	}
	s := domain.CircuitState{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.threshold,
		OpenDuration:        b.openDuration,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return snapshot{seq: b.seq, state: s}
}

// transitioned persists snap outside b.mu. Saves are serialized and stale
// snapshots are dropped so the store never moves backwards.
func (b *Breaker) transitioned(snap snapshot) {
	b.metrics.Transition(context.Background(), b.name, string(snap.state.State))
	b.log.Debug("circuit state",
		zap.String("state", string(snap.state.State)),
		zap.Uint("consecutive_failures", snap.state.ConsecutiveFailures))
	if b.store == nil {
		return
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if snap.seq <= b.savedSeq {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := b.store.Save(ctx, snap.state); err != nil {
		b.log.Warn("persist circuit state failed", zap.Error(err))
		return
	}
	b.savedSeq = snap.seq
}
