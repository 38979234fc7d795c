// Package scheduler runs periodic jobs until its context is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"steward/internal/logging"
)

type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context)
}

type Scheduler struct {
	Jobs   []Job
	Logger *zap.Logger
}

// Run blocks until ctx is done and every job goroutine has returned. A job
// never overlaps with itself; a slow run delays its next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, j := range s.Jobs {
		if j.Interval <= 0 {
			return fmt.Errorf("job %s: interval must be positive", j.Name)
		}
		if j.Run == nil {
			return fmt.Errorf("job %s: run func required", j.Name)
		}
	}
	log := logging.OrNop(s.Logger)
	var wg sync.WaitGroup
	for _, j := range s.Jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j, log.With(zap.String("job", j.Name)))
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j Job, log *zap.Logger) {
	if j.RunAtStart {
		s.runOnce(ctx, j, log)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j, log)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error("scheduled job panicked", zap.Any("panic", p))
		}
	}()
	start := time.Now()
	j.Run(ctx)
	log.Debug("scheduled job finished", zap.Duration("took", time.Since(start)))
}
