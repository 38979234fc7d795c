package circuit_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"steward/internal/circuit"
	"steward/internal/domain"
)

// Operations: 0 = failure, 1 = success, 2 = advance past the cool-down then check.
func TestBreakerProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	run := func(ops []int, threshold uint) (*circuit.Breaker, []domain.CircuitState) {
		clk := &clock{now: time.Unix(0, 0)}
		b, err := circuit.New(context.Background(), circuit.Options{
			Name: "prop", FailureThreshold: threshold, OpenDuration: time.Second, Now: clk.Now,
		})
		if err != nil {
			panic(err)
		}
		var trace []domain.CircuitState
		for _, op := range ops {
			switch op {
			case 0:
				b.RecordFailure()
			case 1:
				b.RecordSuccess()
			default:
				clk.Advance(2 * time.Second)
				b.IsAvailable()
			}
			trace = append(trace, b.Snapshot())
		}
		return b, trace
	}

	properties.Property("success always closes with zero failures", prop.ForAll(
		func(ops []int, threshold uint) bool {
			b, _ := run(append(ops, 1), threshold)
			s := b.Snapshot()
			return s.State == domain.CircuitClosed && s.ConsecutiveFailures == 0 && s.OpenedAt == nil
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.UIntRange(1, 5),
	))

	properties.Property("closed circuit never has reached the threshold", prop.ForAll(
		func(ops []int, threshold uint) bool {
			_, trace := run(ops, threshold)
			for _, s := range trace {
				if s.State == domain.CircuitClosed && s.ConsecutiveFailures >= threshold {
					return false
				}
				if s.State != domain.CircuitClosed && s.OpenedAt == nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.UIntRange(1, 5),
	))

	properties.Property("threshold consecutive failures from closed open the circuit", prop.ForAll(
		func(threshold uint) bool {
			ops := make([]int, threshold)
			b, _ := run(ops, threshold)
			return b.Snapshot().State == domain.CircuitOpen
		},
		gen.UIntRange(1, 10),
	))

	properties.TestingRun(t)
}
