// Package gateway is the guarded path to the AI model. Every upstream call goes
// through Client.Send, which consults the response cache and then runs the
// backend call under the circuit breaker.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"steward/internal/cache"
	"steward/internal/circuit"
	"steward/internal/domain"
	"steward/internal/logging"
	"steward/internal/telemetry"
)

// ErrNotConfigured is returned when no backend is set.
var ErrNotConfigured = fmt.Errorf("gateway backend not configured: %w", domain.ErrUnavailable)

type Client struct {
	Backend  Backend
	Breaker  *circuit.Breaker
	Cache    cache.Cache
	CacheTTL time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
	Metrics  *telemetry.Instruments
}

type Status struct {
	Backend    string              `json:"backend"`
	Configured bool                `json:"configured"`
	Circuit    domain.CircuitState `json:"circuit"`
}

// Send returns the model reply for prompt. It fails with domain.ErrUnavailable
// without contacting the backend when the breaker refuses the call.
func (c *Client) Send(ctx context.Context, prompt, sessionKey string) (string, error) {
	if c == nil || c.Backend == nil {
		return "", ErrNotConfigured
	}
	log := logging.OrNop(c.Logger)
	key := cache.Key(c.Backend.Name(), prompt)
	if c.Cache != nil {
		reply, ok, err := c.Cache.Get(ctx, key)
		if err != nil {
			log.Warn("gateway cache read failed", zap.Error(err))
		} else if ok {
			return reply, nil
		}
	}

	var reply string
	call := func(ctx context.Context) error {
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		start := time.Now()
		var err error
		reply, err = c.Backend.Send(ctx, prompt, sessionKey)
		c.Metrics.GatewayCall(ctx, c.Backend.Name(), time.Since(start), err == nil)
		if err != nil {
			log.Warn("gateway call failed", zap.String("backend", c.Backend.Name()), zap.Error(err))
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}
	var err error
	if c.Breaker != nil {
		err = c.Breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", err
	}

	if c.Cache != nil {
		if err := c.Cache.Set(ctx, key, reply, c.CacheTTL); err != nil {
			log.Warn("gateway cache write failed", zap.Error(err))
		}
	}
	return reply, nil
}

func (c *Client) Status() Status {
	var s Status
	if c == nil {
		return s
	}
	if c.Backend != nil {
		s.Backend = c.Backend.Name()
		s.Configured = true
	}
	if c.Breaker != nil {
		s.Circuit = c.Breaker.Snapshot()
	}
	return s
}
