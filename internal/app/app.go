// Package app wires steward's components from configuration. The CLI and the
// HTTP server both work through an *App.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"steward/internal/abilities"
	"steward/internal/ability"
	"steward/internal/approval"
	"steward/internal/audit"
	"steward/internal/auth"
	"steward/internal/cache"
	"steward/internal/circuit"
	"steward/internal/config"
	"steward/internal/content"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/flags"
	"steward/internal/gateway"
	"steward/internal/governance"
	"steward/internal/logging"
	"steward/internal/migrate"
	"steward/internal/scheduler"
	"steward/internal/telemetry"
	"steward/internal/webhook"
)

const GatewayCircuit = "ai-gateway"

type App struct {
	Config     *config.Config
	DB         *sql.DB
	Logger     *zap.Logger
	Metrics    *telemetry.Instruments
	Audit      audit.Writer
	Resolver   auth.Resolver
	APIKeys    auth.APIKeys
	Registry   *ability.Registry
	Settings   ability.Settings
	Dispatcher *ability.Dispatcher
	Queue      *approval.Queue
	Breaker    *circuit.Breaker
	Cache      cache.Cache
	Gateway    *gateway.Client
	Webhook    *webhook.Dispatcher
	Flags      flags.Store
	Runner     *governance.Runner
	Content    content.Store

	redis *redis.Client
}

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *telemetry.Instruments
	// Content is the site's content system; an in-memory store when nil.
	Content content.Store
	// Backend overrides the configured gateway backend.
	Backend gateway.Backend
	Now     func() time.Time
}

// Open creates the workspace database, applies migrations and builds every
// component.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.Workspace); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := logging.OrNop(opts.Logger)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Logger: log, Metrics: opts.Metrics, Content: opts.Content}
	if err := a.build(ctx, opts, now); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options, now func() time.Time) error {
	cfg := a.Config
	if _, err := migrate.Migrate(ctx, a.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	if a.Content == nil {
		a.Content = content.NewMemory()
	}

	a.Audit = audit.Writer{DB: a.DB, Now: now}
	a.Resolver = auth.NewResolver(cfg)
	a.APIKeys = auth.APIKeys{DB: a.DB, Now: now}
	a.Flags = flags.Store{DB: a.DB, Now: now, Audit: a.Audit}
	if err := a.Flags.Seed(ctx, cfg.Flags); err != nil {
		return err
	}

	var store circuit.Store
	switch cfg.Circuit.Store {
	case "redis":
		store = circuit.RedisStore{Client: a.redis}
	case "memory":
		store = circuit.NewMemoryStore()
	default:
		store = circuit.SQLStore{DB: a.DB, Now: now}
	}
	breaker, err := circuit.New(ctx, circuit.Options{
		Name:             GatewayCircuit,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenDuration:     cfg.Circuit.OpenDuration.Std(),
		Store:            store,
		Now:              now,
		Logger:           a.Logger,
		Metrics:          a.Metrics,
	})
	if err != nil {
		return err
	}
	a.Breaker = breaker

	if a.redis != nil {
		a.Cache = cache.Redis{Client: a.redis}
	} else {
		mem := cache.NewMemory()
		mem.Now = now
		a.Cache = mem
	}
	backend := opts.Backend
	if backend == nil {
		if backend, err = newBackend(ctx, cfg); err != nil {
			return err
		}
	}
	a.Gateway = &gateway.Client{
		Backend:  backend,
		Breaker:  a.Breaker,
		Cache:    a.Cache,
		CacheTTL: cfg.Gateway.CacheTTL.Std(),
		Timeout:  cfg.Gateway.Timeout.Std(),
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	}
	a.Webhook = webhook.New(cfg.Webhook, webhook.Options{Site: cfg.Site, Now: now, Logger: a.Logger, Metrics: a.Metrics})

	a.Registry = ability.NewRegistry()
	deps := abilities.Deps{Content: a.Content}
	if backend != nil {
		deps.Gateway = a.Gateway
	}
	if err := abilities.Register(a.Registry, deps); err != nil {
		return err
	}
	disabled := map[string]bool{}
	for _, name := range cfg.Abilities.Disabled {
		disabled[name] = true
	}
	a.Settings = ability.Settings{DB: a.DB, Now: now, DefaultDisabled: disabled}
	exemptions, err := ability.NewExemptions(cfg.Approval.Exemptions)
	if err != nil {
		return err
	}
	a.Dispatcher = &ability.Dispatcher{
		Registry:   a.Registry,
		Settings:   a.Settings,
		Exemptions: exemptions,
		Audit:      a.Audit,
		Resolver:   a.Resolver,
		Logger:     a.Logger,
		Metrics:    a.Metrics,
	}
	a.Queue = &approval.Queue{
		DB:       a.DB,
		TTL:      cfg.Approval.TTL.Std(),
		Now:      now,
		Executor: a.Dispatcher,
		Audit:    a.Audit,
		Logger:   a.Logger,
		Redact:   a.Dispatcher.Redact,
	}
	a.Dispatcher.Queue = a.Queue

	collab := governance.Collaborators{Content: a.Content, Queue: a.Queue, Now: now}
	if backend != nil {
		collab.Gateway = a.Gateway
	}
	runner, err := governance.NewRunner(governance.Catalog(cfg.Governance.Tasks, collab))
	if err != nil {
		return err
	}
	runner.Delivery = governance.Delivery{Audit: a.Audit, Webhook: a.Webhook, Logger: a.Logger}
	runner.Flags = a.Flags
	runner.MaxRunDuration = cfg.Governance.MaxRunDuration.Std()
	runner.Parallelism = cfg.Governance.Parallelism
	runner.Now = now
	runner.Logger = a.Logger
	runner.Metrics = a.Metrics
	a.Runner = runner
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config) (gateway.Backend, error) {
	switch strings.ToLower(cfg.Gateway.Backend) {
	case "gemini":
		return gateway.NewGenAI(ctx, cfg.Gateway.APIKey, cfg.Gateway.Model)
	case "http":
		return gateway.NewHTTP(cfg.Gateway.Endpoint, cfg.Gateway.APIKey, cfg.Gateway.Model, cfg.Gateway.Timeout.Std()), nil
	default:
		return nil, nil
	}
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Scheduler returns the periodic jobs: the governance batch and the queue sweep.
func (a *App) Scheduler() *scheduler.Scheduler {
	return &scheduler.Scheduler{
		Logger: a.Logger,
		Jobs: []scheduler.Job{
			{
				Name:     "governance",
				Interval: a.Config.Governance.Interval.Std(),
				Run: func(ctx context.Context) {
					batch := a.Runner.RunAllEnabled(ctx)
					for _, w := range batch.Warnings {
						a.Logger.Warn("governance batch warning", zap.String("warning", w))
					}
				},
			},
			{
				Name:       "approval-sweep",
				Interval:   a.Config.Approval.SweepInterval.Std(),
				RunAtStart: true,
				Run: func(ctx context.Context) {
					if n, err := a.Queue.SweepExpired(ctx); err != nil {
						a.Logger.Warn("approval sweep failed", zap.Error(err))
					} else if n > 0 {
						a.Logger.Info("expired queue items", zap.Int("count", n))
					}
				},
			},
		},
	}
}

type AbilityInfo struct {
	ability.Descriptor
	Enabled bool `json:"enabled"`
}

// Abilities lists the registry with each ability's enabled state.
func (a *App) Abilities(ctx context.Context) ([]AbilityInfo, error) {
	var out []AbilityInfo
	for _, d := range a.Registry.List() {
		enabled, err := a.Settings.Enabled(ctx, d.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, AbilityInfo{Descriptor: d, Enabled: enabled})
	}
	return out, nil
}

// SetAbilityEnabled persists an ability's enabled state and audits it.
func (a *App) SetAbilityEnabled(ctx context.Context, name string, enabled bool, actor auth.Actor) error {
	if err := actor.Require("manage_options"); err != nil {
		return err
	}
	if _, ok := a.Registry.Lookup(name); !ok {
		return fmt.Errorf("ability %s: %w", name, domain.ErrNotFound)
	}
	if err := a.Settings.SetEnabled(ctx, name, enabled); err != nil {
		return err
	}
	event, verb := "ability.enabled", "enabled"
	if !enabled {
		event, verb = "ability.disabled", "disabled"
	}
	return a.Audit.Record(ctx, domain.SourceSystem, event, actor.ID, fmt.Sprintf("%s %s", name, verb), audit.Payload{"ability": name})
}

// FlushCache empties the gateway response cache and audits the flush.
func (a *App) FlushCache(ctx context.Context, actor auth.Actor) (int, error) {
	if err := actor.Require("manage_options"); err != nil {
		return 0, err
	}
	n, err := a.Cache.Flush(ctx)
	if err != nil {
		return 0, fmt.Errorf("flush cache: %w", err)
	}
	return n, a.Audit.Record(ctx, domain.SourceSystem, "cache.flushed", actor.ID,
		fmt.Sprintf("flushed %d cached responses", n), audit.Payload{"removed": n})
}

// ResetCircuit closes the gateway breaker and audits the reset.
func (a *App) ResetCircuit(ctx context.Context, actor auth.Actor) (domain.CircuitState, error) {
	if err := actor.Require("manage_options"); err != nil {
		return domain.CircuitState{}, err
	}
	before := a.Breaker.Snapshot()
	a.Breaker.Reset()
	after := a.Breaker.Snapshot()
	err := a.Audit.Record(ctx, domain.SourceSystem, "circuit.reset", actor.ID,
		fmt.Sprintf("circuit %s reset", after.Name), audit.Payload{"circuit": after.Name, "previous_state": string(before.State)})
	return after, err
}

// SetFlag writes a feature flag.
func (a *App) SetFlag(ctx context.Context, key string, enabled bool, actor auth.Actor) (domain.FeatureFlag, error) {
	if err := actor.Require("manage_options"); err != nil {
		return domain.FeatureFlag{}, err
	}
	return a.Flags.Set(ctx, key, enabled, actor.ID)
}

// Approve approves a pending queue item and runs it.
func (a *App) Approve(ctx context.Context, id string, actor auth.Actor) (map[string]any, error) {
	if err := actor.Require("approve_abilities"); err != nil {
		return nil, err
	}
	return a.Queue.Approve(ctx, id, actor.ID)
}

// Reject discards a pending queue item.
func (a *App) Reject(ctx context.Context, id string, actor auth.Actor) error {
	if err := actor.Require("approve_abilities"); err != nil {
		return err
	}
	_, err := a.Queue.Reject(ctx, id, actor.ID)
	return err
}

// CreateAPIKey issues an API key for actorID and audits it. The plaintext is
// returned once.
func (a *App) CreateAPIKey(ctx context.Context, actorID, name string, roles []string, actor auth.Actor) (string, auth.APIKey, error) {
	if err := actor.Require("manage_options"); err != nil {
		return "", auth.APIKey{}, err
	}
	if _, err := a.Resolver.Actor(actorID, roles); err != nil {
		return "", auth.APIKey{}, domain.InvalidInputError{Field: "roles", Reason: err.Error()}
	}
	plain, key, err := a.APIKeys.Create(ctx, actorID, name, roles)
	if err != nil {
		return "", auth.APIKey{}, err
	}
	err = a.Audit.Record(ctx, domain.SourceSystem, "apikey.created", actor.ID,
		fmt.Sprintf("api key %s issued for %s", key.ID, actorID), audit.Payload{"key_id": key.ID, "actor": actorID, "roles": roles})
	return plain, key, err
}

// RevokeAPIKey deletes an API key and audits it.
func (a *App) RevokeAPIKey(ctx context.Context, id string, actor auth.Actor) error {
	if err := actor.Require("manage_options"); err != nil {
		return err
	}
	if err := a.APIKeys.Revoke(ctx, id); err != nil {
		return err
	}
	return a.Audit.Record(ctx, domain.SourceSystem, "apikey.revoked", actor.ID,
		fmt.Sprintf("api key %s revoked", id), audit.Payload{"key_id": id})
}
