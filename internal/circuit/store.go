package circuit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"steward/internal/domain"
)

// MemoryStore keeps state for the life of the process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]domain.CircuitState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]domain.CircuitState{}}
}

func (m *MemoryStore) Load(_ context.Context, name string) (domain.CircuitState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	return s, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, state domain.CircuitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Name] = state
	return nil
}

// SQLStore persists state in the circuit_state table.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQLStore) Load(ctx context.Context, name string) (domain.CircuitState, bool, error) {
	var (
		state    domain.CircuitState
		status   string
		failures int64
		openedAt sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT state, consecutive_failures, opened_at FROM circuit_state WHERE name=?`, name).
		Scan(&status, &failures, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, false, nil
	}
	if err != nil {
		return state, false, err
	}
	state.Name = name
	state.State = domain.CircuitStatus(status)
	state.ConsecutiveFailures = uint(failures)
	if openedAt.Valid {
		t := time.Unix(0, openedAt.Int64).UTC()
		state.OpenedAt = &t
	}
	return state, true, nil
}

func (s SQLStore) Save(ctx context.Context, state domain.CircuitState) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	var openedAt any
	if state.OpenedAt != nil {
		openedAt = state.OpenedAt.UnixNano()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO circuit_state(name,state,consecutive_failures,opened_at,updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET state=excluded.state, consecutive_failures=excluded.consecutive_failures,
	opened_at=excluded.opened_at, updated_at=excluded.updated_at`,
		state.Name, string(state.State), int64(state.ConsecutiveFailures), openedAt, now().UnixNano())
	if err != nil {
		return fmt.Errorf("save circuit %s: %w", state.Name, err)
	}
	return nil
}

// RedisStore shares state between steward processes through a redis hash per
// circuit.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func (r RedisStore) key(name string) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "steward:circuit:"
	}
	return prefix + name
}

func (r RedisStore) Load(ctx context.Context, name string) (domain.CircuitState, bool, error) {
	var state domain.CircuitState
	fields, err := r.Client.HGetAll(ctx, r.key(name)).Result()
	if err != nil {
		return state, false, err
	}
	if len(fields) == 0 {
		return state, false, nil
	}
	state.Name = name
	state.State = domain.CircuitStatus(fields["state"])
	if v, err := strconv.ParseUint(fields["consecutive_failures"], 10, 64); err == nil {
		state.ConsecutiveFailures = uint(v)
	}
	if v, err := strconv.ParseInt(fields["opened_at"], 10, 64); err == nil && v > 0 {
		t := time.Unix(0, v).UTC()
		state.OpenedAt = &t
	}
	return state, true, nil
}

func (r RedisStore) Save(ctx context.Context, state domain.CircuitState) error {
	var openedAt int64
	if state.OpenedAt != nil {
		openedAt = state.OpenedAt.UnixNano()
	}
	return r.Client.HSet(ctx, r.key(state.Name),
		"state", string(state.State),
		"consecutive_failures", strconv.FormatUint(uint64(state.ConsecutiveFailures), 10),
		"opened_at", strconv.FormatInt(openedAt, 10),
	).Err()
}
