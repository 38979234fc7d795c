package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
)

const keyPrefix = "stw_"

// APIKey is a stored credential. Only the hash of the secret is kept.
type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	Roles     []string  `json:"roles"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// APIKeys stores hashed keys in the api_keys table.
type APIKeys struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s APIKeys) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create issues a key for actorID and returns the plaintext once.
func (s APIKeys) Create(ctx context.Context, actorID, name string, roles []string) (string, APIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", APIKey{}, errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", APIKey{}, err
	}
	plain := keyPrefix + hex.EncodeToString(buf)
	if roles == nil {
		roles = []string{}
	}
	key := APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		Roles:     roles,
		KeyHash:   HashAPIKey(plain),
		CreatedAt: s.now(),
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return "", APIKey{}, err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO api_keys(id, actor_id, name, roles_json, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(name), string(rolesJSON), key.KeyHash, key.CreatedAt.UnixNano())
	if err != nil {
		return "", APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return plain, key, nil
}

// Lookup finds the key matching plaintext.
func (s APIKeys) Lookup(ctx context.Context, plain string) (APIKey, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, actor_id, COALESCE(name,''), roles_json, key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`,
		HashAPIKey(plain))
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, fmt.Errorf("api key: %w", domain.ErrNotFound)
	}
	return key, err
}

// List returns keys newest first, optionally filtered by actor.
func (s APIKeys) List(ctx context.Context, actorID string) ([]APIKey, error) {
	query := `SELECT id, actor_id, COALESCE(name,''), roles_json, key_hash, created_at FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke deletes a key by id.
func (s APIKeys) Revoke(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Authenticate resolves plaintext to an Actor with the key's roles.
func (s APIKeys) Authenticate(ctx context.Context, r Resolver, plain string) (Actor, error) {
	if strings.TrimSpace(plain) == "" {
		return Actor{}, errors.New("api key required")
	}
	key, err := s.Lookup(ctx, plain)
	if err != nil {
		return Actor{}, err
	}
	return r.Actor(key.ActorID, key.Roles)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (APIKey, error) {
	var (
		key       APIKey
		rolesJSON string
		created   int64
	)
	if err := row.Scan(&key.ID, &key.ActorID, &key.Name, &rolesJSON, &key.KeyHash, &created); err != nil {
		return APIKey{}, err
	}
	if err := json.Unmarshal([]byte(rolesJSON), &key.Roles); err != nil {
		return APIKey{}, fmt.Errorf("decode roles of key %s: %w", key.ID, err)
	}
	key.CreatedAt = time.Unix(0, created).UTC()
	return key, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
