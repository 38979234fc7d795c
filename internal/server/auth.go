package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"steward/internal/auth"
	"steward/internal/logging"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *zap.Logger
}

type actorKey struct{}

func withActor(ctx context.Context, a auth.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFromContext(ctx context.Context) (auth.Actor, huma.StatusError) {
	if a, ok := ctx.Value(actorKey{}).(auth.Actor); ok && a.ID != "" {
		return a, nil
	}
	return auth.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// Claims is the bearer token payload. Capabilities are granted on top of those
// implied by Roles.
type Claims struct {
	jwt.RegisteredClaims
	Roles        []string `json:"roles,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func authenticateJWT(token, secret string, resolver auth.Resolver) (auth.Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Actor{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Actor{}, err
	}
	if !parsed.Valid {
		return auth.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Actor{}, errors.New("subject claim required")
	}
	return resolver.Actor(claims.Subject, claims.Roles, claims.Capabilities...)
}

// SignToken issues an HS256 token for subject. Used by the CLI and tests.
func SignToken(secret, subject string, roles []string, capabilities ...string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Roles:            roles,
		Capabilities:     capabilities,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, resolver auth.Resolver, keys auth.APIKeys) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "docs"):         true,
		path.Join(basePath, "openapi.json"): true,
	}
	log := logging.OrNop(cfg.Logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			if authz == "" && apiKey != "" {
				actor, err := keys.Authenticate(req.Context(), resolver, apiKey)
				if err != nil {
					log.Debug("rejected api key", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			actor, err := authenticateJWT(token, cfg.JWTSecret, resolver)
			if err != nil {
				log.Debug("rejected bearer token", zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
