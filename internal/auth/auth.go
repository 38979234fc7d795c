package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"steward/internal/config"
	"steward/internal/domain"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Capability string
	ActorID    string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

func (e ForbiddenError) Is(target error) bool {
	return target == domain.ErrForbidden
}

// Actor is the identity an ability runs as. Capabilities are the resolved set,
// roles are kept for exemption rules and audit context.
type Actor struct {
	ID           string   `json:"id"`
	Roles        []string `json:"roles,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Can reports whether the actor holds capability.
func (a Actor) Can(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless the actor holds capability.
func (a Actor) Require(capability string) error {
	if capability == "" || a.Can(capability) {
		return nil
	}
	return ForbiddenError{Capability: capability, ActorID: a.ID}
}

// Resolver maps roles to capabilities from config.rbac.roles.
type Resolver struct {
	roles map[string][]string
}

func NewResolver(cfg *config.Config) Resolver {
	r := Resolver{roles: map[string][]string{}}
	if cfg == nil {
		return r
	}
	for id, role := range cfg.RBAC.Roles {
		r.roles[id] = append([]string(nil), role.Capabilities...)
	}
	return r
}

// Actor builds an Actor for id with the union of capabilities granted by roles
// plus any explicit extras (for example permissions carried in a token).
func (r Resolver) Actor(id string, roles []string, extra ...string) (Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Actor{}, errors.New("actor id required")
	}
	set := map[string]struct{}{}
	for _, role := range roles {
		caps, ok := r.roles[role]
		if !ok {
			return Actor{}, fmt.Errorf("unknown role %s", role)
		}
		for _, c := range caps {
			set[c] = struct{}{}
		}
	}
	for _, c := range extra {
		if c != "" {
			set[c] = struct{}{}
		}
	}
	caps := make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return Actor{ID: id, Roles: append([]string(nil), roles...), Capabilities: caps}, nil
}

// Roles returns the configured role ids sorted.
func (r Resolver) Roles() []string {
	out := make([]string, 0, len(r.roles))
	for id := range r.roles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// System is the actor used for scheduler-initiated work.
func System() Actor {
	return Actor{ID: "system", Roles: []string{"system"}}
}
