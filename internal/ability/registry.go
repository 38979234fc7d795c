// Package ability holds the catalog of named side-effecting operations and the
// dispatcher that authorizes, validates, gates and runs them.
package ability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"steward/internal/auth"
	"steward/internal/domain"
)

// Handler performs an ability's side effect. A returned error, or a result map
// carrying an "error" string, is reported as an upstream failure.
type Handler interface {
	Execute(ctx context.Context, input map[string]any, actor auth.Actor) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, input map[string]any, actor auth.Actor) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, input map[string]any, actor auth.Actor) (map[string]any, error) {
	return f(ctx, input, actor)
}

type Descriptor struct {
	Name               string   `json:"name"`
	Label              string   `json:"label"`
	Description        string   `json:"description,omitempty"`
	RequiredCapability string   `json:"required_capability"`
	RequiresApproval   bool     `json:"requires_approval"`
	InputSchema        string   `json:"input_schema,omitempty"`
	SecretFields       []string `json:"secret_fields,omitempty"`
	Handler            Handler  `json:"-"`
}

var namePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*/[a-z0-9]+(-[a-z0-9]+)*$`)

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry is populated at startup and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds d, compiling its input schema.
func (r *Registry) Register(d Descriptor) error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("ability name %q must have the form category/action", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("ability %s: handler required", d.Name)
	}
	if strings.TrimSpace(d.RequiredCapability) == "" {
		return fmt.Errorf("ability %s: required capability missing", d.Name)
	}
	e := entry{desc: d}
	if strings.TrimSpace(d.InputSchema) != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://steward.local/abilities/%s.schema.json", d.Name)
		if err := c.AddResource(schemaURL, strings.NewReader(d.InputSchema)); err != nil {
			return fmt.Errorf("ability %s: schema load failed: %w", d.Name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return fmt.Errorf("ability %s: schema compile failed: %w", d.Name, err)
		}
		e.schema = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = map[string]entry{}
	}
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("ability %s already registered", d.Name)
	}
	r.entries[d.Name] = e
	return nil
}

// MustRegister panics on a registration error; for static catalogs.
func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.desc, ok
}

// List returns descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks input against the ability's schema and returns an
// InvalidInputError carrying the first violation.
func (r *Registry) Validate(name string, input map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ability %s: %w", name, domain.ErrNotFound)
	}
	doc, err := normalize(input)
	if err != nil {
		return domain.InvalidInputError{Ability: name, Reason: err.Error()}
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := firstViolation(ve)
			return domain.InvalidInputError{Ability: name, Field: leaf.InstanceLocation, Reason: leaf.Message}
		}
		return domain.InvalidInputError{Ability: name, Reason: err.Error()}
	}
	return nil
}

// normalize re-decodes input the way a JSON request body would arrive, so
// validation sees json.Number instead of Go integer types and rejects values
// that could not be persisted.
func normalize(input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// firstViolation descends to a leaf cause. Siblings are ordered by location so
// the same input always reports the same violation.
func firstViolation(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		next := ve.Causes[0]
		for _, c := range ve.Causes[1:] {
			if c.InstanceLocation < next.InstanceLocation ||
				(c.InstanceLocation == next.InstanceLocation && c.KeywordLocation < next.KeywordLocation) {
				next = c
			}
		}
		ve = next
	}
	return ve
}
