package ability

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"steward/internal/auth"
)

// Exemptions are CEL rules that let an actor skip the approval gate, for
// example `ability == "post/update-meta" && "administrator" in actor.roles`.
// A rule that fails to evaluate never exempts.
type Exemptions struct {
	rules []exemptionRule
}

type exemptionRule struct {
	expr string
	prg  cel.Program
}

func NewExemptions(exprs []string) (*Exemptions, error) {
	env, err := cel.NewEnv(
		cel.Variable("ability", cel.StringType),
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	ex := &Exemptions{}
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("exemption %q: %w", expr, issues.Err())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("exemption %q: %w", expr, err)
		}
		ex.rules = append(ex.rules, exemptionRule{expr: expr, prg: prg})
	}
	return ex, nil
}

// Exempt reports whether any rule matches. Evaluation errors are returned
// alongside false so callers can log them.
func (e *Exemptions) Exempt(ability string, actor auth.Actor) (bool, error) {
	if e == nil || len(e.rules) == 0 {
		return false, nil
	}
	roles := actor.Roles
	if roles == nil {
		roles = []string{}
	}
	caps := actor.Capabilities
	if caps == nil {
		caps = []string{}
	}
	vars := map[string]any{
		"ability": ability,
		"actor": map[string]any{
			"id":           actor.ID,
			"roles":        roles,
			"capabilities": caps,
		},
	}
	var firstErr error
	for _, r := range e.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("exemption %q: %w", r.expr, err)
			}
			continue
		}
		if v, ok := out.Value().(bool); ok && v {
			return true, nil
		}
	}
	return false, firstErr
}
