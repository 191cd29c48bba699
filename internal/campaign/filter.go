package campaign

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ignite/mailplane/internal/domain"
)

// Filter is a compiled recipient predicate. Expressions see the fields
// email, domain, first_name, last_name and the custom map, e.g.
// `domain == "example.com" && custom.plan == "premium"`.
type Filter struct {
	program *vm.Program
}

// CompileFilter compiles a filter expression. Empty source means match-all
// and returns a nil filter.
func CompileFilter(source string) (*Filter, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(filterEnv(domain.Recipient{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile recipient filter: %w", err)
	}
	return &Filter{program: program}, nil
}

// Match evaluates the filter for one recipient. A nil filter matches
// everything; evaluation errors exclude the recipient.
func (f *Filter) Match(r domain.Recipient) bool {
	if f == nil {
		return true
	}
	out, err := expr.Run(f.program, filterEnv(r))
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// Apply returns the recipients passing the filter.
func (f *Filter) Apply(recipients []domain.Recipient) []domain.Recipient {
	if f == nil {
		return recipients
	}
	var out []domain.Recipient
	for _, r := range recipients {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func filterEnv(r domain.Recipient) map[string]interface{} {
	custom := r.Custom
	if custom == nil {
		custom = map[string]string{}
	}
	return map[string]interface{}{
		"email":      r.Email,
		"domain":     r.Domain(),
		"first_name": r.FirstName,
		"last_name":  r.LastName,
		"custom":     custom,
	}
}
