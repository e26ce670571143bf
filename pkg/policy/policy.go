package policy

import (
	"context"
	"errors"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow lets the remote server proceed to authentication.
	ActionAllow Action = "allow"
	// ActionBlock refuses the remote server.
	ActionBlock Action = "block"
)

// Decision captures the result from a filter evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Allowed reports whether the decision admits the remote server.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Input provides context for policy evaluation.
type Input struct {
	RemoteDomain string
	LocalDomain  string
	Attributes   map[string]any
	Generation   string
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, input Input) (Decision, error)

// Evaluate calls f.
func (f FilterFunc) Evaluate(ctx context.Context, input Input) (Decision, error) {
	return f(ctx, input)
}

// Chain composes multiple filters, short-circuiting on terminal decisions.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain. Nil filters are skipped.
func NewChain(filters ...Filter) Chain {
	kept := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			kept = append(kept, f)
		}
	}
	return Chain{filters: kept}
}

// Evaluate executes the chain until a terminal decision is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		switch decision.Action {
		case ActionAllow:
			// continue evaluating subsequent filters
		case ActionBlock:
			return decision, nil
		default:
			return Decision{}, errors.New("unknown policy action")
		}
	}

	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}
