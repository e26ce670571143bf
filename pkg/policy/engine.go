package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default policy decision path (e.g. "s2s/access").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates access decisions using an embedded OPA instance.
//
// The entrypoint may evaluate to a boolean (true admits the remote server)
// or to an object with "action", "reason" and "metadata" keys.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *lru.Cache[string, Decision]
	queries       map[string]*rego.PreparedEvalQuery
	logger        *slog.Logger
	mu            sync.RWMutex
}

const (
	defaultEntrypoint    = "s2s/access"
	defaultCacheCapacity = 1024
)

// NewEngine constructs an Engine for the supplied modules and entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *lru.Cache[string, Decision]
	if maxEntries > 0 {
		var err error
		if cache, err = lru.New[string, Decision](maxEntries); err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(moduleOrder))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
		logger:        logger.With("component", "policy_engine"),
	}

	// Warm the default entrypoint to surface syntax errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// Evaluate executes the policy using the supplied input and converts the result.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	payload := map[string]any{
		"remote_domain":     input.RemoteDomain,
		"local_domain":      input.LocalDomain,
		"policy_generation": strings.TrimSpace(input.Generation),
		"attributes":        cloneAnyMap(input.Attributes),
	}

	cacheKey, shouldCache := e.cacheKey(entry, input)
	if shouldCache {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("policy returned no result", "entrypoint", entry, "remote", input.RemoteDomain)
		return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
	}

	decision, err := convertResult(results[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, err
	}
	e.logger.Debug("policy decision",
		"entrypoint", entry,
		"remote", input.RemoteDomain,
		"action", string(decision.Action),
		"reason", decision.Reason)

	if shouldCache {
		e.cache.Add(cacheKey, decision)
	}

	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}

	e.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey identifies a decision by entrypoint, domains and list
// generation. Inputs without a remote domain or generation, or with
// free-form attributes, are never cached.
func (e *Engine) cacheKey(entry string, input Input) (string, bool) {
	if e.cache == nil || input.DisableCache || len(input.Attributes) > 0 {
		return "", false
	}
	remote := strings.TrimSpace(input.RemoteDomain)
	generation := strings.TrimSpace(input.Generation)
	if remote == "" || generation == "" {
		return "", false
	}
	return strings.Join([]string{entry, remote, strings.TrimSpace(input.LocalDomain), generation}, "\x00"), true
}

func convertResult(value any) (Decision, error) {
	switch typed := value.(type) {
	case bool:
		if typed {
			return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
		}
		return Decision{Action: ActionBlock, Reason: "denied by policy", Metadata: map[string]string{}}, nil
	case map[string]any:
		action, err := parseAction(typed["action"])
		if err != nil {
			return Decision{}, err
		}
		reason, _ := typed["reason"].(string)
		return Decision{Action: action, Reason: reason, Metadata: parseMetadata(typed["metadata"])}, nil
	default:
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

func cloneDecision(dec Decision) Decision {
	return Decision{
		Action:   dec.Action,
		Reason:   dec.Reason,
		Metadata: cloneStringMap(dec.Metadata),
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionAllow, nil
	}
	text, ok := value.(string)
	if !ok {
		return Action(""), fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch Action(strings.ToLower(text)) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionBlock, "deny":
		return ActionBlock, nil
	default:
		return Action(""), fmt.Errorf("opa decision: unknown action %q", text)
	}
}

func parseMetadata(value any) map[string]string {
	switch typed := value.(type) {
	case map[string]string:
		return cloneStringMap(typed)
	case map[string]any:
		result := make(map[string]string, len(typed))
		for key, raw := range typed {
			if str, ok := raw.(string); ok {
				result[key] = str
			}
		}
		return result
	default:
		return map[string]string{}
	}
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
