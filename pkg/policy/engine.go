// Package policy evaluates enforcement decisions with an embedded OPA
// instance. Thresholds that tie guardian severity, trust tier and risk into a
// block/suspend decision are Rego policy, not code.
package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default policy decision path (e.g. "aegis/enforcement").
	Entrypoint string
	// Modules contains the Rego modules loaded into the engine. Empty selects
	// the built-in default module.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Engine evaluates enforcement policy using an embedded OPA SDK instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

const (
	defaultEntrypoint    = "aegis/enforcement"
	defaultCacheCapacity = 1024
)

// NewEngine constructs an Engine for the supplied configuration.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	modules := opts.Modules
	if len(modules) == 0 {
		modules = DefaultModules()
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	moduleOrder := make([]string, 0, len(modules))
	for name := range modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	// Warm the default entrypoint to surface syntax errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// EnforcementInput describes one guardian detection in its request context.
type EnforcementInput struct {
	Tier     string
	Category string
	Severity string
	Action   string
	RiskBand string
}

// ShouldBlock reports whether policy requires blocking for the given
// detection. Errors are for the caller to resolve fail-closed.
func (e *Engine) ShouldBlock(ctx context.Context, input EnforcementInput) (bool, error) {
	payload := map[string]any{
		"kind":      "enforcement",
		"tier":      input.Tier,
		"category":  input.Category,
		"severity":  input.Severity,
		"action":    input.Action,
		"risk_band": input.RiskBand,
	}
	decision, err := e.evaluate(ctx, e.entrypoint, payload)
	if err != nil {
		return false, err
	}
	block, ok := decision["block"].(bool)
	if !ok {
		return false, errors.New("policy decision missing block verdict")
	}
	return block, nil
}

// SuspensionInput describes a user's violation standing.
type SuspensionInput struct {
	Tier       string
	Violations int
	Threshold  int
}

// ShouldSuspend reports whether policy moves the user into suspension.
func (e *Engine) ShouldSuspend(ctx context.Context, input SuspensionInput) (bool, error) {
	payload := map[string]any{
		"kind":       "suspension",
		"tier":       input.Tier,
		"violations": input.Violations,
		"threshold":  input.Threshold,
	}
	decision, err := e.evaluate(ctx, e.entrypoint, payload)
	if err != nil {
		return false, err
	}
	suspend, ok := decision["suspend"].(bool)
	if !ok {
		return false, errors.New("policy decision missing suspend verdict")
	}
	return suspend, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) evaluate(ctx context.Context, entry string, payload map[string]any) (map[string]any, error) {
	key, cacheable := cacheKey(entry, payload)
	if cacheable && e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return nil, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, errors.New("opa decision: empty result")
	}

	decision, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	if cacheable && e.cache != nil {
		e.cache.Add(key, decision)
	}
	return decision, nil
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

	// Another goroutine may have already prepared the query; keep the first.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey hashes the entrypoint and scalar payload fields. Payloads carrying
// non-scalar values are not cached.
func cacheKey(entry string, payload map[string]any) (string, bool) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(entry))
	h.Write([]byte{0})
	for _, k := range keys {
		var val string
		switch v := payload[k].(type) {
		case string:
			val = v
		case bool:
			val = fmt.Sprintf("%t", v)
		case int:
			val = fmt.Sprintf("%d", v)
		case float64:
			val = fmt.Sprintf("%g", v)
		default:
			return "", false
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(val))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value map[string]any
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
