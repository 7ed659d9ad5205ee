package guardian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

const (
	defaultCacheCapacity = 4096
	defaultQuickBudget   = 50 * time.Millisecond
	defaultScanWorkers   = 8
)

// failClosedMatch is the synthetic detection returned when evaluation itself
// fails. A guardian that cannot evaluate must behave as if it matched.
var failClosedMatch = Match{
	RuleID:   "guardian.internal",
	Category: "internal",
	Severity: SeverityCritical,
	Action:   ActionBlock,
}

// Options tune the engine. Zero values select defaults.
type Options struct {
	CacheCapacity int
	QuickBudget   time.Duration
	ScanWorkers   int
}

// Engine evaluates text against the active ruleset. Scanning is dispatched to
// a bounded worker pool so large inputs never stall sibling requests, and
// results are cached in a version-stamped LRU.
type Engine struct {
	store  *RuleStore
	cache  *resultCache
	budget time.Duration
	sem    chan struct{}
}

// NewEngine constructs an Engine over the given rule store.
func NewEngine(store *RuleStore, opts Options) *Engine {
	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	budget := opts.QuickBudget
	if budget <= 0 {
		budget = defaultQuickBudget
	}
	workers := opts.ScanWorkers
	if workers <= 0 {
		workers = defaultScanWorkers
	}
	return &Engine{
		store:  store,
		cache:  newResultCache(capacity),
		budget: budget,
		sem:    make(chan struct{}, workers),
	}
}

// Evaluate returns every rule match for the given text under the active
// ruleset version. Evaluation failure yields a synthetic blocking match.
func (e *Engine) Evaluate(ctx context.Context, text string) []Match {
	rs := e.store.snapshot()
	normalized := normalize(text)
	key := hashKey(normalized)

	if matches, ok := e.cache.Get(rs.version, key); ok {
		return matches
	}

	matches, err := e.scan(ctx, rs, normalized)
	if err != nil {
		return []Match{failClosedMatch}
	}

	e.cache.Add(rs.version, key, matches)
	return matches
}

// QuickCheck reports whether any blocking rule matches within the latency
// budget. Budget overrun is resolved as a match.
func (e *Engine) QuickCheck(ctx context.Context, text string) bool {
	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	for _, m := range e.Evaluate(ctx, text) {
		if m.Action == ActionBlock {
			return true
		}
	}
	return false
}

// CacheLen exposes the live cache size for metrics.
func (e *Engine) CacheLen() int {
	return e.cache.Len()
}

// scan runs the automaton and regex passes on the bounded pool, bailing out
// when ctx expires before a slot frees up or the scan finishes.
func (e *Engine) scan(ctx context.Context, rs *ruleset, normalized string) ([]Match, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for scan slot: %v", domain.ErrEvaluationBudget, ctx.Err())
	}

	type scanResult struct {
		matches []Match
		err     error
	}
	ch := make(chan scanResult, 1)

	go func() {
		defer func() { <-e.sem }()
		defer func() {
			if r := recover(); r != nil {
				ch <- scanResult{err: context.Canceled}
			}
		}()
		ch <- scanResult{matches: scanRuleset(rs, normalized)}
	}()

	select {
	case res := <-ch:
		return res.matches, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrEvaluationBudget, ctx.Err())
	}
}

func scanRuleset(rs *ruleset, normalized string) []Match {
	var matches []Match

	if rs.literal != nil {
		for _, h := range rs.literal.search(normalized) {
			rule := rs.rules[rs.litIdx[h.pattern]]
			matches = append(matches, Match{
				RuleID:   rule.ID,
				Category: rule.Category,
				Severity: rule.Severity,
				Action:   rule.Action,
				Start:    h.start,
				End:      h.end,
			})
		}
	}

	for i, expr := range rs.regexes {
		rule := rs.rules[rs.regexIdx[i]]
		for _, span := range expr.FindAllStringIndex(normalized, -1) {
			matches = append(matches, Match{
				RuleID:   rule.ID,
				Category: rule.Category,
				Severity: rule.Severity,
				Action:   rule.Action,
				Start:    span[0],
				End:      span[1],
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start == matches[j].Start {
			return matches[i].End < matches[j].End
		}
		return matches[i].Start < matches[j].Start
	})

	return matches
}

// normalize lowercases and collapses whitespace so trivially obfuscated input
// hashes and matches consistently.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func hashKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
