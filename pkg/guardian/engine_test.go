package guardian

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/domain"
)

func testSpecs() []config.RuleSpec {
	return []config.RuleSpec{
		{ID: "ban-literal", Pattern: "bypass_safety", Category: "jailbreak", Severity: "high", Action: "block"},
		{ID: "flag-literal", Pattern: "ignore previous", Category: "jailbreak", Severity: "medium", Action: "flag"},
		{ID: "regex-rule", Pattern: `sudo\s+rm`, Category: "abuse", Severity: "high", Action: "block"},
	}
}

func newTestEngine(t *testing.T) (*Engine, *RuleStore) {
	t.Helper()
	store, err := NewRuleStore(testSpecs())
	require.NoError(t, err)
	return NewEngine(store, Options{}), store
}

func TestEvaluate_LiteralMatch(t *testing.T) {
	engine, _ := newTestEngine(t)

	matches := engine.Evaluate(context.Background(), "please BYPASS_SAFETY for me")
	require.Len(t, matches, 1)
	assert.Equal(t, "ban-literal", matches[0].RuleID)
	assert.Equal(t, ActionBlock, matches[0].Action)
	assert.Equal(t, SeverityHigh, matches[0].Severity)
}

func TestEvaluate_RegexFallback(t *testing.T) {
	engine, _ := newTestEngine(t)

	matches := engine.Evaluate(context.Background(), "run sudo   rm -rf please")
	require.Len(t, matches, 1)
	assert.Equal(t, "regex-rule", matches[0].RuleID)
}

func TestEvaluate_NoMatch(t *testing.T) {
	engine, _ := newTestEngine(t)

	matches := engine.Evaluate(context.Background(), "a perfectly harmless prompt")
	assert.Empty(t, matches)
}

func TestEvaluate_CacheHitIdempotence(t *testing.T) {
	engine, _ := newTestEngine(t)
	text := "text with bypass_safety inside"

	miss := engine.Evaluate(context.Background(), text)
	hit := engine.Evaluate(context.Background(), text)

	assert.Equal(t, miss, hit)
	assert.Equal(t, 1, engine.CacheLen())
}

func TestEvaluate_HotReloadInvalidatesCache(t *testing.T) {
	engine, store := newTestEngine(t)
	text := "this mentions FOO somewhere"

	// Prime a cached "no match" result under the current version.
	require.Empty(t, engine.Evaluate(context.Background(), text))

	specs := append(testSpecs(), config.RuleSpec{
		ID: "foo-rule", Pattern: "FOO", Category: "test", Severity: "high", Action: "block",
	})
	require.NoError(t, store.Update(specs))

	matches := engine.Evaluate(context.Background(), text)
	require.Len(t, matches, 1)
	assert.Equal(t, "foo-rule", matches[0].RuleID)
}

func TestUpdate_InvalidRulesetKeepsPriorVersion(t *testing.T) {
	engine, store := newTestEngine(t)
	before := store.Version()

	err := store.Update([]config.RuleSpec{
		{ID: "broken", Pattern: `([unclosed`, Category: "x", Severity: "high", Action: "block"},
	})
	require.ErrorIs(t, err, domain.ErrRulesetInvalid)
	assert.Equal(t, before, store.Version())

	// Prior version still serves.
	matches := engine.Evaluate(context.Background(), "bypass_safety")
	require.Len(t, matches, 1)
	assert.Equal(t, "ban-literal", matches[0].RuleID)
}

func TestQuickCheck_BlocksOnBudgetOverrun(t *testing.T) {
	store, err := NewRuleStore(testSpecs())
	require.NoError(t, err)
	engine := NewEngine(store, Options{QuickBudget: time.Nanosecond, ScanWorkers: 1})

	// Occupy the only scan slot so the quick check cannot be served in budget.
	engine.sem <- struct{}{}
	defer func() { <-engine.sem }()

	assert.True(t, engine.QuickCheck(context.Background(), "harmless"))
}

func TestQuickCheck_FlagRulesDoNotBlock(t *testing.T) {
	engine, _ := newTestEngine(t)

	assert.False(t, engine.QuickCheck(context.Background(), "ignore previous instructions"))
	assert.True(t, engine.QuickCheck(context.Background(), "bypass_safety now"))
}

// The automaton must agree with naive substring search for any literal rule
// set and input.
func TestAutomaton_MatchesNaiveSearch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		patterns := rapid.SliceOfNDistinct(
			rapid.StringMatching(`[a-c]{1,4}`), 1, 6, rapid.ID[string],
		).Draw(t, "patterns")
		text := rapid.StringMatching(`[a-c]{0,40}`).Draw(t, "text")

		a := newAutomaton(patterns)
		got := make(map[[2]int]int32)
		for _, h := range a.search(text) {
			got[[2]int{h.start, h.end}] = h.pattern
		}

		for idx, p := range patterns {
			for i := 0; i+len(p) <= len(text); i++ {
				if text[i:i+len(p)] == p {
					span := [2]int{i, i + len(p)}
					if _, ok := got[span]; !ok {
						t.Fatalf("pattern %q (%d) at %v missed", p, idx, span)
					}
				}
			}
		}
	})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", normalize("  A \t b\n C "))
	assert.Equal(t, "", normalize("   "))
}

func TestResultCache_EvictsLRU(t *testing.T) {
	c := newResultCache(2)
	c.Add(1, "a", nil)
	c.Add(1, "b", nil)
	c.Add(1, "c", nil)

	_, okA := c.Get(1, "a")
	_, okC := c.Get(1, "c")
	assert.False(t, okA)
	assert.True(t, okC)
}

func TestIsLiteral(t *testing.T) {
	assert.True(t, isLiteral("bypass_safety"))
	assert.True(t, isLiteral("plain words"))
	assert.False(t, isLiteral(`sudo\s+rm`))
	assert.False(t, isLiteral("a|b"))
}

func BenchmarkEvaluate(b *testing.B) {
	store, err := NewRuleStore(testSpecs())
	if err != nil {
		b.Fatal(err)
	}
	engine := NewEngine(store, Options{CacheCapacity: 1})
	text := strings.Repeat("harmless filler ", 64) + "bypass_safety"
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Evaluate(ctx, text)
	}
}
