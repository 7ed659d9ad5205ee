package guardian

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/domain"
)

// ruleset is one immutable, version-stamped compilation of the rule file.
// Readers obtain the whole set through a single atomic pointer load and keep
// using it for the duration of an evaluation; reload never mutates a live set.
type ruleset struct {
	version  uint64
	rules    []Rule
	literal  *automaton // matches rules without regex metacharacters
	litIdx   []int      // automaton pattern index -> rules index
	regexes  []*regexp.Regexp
	regexIdx []int // regexes index -> rules index
}

// RuleStore holds the active ruleset behind an atomically swapped reference.
type RuleStore struct {
	active  atomic.Pointer[ruleset]
	counter atomic.Uint64
}

// NewRuleStore compiles the initial rule specs. Construction fails if the
// specs do not compile; there is no prior version to fall back to at startup.
func NewRuleStore(specs []config.RuleSpec) (*RuleStore, error) {
	s := &RuleStore{}
	rs, err := s.compile(specs)
	if err != nil {
		return nil, err
	}
	s.active.Store(rs)
	return s, nil
}

// Update compiles and atomically swaps in a new ruleset version. A compile
// failure rejects the update and keeps the current version serving.
func (s *RuleStore) Update(specs []config.RuleSpec) error {
	rs, err := s.compile(specs)
	if err != nil {
		return fmt.Errorf("ruleset update rejected: %w", err)
	}
	s.active.Store(rs)
	return nil
}

// Version returns the active ruleset version.
func (s *RuleStore) Version() uint64 {
	return s.active.Load().version
}

// Rules returns the active rules for introspection.
func (s *RuleStore) Rules() []Rule {
	rs := s.active.Load()
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

func (s *RuleStore) snapshot() *ruleset {
	return s.active.Load()
}

func (s *RuleStore) compile(specs []config.RuleSpec) (*ruleset, error) {
	if err := config.ValidateRules(specs); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRulesetInvalid, err)
	}

	rs := &ruleset{version: s.counter.Add(1)}

	var patterns []string
	for i, spec := range specs {
		rule := Rule{
			ID:       strings.TrimSpace(spec.ID),
			Pattern:  spec.Pattern,
			Category: strings.TrimSpace(spec.Category),
			Severity: ParseSeverity(spec.Severity),
			Action:   ParseAction(spec.Action),
		}
		rs.rules = append(rs.rules, rule)

		if isLiteral(spec.Pattern) {
			patterns = append(patterns, strings.ToLower(spec.Pattern))
			rs.litIdx = append(rs.litIdx, i)
			continue
		}

		expr, err := regexp.Compile("(?i)" + spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrRulesetInvalid, rule.ID, err)
		}
		rs.regexes = append(rs.regexes, expr)
		rs.regexIdx = append(rs.regexIdx, i)
	}

	if len(patterns) > 0 {
		rs.literal = newAutomaton(patterns)
	}

	return rs, nil
}

// isLiteral reports whether the pattern is a plain substring with no regex
// metacharacters and can be served by the automaton.
func isLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, `\.+*?()|[]{}^$`)
}
