// Package guardian implements the rule-matching engine that gates request and
// response content: a multi-pattern literal automaton with a regex fallback,
// fronted by a version-stamped LRU result cache.
package guardian

import "strings"

// Severity represents the impact level of a rule match.
type Severity string

const (
	// SeverityLow indicates informational detections.
	SeverityLow Severity = "low"
	// SeverityMedium indicates a suspicious but not critical match.
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates a critical match that typically requires blocking.
	SeverityHigh Severity = "high"
	// SeverityCritical indicates a match that always blocks.
	SeverityCritical Severity = "critical"
)

// Weight orders severities for threshold comparisons.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity normalises a severity string. Unknown values map to critical
// so a typo in a rule file can only over-enforce, never under-enforce.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Action describes the enforcement decision attached to a rule.
type Action string

const (
	// ActionAllow records the detection without altering enforcement.
	ActionAllow Action = "allow"
	// ActionFlag records the detection for escalation scoring.
	ActionFlag Action = "flag"
	// ActionBlock denies the request when the rule matches.
	ActionBlock Action = "block"
)

// ParseAction normalises an action string, defaulting unknowns to block.
func ParseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAllow:
		return ActionAllow
	case ActionFlag:
		return ActionFlag
	default:
		return ActionBlock
	}
}

// Rule is an immutable compiled rule inside a ruleset version.
type Rule struct {
	ID       string
	Pattern  string
	Category string
	Severity Severity
	Action   Action
}

// Match represents a single detection produced by the engine.
type Match struct {
	RuleID   string
	Category string
	Severity Severity
	Action   Action
	Start    int
	End      int
}
