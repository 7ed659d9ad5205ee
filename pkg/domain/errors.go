package domain

import "errors"

// Common domain errors. Anything not in this list that escapes a stage is an
// internal error and collapses into the SAFETY_UNAVAILABLE deny path.
var (
	ErrStoreUnavailable     = errors.New("shared store unreachable")
	ErrStreamUnavailable    = errors.New("stream transport unreachable")
	ErrDetectorUnavailable  = errors.New("privacy detector unavailable")
	ErrRulesetInvalid       = errors.New("invalid ruleset")
	ErrEvaluationBudget     = errors.New("evaluation latency budget exceeded")
	ErrInvocationTimeout    = errors.New("model invocation timed out")
	ErrPostCheckTimeout     = errors.New("post-check timed out")
	ErrUnknownPreset        = errors.New("unknown privacy preset")
	ErrSuspensionUncertain  = errors.New("suspension state could not be determined")
	ErrPermanentFailure     = errors.New("permanent message failure")
)
