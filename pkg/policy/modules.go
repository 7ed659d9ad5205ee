package policy

// defaultEnforcementModule is the built-in enforcement policy. Operators can
// replace it wholesale through EngineOptions.Modules; the decision contract
// is the {block, suspend} object at aegis/enforcement.
const defaultEnforcementModule = `package aegis.enforcement

import rego.v1

default block := false

default suspend := false

severity_weight := {"low": 1, "medium": 2, "high": 3, "critical": 4}

# Privileged callers only block on critical detections.
threshold := 4 if {
	input.tier == "PRIVILEGED"
} else := 3

weight := severity_weight[input.severity]

block if {
	input.kind == "enforcement"
	input.action == "block"
	weight >= threshold
}

# Elevated risk turns flag-only detections into blocks at high severity.
block if {
	input.kind == "enforcement"
	input.action == "flag"
	input.risk_band == "high"
	weight >= threshold
}

# A blocking rule with an unrecognised severity blocks unconditionally.
block if {
	input.kind == "enforcement"
	input.action == "block"
	not severity_weight[input.severity]
}

effective_threshold := t if {
	t := input.threshold
	t > 0
} else := 5

suspend if {
	input.kind == "suspension"
	input.violations >= effective_threshold
}
`

// DefaultModules returns the built-in Rego modules.
func DefaultModules() map[string]string {
	return map[string]string{
		"aegis_enforcement.rego": defaultEnforcementModule,
	}
}
