package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{})
	require.NoError(t, err)
	return engine
}

func TestShouldBlock_HighSeverityBlockRule(t *testing.T) {
	engine := newTestEngine(t)

	block, err := engine.ShouldBlock(context.Background(), EnforcementInput{
		Tier: "USER", Category: "jailbreak", Severity: "high", Action: "block", RiskBand: "low",
	})
	require.NoError(t, err)
	assert.True(t, block)
}

func TestShouldBlock_MediumSeverityPassesForUser(t *testing.T) {
	engine := newTestEngine(t)

	block, err := engine.ShouldBlock(context.Background(), EnforcementInput{
		Tier: "USER", Category: "jailbreak", Severity: "medium", Action: "block", RiskBand: "low",
	})
	require.NoError(t, err)
	assert.False(t, block)
}

func TestShouldBlock_PrivilegedTierRaisesThreshold(t *testing.T) {
	engine := newTestEngine(t)

	high, err := engine.ShouldBlock(context.Background(), EnforcementInput{
		Tier: "PRIVILEGED", Category: "abuse", Severity: "high", Action: "block", RiskBand: "low",
	})
	require.NoError(t, err)
	assert.False(t, high)

	critical, err := engine.ShouldBlock(context.Background(), EnforcementInput{
		Tier: "PRIVILEGED", Category: "abuse", Severity: "critical", Action: "block", RiskBand: "low",
	})
	require.NoError(t, err)
	assert.True(t, critical)
}

func TestShouldBlock_HighRiskEscalatesFlagRules(t *testing.T) {
	engine := newTestEngine(t)

	calm, err := engine.ShouldBlock(context.Background(), EnforcementInput{
		Tier: "USER", Category: "jailbreak", Severity: "high", Action: "flag", RiskBand: "low",
	})
	require.NoError(t, err)
	assert.False(t, calm)

	risky, err := engine.ShouldBlock(context.Background(), EnforcementInput{
		Tier: "USER", Category: "jailbreak", Severity: "high", Action: "flag", RiskBand: "high",
	})
	require.NoError(t, err)
	assert.True(t, risky)
}

func TestShouldBlock_UnknownSeverityBlocks(t *testing.T) {
	engine := newTestEngine(t)

	block, err := engine.ShouldBlock(context.Background(), EnforcementInput{
		Tier: "USER", Category: "x", Severity: "bogus", Action: "block", RiskBand: "low",
	})
	require.NoError(t, err)
	assert.True(t, block)
}

func TestShouldSuspend_ThresholdApplies(t *testing.T) {
	engine := newTestEngine(t)

	below, err := engine.ShouldSuspend(context.Background(), SuspensionInput{
		Tier: "USER", Violations: 2, Threshold: 3,
	})
	require.NoError(t, err)
	assert.False(t, below)

	at, err := engine.ShouldSuspend(context.Background(), SuspensionInput{
		Tier: "USER", Violations: 3, Threshold: 3,
	})
	require.NoError(t, err)
	assert.True(t, at)
}

func TestShouldSuspend_ZeroThresholdUsesDefault(t *testing.T) {
	engine := newTestEngine(t)

	suspend, err := engine.ShouldSuspend(context.Background(), SuspensionInput{
		Tier: "USER", Violations: 5, Threshold: 0,
	})
	require.NoError(t, err)
	assert.True(t, suspend)
}

func TestNewEngine_RejectsBrokenModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package aegis.enforcement\n\nbogus {"},
	})
	require.Error(t, err)
}

func TestDecisionCache_ServesRepeatInputs(t *testing.T) {
	engine := newTestEngine(t)
	input := EnforcementInput{Tier: "USER", Category: "c", Severity: "high", Action: "block", RiskBand: "low"}

	first, err := engine.ShouldBlock(context.Background(), input)
	require.NoError(t, err)
	second, err := engine.ShouldBlock(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	engine.FlushCache()
	third, err := engine.ShouldBlock(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}
