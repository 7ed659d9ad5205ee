package privacy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type memDisclosures struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func newMemDisclosures() *memDisclosures {
	return &memDisclosures{seen: make(map[string]map[string]struct{})}
}

func (m *memDisclosures) Seen(_ context.Context, contextID, entity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[contextID][entity]
	return ok, nil
}

func (m *memDisclosures) Record(_ context.Context, contextID string, entities []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[contextID] == nil {
		m.seen[contextID] = make(map[string]struct{})
	}
	for _, e := range entities {
		m.seen[contextID][e] = struct{}{}
	}
	return nil
}

func newTestEngine(t *testing.T, preset string) (*Engine, *Detector) {
	t.Helper()
	detector := NewDetector(2)
	t.Cleanup(detector.Close)
	engine, err := NewEngine(detector, Options{Preset: preset, Disclosure: newMemDisclosures()})
	require.NoError(t, err)
	return engine, detector
}

func TestProcess_SSNUnderStrictBlocks(t *testing.T) {
	engine, _ := newTestEngine(t, "STRICT")

	result := engine.Process(context.Background(), Request{
		Text: "My SSN is 123-45-6789",
		Mode: ModeSingular,
	})

	assert.Equal(t, ActionBlock, result.Action)
	assert.Empty(t, result.MaskedText)
	assert.False(t, result.RequiresUserInput)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, KindSSN, result.Matches[0].Kind)
}

func TestProcess_EmailUnderStrictMasks(t *testing.T) {
	engine, _ := newTestEngine(t, "STRICT")

	result := engine.Process(context.Background(), Request{
		Text: "reach me at alice@example.com thanks",
		Mode: ModeSingular,
	})

	assert.Equal(t, ActionMask, result.Action)
	assert.NotContains(t, result.MaskedText, "alice@example.com")
	assert.Contains(t, result.MaskedText, "[REDACTED:email]")
}

func TestProcess_CleanTextPasses(t *testing.T) {
	engine, _ := newTestEngine(t, "STRICT")

	text := "the weather is nice today"
	result := engine.Process(context.Background(), Request{Text: text, Mode: ModeSingular})

	assert.Equal(t, ActionLog, result.Action)
	assert.Equal(t, text, result.MaskedText)
	assert.Empty(t, result.Matches)
}

func TestProcess_AskRequiresUserInput(t *testing.T) {
	engine, _ := newTestEngine(t, "BALANCED")

	result := engine.Process(context.Background(), Request{
		Text: "ssn 123-45-6789",
		Mode: ModeSingular,
	})

	assert.Equal(t, ActionAsk, result.Action)
	assert.True(t, result.RequiresUserInput)
	assert.NotContains(t, result.MaskedText, "123-45-6789")
	assert.Contains(t, result.MaskedText, "[REDACTED:ssn]")
}

func TestProcess_PriorChoiceResolvesAsk(t *testing.T) {
	engine, _ := newTestEngine(t, "BALANCED")
	req := Request{Text: "ssn 123-45-6789", Mode: ModeSingular}

	req.Choice = ChoiceMask
	masked := engine.Process(context.Background(), req)
	assert.Equal(t, ActionMask, masked.Action)
	assert.NotContains(t, masked.MaskedText, "123-45-6789")

	req.Choice = ChoiceBlock
	blocked := engine.Process(context.Background(), req)
	assert.Equal(t, ActionBlock, blocked.Action)

	req.Choice = ChoiceAllow
	allowed := engine.Process(context.Background(), req)
	assert.Equal(t, ActionLog, allowed.Action)
	assert.Equal(t, req.Text, allowed.MaskedText)
}

func TestProcess_CollaborativeRedisclosureDowngrades(t *testing.T) {
	engine, _ := newTestEngine(t, "STRICT")
	req := Request{
		Text:      "mail bob@example.com today",
		Mode:      ModeCollaborative,
		ContextID: "ws-1",
	}

	first := engine.Process(context.Background(), req)
	assert.Equal(t, ActionMask, first.Action)

	second := engine.Process(context.Background(), req)
	assert.Equal(t, ActionLog, second.Action)
	require.Len(t, second.Matches, 1)
	assert.True(t, second.Matches[0].Redisclose)
}

func TestProcess_DetectorDownResolvesToBlock(t *testing.T) {
	detector := NewDetector(1)
	engine, err := NewEngine(detector, Options{Preset: "PERMISSIVE"})
	require.NoError(t, err)
	detector.Close()

	result := engine.Process(context.Background(), Request{
		Text: "anything at all",
		Mode: ModeSingular,
	})

	assert.Equal(t, ActionBlock, result.Action)
}

func TestProcess_PresetChangeAppliesOnCacheHit(t *testing.T) {
	engine, _ := newTestEngine(t, "PERMISSIVE")
	req := Request{Text: "card 4111 1111 1111 1111", Mode: ModeSingular}

	first := engine.Process(context.Background(), req)
	assert.Equal(t, ActionMask, first.Action)

	require.NoError(t, engine.SetPreset("STRICT"))

	second := engine.Process(context.Background(), req)
	assert.Equal(t, ActionBlock, second.Action)
	assert.Equal(t, "STRICT", second.Preset)
}

// Masking detected PII and re-scanning the masked text with the same preset
// must find no further matches of the masked kinds.
func TestMaskRescanRoundTrip(t *testing.T) {
	engine, detector := newTestEngine(t, "STRICT")

	samples := []string{
		"write to carol@example.org and dave@example.org",
		"my server is 192.168.1.50 email root@example.com",
		"call +1 (415) 555-0134 about the invoice",
	}

	for _, text := range samples {
		result := engine.Process(context.Background(), Request{Text: text, Mode: ModeSingular})
		require.Equal(t, ActionMask, result.Action, "sample %q", text)

		maskedKinds := make(map[Kind]struct{})
		for _, m := range result.Matches {
			if m.Action == ActionMask {
				maskedKinds[m.Kind] = struct{}{}
			}
		}

		rescan, err := detector.Scan(context.Background(), result.MaskedText, nil)
		require.NoError(t, err)
		for _, det := range rescan {
			_, wasMasked := maskedKinds[det.Kind]
			assert.False(t, wasMasked, "kind %s survived masking in %q", det.Kind, result.MaskedText)
		}
	}
}

func TestLuhnValidation(t *testing.T) {
	detector := NewDetector(1)
	defer detector.Close()

	valid, err := detector.Scan(context.Background(), "pay with 4111 1111 1111 1111", []Kind{KindCreditCard})
	require.NoError(t, err)
	assert.Len(t, valid, 1)

	invalid, err := detector.Scan(context.Background(), "order 4111 1111 1111 1112", []Kind{KindCreditCard})
	require.NoError(t, err)
	assert.Empty(t, invalid)
}

func TestMaskValueStrategies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.StringMatching(`[a-z0-9@.]{5,30}`).Draw(t, "value")

		partial := maskValue(MaskPartial, KindEmail, value)
		assert.Len(t, partial, len(value))
		assert.True(t, strings.HasSuffix(value, strings.TrimLeft(partial, "*")) || strings.Trim(partial, "*") == "")

		hashed := maskValue(MaskHash, KindEmail, value)
		assert.NotContains(t, hashed, value)
		assert.Equal(t, hashed, maskValue(MaskHash, KindEmail, value))

		assert.Equal(t, value, maskValue(MaskNone, KindEmail, value))
		assert.Equal(t, value, maskValue(MaskAuditOnly, KindEmail, value))
	})
}

func TestDetectionCacheTTL(t *testing.T) {
	c := newDetectionCache(4, 10*time.Millisecond)
	c.Add("k", []Detection{{Kind: KindEmail}})

	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}
