package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// MaskStrategy selects how a detected span is rewritten.
type MaskStrategy string

const (
	// MaskRedact replaces the span with a kind-tagged placeholder.
	MaskRedact MaskStrategy = "redact"
	// MaskPartial keeps the trailing characters for recognisability.
	MaskPartial MaskStrategy = "partial"
	// MaskHash replaces the span with a short stable digest.
	MaskHash MaskStrategy = "hash"
	// MaskTokenize replaces the span with a reversible-looking token tag.
	MaskTokenize MaskStrategy = "tokenize"
	// MaskAuditOnly leaves the text unchanged; the detection is only logged.
	MaskAuditOnly MaskStrategy = "audit"
	// MaskNone leaves the text unchanged.
	MaskNone MaskStrategy = "none"
)

// ParseMaskStrategy normalises a strategy string, defaulting to redact.
func ParseMaskStrategy(s string) MaskStrategy {
	switch MaskStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case MaskPartial:
		return MaskPartial
	case MaskHash:
		return MaskHash
	case MaskTokenize:
		return MaskTokenize
	case MaskAuditOnly:
		return MaskAuditOnly
	case MaskNone:
		return MaskNone
	default:
		return MaskRedact
	}
}

// maskValue rewrites a single detected value with the given strategy.
func maskValue(strategy MaskStrategy, kind Kind, value string) string {
	switch strategy {
	case MaskPartial:
		const keep = 4
		if len(value) <= keep {
			return strings.Repeat("*", len(value))
		}
		return strings.Repeat("*", len(value)-keep) + value[len(value)-keep:]
	case MaskHash:
		sum := sha256.Sum256([]byte(value))
		return fmt.Sprintf("[%s:%s]", kind, hex.EncodeToString(sum[:])[:12])
	case MaskTokenize:
		sum := sha256.Sum256([]byte(value))
		return fmt.Sprintf("{{%s_%s}}", strings.ToUpper(string(kind)), hex.EncodeToString(sum[:])[:8])
	case MaskAuditOnly, MaskNone:
		return value
	default:
		return fmt.Sprintf("[REDACTED:%s]", kind)
	}
}

// applyMask rewrites every detection span in text, processing spans back to
// front so earlier offsets stay valid.
func applyMask(text string, detections []Detection, strategyFor func(Kind) MaskStrategy) string {
	ordered := make([]Detection, len(detections))
	copy(ordered, detections)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	out := text
	lastStart := len(text) + 1
	for _, det := range ordered {
		if det.End > lastStart {
			// Overlapping span already rewritten by a later detection.
			continue
		}
		replacement := maskValue(strategyFor(det.Kind), det.Kind, det.Value)
		out = out[:det.Start] + replacement + out[det.End:]
		lastStart = det.Start
	}
	return out
}
