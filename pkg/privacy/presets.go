package privacy

import (
	"strings"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

// Preset is a named bundle of privacy policy choices: which kinds are active,
// the default action per kind and the masking strategy used when masking.
type Preset struct {
	Name     string
	Actions  map[Kind]Action
	Strategy map[Kind]MaskStrategy
}

// actionFor returns the preset's directive for a kind, defaulting to block
// for kinds the preset does not speak about.
func (p Preset) actionFor(kind Kind) Action {
	if a, ok := p.Actions[kind]; ok {
		return a
	}
	return ActionBlock
}

func (p Preset) strategyFor(kind Kind) MaskStrategy {
	if s, ok := p.Strategy[kind]; ok {
		return s
	}
	return MaskRedact
}

var presets = map[string]Preset{
	"STRICT": {
		Name: "STRICT",
		Actions: map[Kind]Action{
			KindEmail:      ActionMask,
			KindPhone:      ActionMask,
			KindSSN:        ActionBlock,
			KindCreditCard: ActionBlock,
			KindIPAddress:  ActionMask,
			KindIBAN:       ActionBlock,
		},
		Strategy: map[Kind]MaskStrategy{
			KindEmail:     MaskRedact,
			KindPhone:     MaskRedact,
			KindIPAddress: MaskHash,
		},
	},
	"BALANCED": {
		Name: "BALANCED",
		Actions: map[Kind]Action{
			KindEmail:      ActionMask,
			KindPhone:      ActionMask,
			KindSSN:        ActionAsk,
			KindCreditCard: ActionBlock,
			KindIPAddress:  ActionFlag,
			KindIBAN:       ActionAsk,
		},
		Strategy: map[Kind]MaskStrategy{
			KindEmail: MaskPartial,
			KindPhone: MaskPartial,
		},
	},
	"PERMISSIVE": {
		Name: "PERMISSIVE",
		Actions: map[Kind]Action{
			KindEmail:      ActionLog,
			KindPhone:      ActionLog,
			KindSSN:        ActionMask,
			KindCreditCard: ActionMask,
			KindIPAddress:  ActionLog,
			KindIBAN:       ActionLog,
		},
		Strategy: map[Kind]MaskStrategy{
			KindSSN:        MaskTokenize,
			KindCreditCard: MaskPartial,
		},
	},
}

// LookupPreset resolves a preset by name, case-insensitively.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, domain.ErrUnknownPreset
	}
	return p, nil
}

// PresetNames lists the available presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
