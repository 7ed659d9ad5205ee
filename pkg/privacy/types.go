// Package privacy implements PII detection and the masking/blocking engine
// that shields request and response text before it reaches the model or the
// caller.
package privacy

import "time"

// Kind identifies a class of personal data the detector recognises.
type Kind string

const (
	KindEmail      Kind = "email"
	KindPhone      Kind = "phone"
	KindSSN        Kind = "ssn"
	KindCreditCard Kind = "credit_card"
	KindIPAddress  Kind = "ip_address"
	KindIBAN       Kind = "iban"
)

// Action is the engine's directive for a processed text.
type Action string

const (
	// ActionMask rewrites the detected spans using the preset's strategy.
	ActionMask Action = "MASK"
	// ActionFlag forwards the text unchanged but records the detection.
	ActionFlag Action = "FLAG"
	// ActionBlock refuses the text outright.
	ActionBlock Action = "BLOCK"
	// ActionAsk requires an explicit handling choice from the caller.
	ActionAsk Action = "ASK"
	// ActionLog records the detection for audit only.
	ActionLog Action = "LOG"
)

// rank orders actions from weakest to strongest so the engine can combine
// per-kind directives into one overall action.
func (a Action) rank() int {
	switch a {
	case ActionLog:
		return 1
	case ActionFlag:
		return 2
	case ActionMask:
		return 3
	case ActionAsk:
		return 4
	case ActionBlock:
		return 5
	default:
		return 0
	}
}

// Mode selects how the engine treats workspace context.
type Mode string

const (
	// ModeSingular evaluates the text in isolation.
	ModeSingular Mode = "singular"
	// ModeCollaborative additionally consults entities already disclosed in
	// the same workspace context.
	ModeCollaborative Mode = "collaborative"
)

// Detection is a single PII occurrence found by the detector.
type Detection struct {
	Kind  Kind
	Value string
	Start int
	End   int
}

// Match is the caller-visible record of a detection after policy was applied.
type Match struct {
	Kind       Kind   `json:"kind"`
	Action     Action `json:"action"`
	Redisclose bool   `json:"redisclose,omitempty"`
}

// Result is the outcome of processing one text.
type Result struct {
	Action            Action    `json:"action"`
	MaskedText        string    `json:"masked_text,omitempty"`
	Matches           []Match   `json:"matches"`
	RequiresUserInput bool      `json:"requires_user_input"`
	Preset            string    `json:"preset"`
	ProcessedAt       time.Time `json:"processed_at"`
}

// Choice is a caller-supplied prior decision applied when policy would ASK.
type Choice string

const (
	ChoiceNone  Choice = ""
	ChoiceMask  Choice = "mask"
	ChoiceBlock Choice = "block"
	ChoiceAllow Choice = "allow"
)
