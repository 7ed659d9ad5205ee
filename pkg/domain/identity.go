package domain

import "strings"

// TrustTier is the coarse caller classification driving rate limits and risk
// weighting. It is resolved by the auth collaborator before the pipeline runs
// and trusted as given.
type TrustTier string

const (
	// TierAnon covers unauthenticated callers.
	TierAnon TrustTier = "ANON"
	// TierUser covers authenticated but unverified callers.
	TierUser TrustTier = "USER"
	// TierVerified covers callers with a verified account.
	TierVerified TrustTier = "VERIFIED"
	// TierPrivileged covers internal and partner integrations.
	TierPrivileged TrustTier = "PRIVILEGED"
)

// ParseTrustTier normalises a tier string, defaulting unknown values to ANON
// so a malformed upstream claim can never widen a caller's limits.
func ParseTrustTier(s string) TrustTier {
	switch TrustTier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierUser:
		return TierUser
	case TierVerified:
		return TierVerified
	case TierPrivileged:
		return TierPrivileged
	default:
		return TierAnon
	}
}

// UserIdentity is the resolved caller identity, immutable for the lifetime of
// a request.
type UserIdentity struct {
	ID       string            `json:"id"`
	Tier     TrustTier         `json:"tier"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Valid reports whether the identity carries the minimum fields the pipeline
// requires.
func (u UserIdentity) Valid() bool {
	return strings.TrimSpace(u.ID) != ""
}
