package privacy

import "regexp"

// pattern couples a detector kind with its matcher and optional validator.
// The set is fixed; presets choose which kinds are active, not what exists.
type pattern struct {
	kind     Kind
	expr     *regexp.Regexp
	validate func(string) bool
}

var builtinPatterns = []pattern{
	{
		kind: KindEmail,
		expr: regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`),
	},
	{
		kind:     KindPhone,
		expr:     regexp.MustCompile(`\+?[0-9][0-9()\-\s]{7,14}[0-9]`),
		validate: phonePlausible,
	},
	{
		kind: KindSSN,
		expr: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`),
	},
	{
		kind:     KindCreditCard,
		expr:     regexp.MustCompile(`\b(?:[0-9][ -]?){13,19}\b`),
		validate: luhnValid,
	},
	{
		kind: KindIPAddress,
		expr: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\b`),
	},
	{
		kind: KindIBAN,
		expr: regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}\b`),
	},
}

// AllKinds lists every kind the detector can recognise.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		kinds = append(kinds, p.kind)
	}
	return kinds
}

// phonePlausible requires at least ten digits so shorter formatted numbers
// (dates, SSNs) do not register as phone numbers.
func phonePlausible(candidate string) bool {
	digits := 0
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 10 && digits <= 15
}

// luhnValid filters credit card candidates through the Luhn checksum so plain
// numeric runs do not drown the detector in false positives.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
