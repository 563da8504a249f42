package model

import (
	"strings"

	"golang.org/x/text/cases"
)

// FieldKind identifies a category of enrichable data.
type FieldKind string

const (
	FieldEmail         FieldKind = "email"
	FieldPhone         FieldKind = "phone"
	FieldEmployment    FieldKind = "employment"
	FieldFirmographics FieldKind = "firmographics"
	FieldVerification  FieldKind = "verification"
)

// AllFieldKinds lists every supported field kind in stable order.
var AllFieldKinds = []FieldKind{
	FieldEmail,
	FieldPhone,
	FieldEmployment,
	FieldFirmographics,
	FieldVerification,
}

// ParseFieldKind validates a string as a known field kind.
func ParseFieldKind(s string) (FieldKind, bool) {
	k := FieldKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllFieldKinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

var foldCaser = cases.Fold()

// NormalizeValue canonicalizes a field value for equivalence comparison.
// Two provider answers are treated as agreeing when their normalized forms
// match: emails are lowercased, phones reduced to digits, everything else
// case-folded with whitespace collapsed.
func NormalizeValue(kind FieldKind, value string) string {
	v := strings.TrimSpace(value)
	switch kind {
	case FieldEmail:
		return strings.ToLower(v)
	case FieldPhone:
		return normalizePhone(v)
	default:
		return strings.Join(strings.Fields(foldCaser.String(v)), " ")
	}
}

// normalizePhone strips formatting and a leading US country code down to the
// significant digits, so "+1 (555) 010-2000" and "555.010.2000" agree.
func normalizePhone(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// ClampConfidence bounds a confidence score to the [0, 100] scale.
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
