// Package vin validates and canonicalizes vehicle identifiers.
//
// Accepted forms, in priority order:
//   - 17-character VINs over the restricted alphabet (A-Z without I, O, Q,
//     plus 0-9). Structure only; the check digit is not verified.
//   - Regional registrations: two letters, a hyphen, and an 11-14 character
//     body over the restricted alphabet that opens with three digits and
//     closes with two digits (e.g. "AB-12345ABCDEJ01").
//   - Legacy identifiers: 3-17 characters over the restricted alphabet
//     (pre-1981 VINs, trailers, marine hulls, equipment serials).
package vin

import (
	"strings"

	"github.com/sells-group/lotwatch/internal/model"
)

// Reason codes for rejected identifiers.
const (
	ReasonEmpty        = "empty"
	ReasonTooShort     = "too_short"
	ReasonTooLong      = "too_long"
	ReasonInvalidChars = "invalid_chars"
	ReasonBadRegional  = "malformed_regional"
)

const (
	vinLength      = 17
	legacyMin      = 3
	regionalMinLen = 11
	regionalMaxLen = 14
)

// Result is the verdict for one raw identifier.
type Result struct {
	Canonical string
	Kind      model.VehicleKind
	Reason    string
}

// Valid reports whether the identifier was accepted.
func (r Result) Valid() bool {
	return r.Reason == ""
}

// Canonicalize uppercases and trims raw.
func Canonicalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Validate classifies raw. It is total and deterministic.
func Validate(raw string) Result {
	id := Canonicalize(raw)
	if id == "" {
		return Result{Reason: ReasonEmpty}
	}

	if len(id) == vinLength && restricted(id) {
		return Result{Canonical: id, Kind: model.VehicleKindVIN}
	}

	if strings.Contains(id, "-") {
		if regional(id) {
			return Result{Canonical: id, Kind: model.VehicleKindRegional}
		}
		return Result{Canonical: id, Reason: ReasonBadRegional}
	}

	switch {
	case !restricted(id):
		return Result{Canonical: id, Reason: ReasonInvalidChars}
	case len(id) < legacyMin:
		return Result{Canonical: id, Reason: ReasonTooShort}
	case len(id) > vinLength:
		return Result{Canonical: id, Reason: ReasonTooLong}
	}
	return Result{Canonical: id, Kind: model.VehicleKindLegacy}
}

func regional(id string) bool {
	prefix, body, ok := strings.Cut(id, "-")
	if !ok || len(prefix) != 2 || !letters(prefix) {
		return false
	}
	if len(body) < regionalMinLen || len(body) > regionalMaxLen || !restricted(body) {
		return false
	}
	return digits(body[:3]) && digits(body[len(body)-2:])
}

// restricted reports whether s uses only A-Z (minus I, O, Q) and 0-9.
func restricted(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
			if c == 'I' || c == 'O' || c == 'Q' {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func letters(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
