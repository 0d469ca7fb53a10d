// Package versionalgebra implements FHIR/semver version parsing, comparison,
// and matching, per SPEC_FULL.md §4.1.
//
// Family detection and the wildcard/"this-or-later" extensions are specific
// to this spec and have no counterpart in any third-party semver library;
// [Masterminds/semver] is used only as a cheap validity backstop for
// [IsSemver] on the non-wildcard path. See DESIGN.md for why the wildcard
// grammar can't be expressed through [semver.Constraint] directly.
package versionalgebra

import (
	"strconv"
	"strings"

	mmsemver "github.com/Masterminds/semver"
)

// Parsed is a decomposed version, per SPEC_FULL.md §3.
type Parsed struct {
	Major, Minor int
	Patch        *int
	PreRelease   []string
	Build        []string

	// Wildcard marks each of Major/Minor/Patch as matching anything when
	// this Parsed value is used as match criteria.
	Wildcard [3]bool
	// ThisOrLater records a trailing "?" in the original string.
	ThisOrLater bool

	raw string
}

// String returns the original string this Parsed was built from.
func (p Parsed) String() string { return p.raw }

// specialVersions maps FHIR version tokens and the hl7.org URL prefix to
// their normalized semver-ish representative, per SPEC_FULL.md §3.
var specialVersions = map[string]string{
	"R2":  "1.0",
	"R2B": "1.0.1",
	"R3":  "3.0.2",
	"R4":  "4.0.1",
	"R4B": "4.3.0",
	"R5":  "5.0.0",
	"R6":  "6.0.0",
}

const fhirURLPrefix = "http://hl7.org/fhir/"

// NormalizeSpecial maps known special tokens (R2/R2B/R3/R4/R4B/R5/R6) and the
// "http://hl7.org/fhir/" URL prefix to a fixed canonical version string,
// before any other parsing happens. Values not recognized are returned
// unchanged.
func NormalizeSpecial(v string) string {
	if mapped, ok := specialVersions[v]; ok {
		return mapped
	}
	if strings.HasPrefix(v, fhirURLPrefix) {
		rest := strings.TrimPrefix(v, fhirURLPrefix)
		if mapped, ok := specialVersions[rest]; ok {
			return mapped
		}
	}
	return v
}

// Parse parses v into a Parsed value. When allowWildcards is false, "*", "x",
// "X" in a version-number position, and a trailing "?", are rejected.
func Parse(v string, allowWildcards bool) (Parsed, error) {
	orig := v
	v = NormalizeSpecial(v)

	p := Parsed{raw: orig}
	if strings.HasSuffix(v, "?") {
		if !allowWildcards {
			return Parsed{}, &parseError{v: orig, reason: "trailing ? requires wildcard mode"}
		}
		p.ThisOrLater = true
		v = strings.TrimSuffix(v, "?")
	}

	// Split off pre-release/build before splitting the numeric parts.
	core := v
	var build string
	if i := strings.IndexByte(core, '+'); i >= 0 {
		build = core[i+1:]
		core = core[:i]
	}
	var pre string
	if i := strings.IndexByte(core, '-'); i >= 0 {
		pre = core[i+1:]
		core = core[:i]
	}
	if pre != "" {
		p.PreRelease = strings.Split(pre, ".")
	}
	if build != "" {
		p.Build = strings.Split(build, ".")
	}

	parts := strings.Split(core, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Parsed{}, &parseError{v: orig, reason: "expected major.minor[.patch]"}
	}

	nums := make([]*int, 3)
	for i, part := range parts {
		if isWildcardToken(part) {
			if !allowWildcards {
				return Parsed{}, &parseError{v: orig, reason: "wildcard not allowed here"}
			}
			p.Wildcard[i] = true
			continue
		}
		n, err := parseNumericPart(part)
		if err != nil {
			return Parsed{}, &parseError{v: orig, reason: err.Error()}
		}
		nums[i] = &n
	}

	if nums[0] == nil {
		p.Major = 0
	} else {
		p.Major = *nums[0]
	}
	if nums[1] == nil {
		p.Minor = 0
	} else {
		p.Minor = *nums[1]
	}
	p.Patch = nums[2]

	return p, nil
}

func isWildcardToken(s string) bool {
	return s == "*" || s == "x" || s == "X"
}

func parseNumericPart(s string) (int, error) {
	if len(s) == 0 {
		return 0, &parseError{v: s, reason: "empty version part"}
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, &parseError{v: s, reason: "leading zero not allowed"}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &parseError{v: s, reason: "not an integer"}
	}
	return n, nil
}

type parseError struct {
	v      string
	reason string
}

func (e *parseError) Error() string { return "versionalgebra: invalid version " + strconv.Quote(e.v) + ": " + e.reason }

// IsSemver reports whether v parses as a non-wildcard semver-like version.
//
// The non-wildcard fast path delegates to Masterminds/semver, which already
// implements the full SemVer 2.0 grammar; the wildcard/FHIR-special-token
// extensions this package layers on top are checked separately by Parse.
func IsSemver(v string) bool {
	norm := NormalizeSpecial(v)
	if _, err := mmsemver.NewVersion(norm); err == nil {
		return true
	}
	_, err := Parse(v, false)
	return err == nil
}

// HasWildcards reports whether v contains a wildcard token or trailing "?".
func HasWildcards(v string) bool {
	p, err := Parse(v, true)
	if err != nil {
		return false
	}
	return p.Wildcard[0] || p.Wildcard[1] || p.Wildcard[2] || p.ThisOrLater
}

// Compare returns -1, 0, or 1 comparing a and b lexicographically over
// major, minor, patch, preRelease, build, per SPEC_FULL.md §4.1. a and b
// must both be valid, non-wildcard versions (use Parse with
// allowWildcards=false beforehand to validate); Compare panics on parse
// failure, matching the spec's "never silently downgrade" rule by making
// misuse loud rather than falling back to a lexical compare.
func Compare(a, b string) int {
	pa, err := Parse(a, false)
	if err != nil {
		panic(err)
	}
	pb, err := Parse(b, false)
	if err != nil {
		panic(err)
	}
	return compareParsed(pa, pb)
}

func compareParsed(a, b Parsed) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := comparePatch(a.Patch, b.Patch); c != 0 {
		return c
	}
	if c := comparePreRelease(a.PreRelease, b.PreRelease); c != 0 {
		return c
	}
	return comparePreRelease(a.Build, b.Build)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePatch: nulls sort before non-nulls in version-number parts.
func comparePatch(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return compareInt(*a, *b)
	}
}

// comparePreRelease: nulls sort after non-nulls in pre-release/build parts
// (an absent pre-release outranks any present one, per semver precedence).
func comparePreRelease(a, b []string) int {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) == 0 {
		return 1
	}
	if len(b) == 0 {
		return -1
	}
	return compareParts(a, b, true)
}

func compareParts(a, b []string, nullsAfter bool) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		switch {
		case i >= len(a):
			if nullsAfter {
				return -1
			}
			return -1
		case i >= len(b):
			if nullsAfter {
				return 1
			}
			return 1
		default:
			if c := compareIdentifier(a[i], b[i]); c != 0 {
				return c
			}
		}
	}
	return 0
}

// compareIdentifier: integer-compared where both sides parse as integers,
// string-compared otherwise.
func compareIdentifier(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return compareInt(an, bn)
	}
	return strings.Compare(a, b)
}

// Matches reports whether candidate satisfies criteria part-wise, with
// "*"/"x"/"X" in criteria matching any candidate part, and a bare "*"
// matching every valid candidate. When criteria ends in "?" or has a
// wildcard major or minor, an absent criteria patch matches any candidate
// patch (everything after the first absent part becomes an implicit
// wildcard), per SPEC_FULL.md §4.1.
func Matches(criteria, candidate string) bool {
	if isWildcardToken(criteria) {
		_, err := Parse(candidate, false)
		return err == nil
	}
	pc, err := Parse(criteria, true)
	if err != nil {
		return false
	}
	pv, err := Parse(candidate, false)
	if err != nil {
		return false
	}
	return matchesParsed(pc, pv)
}

func matchesParsed(criteria, candidate Parsed) bool {
	if !criteria.Wildcard[0] && criteria.Major != candidate.Major {
		return false
	}
	if !criteria.Wildcard[1] && criteria.Minor != candidate.Minor {
		return false
	}
	openPatch := criteria.Patch == nil && (criteria.ThisOrLater || criteria.Wildcard[0] || criteria.Wildcard[1])
	if !criteria.Wildcard[2] && !openPatch {
		switch {
		case criteria.Patch == nil && candidate.Patch == nil:
		case criteria.Patch == nil || candidate.Patch == nil:
			return false
		case *criteria.Patch != *candidate.Patch:
			return false
		}
	}
	return true
}

// IsThisOrLater reports whether candidate is equal to or later than
// criteria, compared up to the given precision ("full" compares
// major.minor.patch; "majmin" compares major.minor only).
type Precision int

const (
	PrecisionFull Precision = iota
	PrecisionMajMin
)

func IsThisOrLater(criteria, candidate string, precision Precision) bool {
	pc, err := Parse(criteria, false)
	if err != nil {
		return false
	}
	pv, err := Parse(candidate, false)
	if err != nil {
		return false
	}
	if precision == PrecisionMajMin {
		pc.Patch, pv.Patch = nil, nil
		pc.PreRelease, pv.PreRelease = nil, nil
		pc.Build, pv.Build = nil, nil
	}
	return compareParsed(pv, pc) >= 0
}

// MajMin returns the "major.minor" prefix of v.
func MajMin(v string) string {
	p, err := Parse(v, false)
	if err != nil {
		return ""
	}
	return strconv.Itoa(p.Major) + "." + strconv.Itoa(p.Minor)
}

// MajMinPatch returns the "major.minor.patch" prefix of v, defaulting patch
// to 0 when absent.
func MajMinPatch(v string) string {
	p, err := Parse(v, false)
	if err != nil {
		return ""
	}
	patch := 0
	if p.Patch != nil {
		patch = *p.Patch
	}
	return strconv.Itoa(p.Major) + "." + strconv.Itoa(p.Minor) + "." + strconv.Itoa(patch)
}

// FHIRFamily identifies the FHIR release family a version belongs to, or ""
// if none match. Detection inspects only the leading major.minor, per
// SPEC_FULL.md §4.1.
func FHIRFamily(v string) string {
	p, err := Parse(NormalizeSpecial(v), false)
	if err != nil {
		return ""
	}
	mm := [2]int{p.Major, p.Minor}
	switch mm {
	case [2]int{1, 0}:
		return "R2"
	case [2]int{3, 0}:
		return "R3"
	case [2]int{4, 0}:
		return "R4"
	case [2]int{4, 5}, [2]int{5, 0}:
		return "R5"
	case [2]int{4, 1}, [2]int{4, 3}:
		return "R4B"
	case [2]int{6, 0}:
		return "R6"
	}
	// Pre-release 3.2..3.5 is also R4, per spec.
	if p.Major == 3 && p.Minor >= 2 && p.Minor <= 5 {
		return "R4"
	}
	return ""
}

// IsRxVer reports whether v is one of the known special FHIR version
// tokens (R2, R2B, R3, R4, R4B, R5, R6).
func IsRxVer(v string) bool {
	_, ok := specialVersions[v]
	return ok
}

// PackageForVersion maps a FHIR version string to the conventional core
// package id for that release (e.g. "hl7.fhir.r4.core").
func PackageForVersion(v string) string {
	switch FHIRFamily(v) {
	case "R2":
		return "hl7.fhir.r2.core"
	case "R3":
		return "hl7.fhir.r3.core"
	case "R4":
		return "hl7.fhir.r4.core"
	case "R4B":
		return "hl7.fhir.r4b.core"
	case "R5":
		return "hl7.fhir.r5.core"
	case "R6":
		return "hl7.fhir.r6.core"
	default:
		return ""
	}
}
