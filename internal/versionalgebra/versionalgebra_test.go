package versionalgebra

import "testing"

func TestNormalizeSpecial(t *testing.T) {
	cases := map[string]string{
		"R4":                          "4.0.1",
		"R4B":                         "4.3.0",
		"http://hl7.org/fhir/R4":      "4.0.1",
		"http://hl7.org/fhir/R2B":     "1.0.1",
		"4.0.1":                       "4.0.1",
	}
	for in, want := range cases {
		if got := NormalizeSpecial(in); got != want {
			t.Errorf("NormalizeSpecial(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseBasic(t *testing.T) {
	p, err := Parse("4.0.1", false)
	if err != nil {
		t.Fatal(err)
	}
	if p.Major != 4 || p.Minor != 0 || p.Patch == nil || *p.Patch != 1 {
		t.Fatalf("got %+v", p)
	}
}

func TestParseRejectsWildcardWithoutFlag(t *testing.T) {
	if _, err := Parse("4.0.*", false); err == nil {
		t.Fatal("expected error for wildcard without allowWildcards")
	}
	if _, err := Parse("4.0.*", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseRejectsLeadingZero(t *testing.T) {
	if _, err := Parse("4.01", false); err == nil {
		t.Fatal("expected error for leading zero")
	}
}

func TestParseThisOrLater(t *testing.T) {
	p, err := Parse("4.0?", true)
	if err != nil {
		t.Fatal(err)
	}
	if !p.ThisOrLater {
		t.Fatal("expected ThisOrLater")
	}
	if _, err := Parse("4.0?", false); err == nil {
		t.Fatal("expected error for ? without allowWildcards")
	}
}

func TestIsSemver(t *testing.T) {
	if !IsSemver("4.0.1") {
		t.Error("4.0.1 should be semver")
	}
	if !IsSemver("4.0.1-rc1") {
		t.Error("4.0.1-rc1 should be semver")
	}
	if IsSemver("4.0.*") {
		t.Error("4.0.* should not be plain semver")
	}
	if !IsSemver("R4") {
		t.Error("R4 should normalize to valid semver")
	}
}

func TestHasWildcards(t *testing.T) {
	if !HasWildcards("4.0.*") {
		t.Error("expected wildcard")
	}
	if !HasWildcards("4.0?") {
		t.Error("expected this-or-later wildcard")
	}
	if HasWildcards("4.0.1") {
		t.Error("unexpected wildcard")
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"4.0.1", "4.0.1", 0},
		{"4.0.0", "4.0.1", -1},
		{"4.1.0", "4.0.9", 1},
		{"4.0.1-rc1", "4.0.1", -1},
		{"4.0.1-alpha", "4.0.1-beta", -1},
		{"4.0.1-alpha.1", "4.0.1-alpha.2", -1},
		{"4.0", "4.0.0", -1}, // absent patch sorts before explicit 0
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		criteria, candidate string
		want                bool
	}{
		{"4.0.*", "4.0.1", true},
		{"4.0.*", "4.1.0", false},
		{"4.x", "4.9.9", true},
		{"*", "9.9.9", true},
		{"4.0.1", "4.0.1", true},
		{"4.0.1", "4.0.2", false},
	}
	for _, c := range cases {
		if got := Matches(c.criteria, c.candidate); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.criteria, c.candidate, got, c.want)
		}
	}
}

func TestIsThisOrLater(t *testing.T) {
	if !IsThisOrLater("4.0.1", "4.0.2", PrecisionFull) {
		t.Error("4.0.2 should satisfy 4.0.1?")
	}
	if IsThisOrLater("4.0.1", "4.0.0", PrecisionFull) {
		t.Error("4.0.0 should not satisfy 4.0.1?")
	}
	if !IsThisOrLater("4.0", "4.1.9", PrecisionMajMin) {
		t.Error("4.1 should satisfy 4.0? at majmin precision")
	}
}

func TestMajMin(t *testing.T) {
	if got := MajMin("4.0.1"); got != "4.0" {
		t.Errorf("MajMin(4.0.1) = %q", got)
	}
}

func TestMajMinPatch(t *testing.T) {
	if got := MajMinPatch("4.0"); got != "4.0.0" {
		t.Errorf("MajMinPatch(4.0) = %q", got)
	}
}

func TestFHIRFamily(t *testing.T) {
	cases := map[string]string{
		"1.0.2":  "R2",
		"3.0.2":  "R3",
		"4.0.1":  "R4",
		"4.3.0":  "R4B",
		"5.0.0":  "R5",
		"3.3.0":  "R4", // pre-release 3.2-3.5 counted as R4
		"9.9.9":  "",
		"R4":     "R4",
	}
	for in, want := range cases {
		if got := FHIRFamily(in); got != want {
			t.Errorf("FHIRFamily(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPackageForVersion(t *testing.T) {
	if got := PackageForVersion("4.0.1"); got != "hl7.fhir.r4.core" {
		t.Errorf("PackageForVersion(4.0.1) = %q", got)
	}
	if got := PackageForVersion("R4B"); got != "hl7.fhir.r4b.core" {
		t.Errorf("PackageForVersion(R4B) = %q", got)
	}
}

func TestIsRxVer(t *testing.T) {
	if !IsRxVer("R4") {
		t.Error("R4 should be recognized")
	}
	if IsRxVer("4.0.1") {
		t.Error("4.0.1 should not be recognized as a special token")
	}
}
