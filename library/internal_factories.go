package library

import (
	"context"
	"sync"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/registry/codesystem"
)

// internalFactory constructs the marker CodeSystemProvider for one of
// spec.md §4.6's built-in small tabular code systems (country, lang,
// currency, areacode, mimetypes, usstates, hgvs). Their actual code tables
// and lookup/validate-code semantics live in the terminology operation
// engines, which the OVERVIEW treats as external collaborators this layer
// only needs to hand a resolved provider to — so the factory's job here is
// narrow: answer "this canonical system is known" with the right identity.
type internalFactory struct {
	system string
}

var _ codesystem.Factory = internalFactory{}

func (f internalFactory) New(ctx context.Context, path string) (fhirsmith.CodeSystemProvider, error) {
	return &markerProvider{system: f.system}, nil
}

// markerProvider is a CodeSystemProvider with no backing Resource —
// appropriate for code systems this server knows how to identify but
// doesn't materialize as a stored FHIR resource.
type markerProvider struct {
	system  string
	version string
}

func (m *markerProvider) System() string        { return m.system }
func (m *markerProvider) Version() string       { return m.version }
func (m *markerProvider) Resource() *fhirsmith.Resource { return nil }

// Canonical system URLs for the built-in factories, per spec.md §4.6.
const (
	SystemCountry   = "urn:iso:std:iso:3166"
	SystemLanguage  = "urn:ietf:bcp:47"
	SystemCurrency  = "urn:iso:std:iso:4217"
	SystemAreaCode  = "https://www.nanpa.com/"
	SystemMimeTypes = "urn:ietf:bcp:13"
	SystemUSStates  = "https://www.usps.com/"
	SystemHGVS      = "http://varnomen.hgvs.org"
)

var registerBuiltinsOnce sync.Once

// RegisterBuiltins registers every "internal:<name>" factory spec.md §4.6
// recognizes. Safe to call more than once; only the first call registers.
func RegisterBuiltins() {
	registerBuiltinsOnce.Do(registerBuiltins)
}

func registerBuiltins() {
	for _, reg := range []struct {
		name, system string
	}{
		{"country", SystemCountry},
		{"lang", SystemLanguage},
		{"currency", SystemCurrency},
		{"areacode", SystemAreaCode},
		{"mimetypes", SystemMimeTypes},
		{"usstates", SystemUSStates},
		{"hgvs", SystemHGVS},
	} {
		codesystem.Register(reg.name, internalFactory{system: reg.system})
	}
}
