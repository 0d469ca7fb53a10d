package library

import (
	"context"
	"os"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/registry/codesystem"
)

// Canonical system URLs for the file-backed vocabularies named in spec.md
// §4.6. Their expansion/hierarchy algorithms are an explicit non-goal
// (OVERVIEW); this server only needs to know the file exists locally and
// answer identity questions about the system itself.
const (
	SystemLOINC  = "http://loinc.org"
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemNDC    = "http://hl7.org/fhir/sid/ndc"
	SystemUNII   = "http://fdasis.nlm.nih.gov"
	SystemSNOMED = "http://snomed.info/sct"
	SystemCPT    = "http://www.ama-assn.org/go/cpt"
	SystemOMOP   = "http://omop.org"
)

// fileBackedProvider marks a large tabular vocabulary as present on disk at
// Path. Code lookup/expansion against it is handled by the external
// terminology operation engines this server hands the provider to.
type fileBackedProvider struct {
	system string
	path   string
}

var _ fhirsmith.CodeSystemProvider = (*fileBackedProvider)(nil)

func (f *fileBackedProvider) System() string               { return f.system }
func (f *fileBackedProvider) Version() string               { return "" }
func (f *fileBackedProvider) Resource() *fhirsmith.Resource { return nil }

// Path returns the local file this provider is backed by.
func (f *fileBackedProvider) Path() string { return f.path }

// fileBackedFactory checks that its file exists at New time; downloading it
// first (per spec.md §4.6: "download if absent") is the caller's
// responsibility via fetcher, since the factory itself has no base URL to
// resolve against — that lives on the Descriptor.
type fileBackedFactory struct {
	system string
}

var _ codesystem.Factory = fileBackedFactory{}

func (f fileBackedFactory) New(ctx context.Context, path string) (fhirsmith.CodeSystemProvider, error) {
	const op = "library.fileBackedFactory.New"
	if _, err := os.Stat(path); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrLoadFailed, Inner: err}
	}
	return &fileBackedProvider{system: f.system, path: path}, nil
}

func init() {
	for _, reg := range []struct {
		name, system string
	}{
		{"loinc", SystemLOINC},
		{"rxnorm", SystemRxNorm},
		{"ndc", SystemNDC},
		{"unii", SystemUNII},
		{"snomed", SystemSNOMED},
		{"cpt", SystemCPT},
		{"omop", SystemOMOP},
	} {
		codesystem.Register(reg.name, fileBackedFactory{system: reg.system})
	}
}
