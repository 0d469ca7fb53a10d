package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/dispatcher"
	"github.com/sirkyp/fhirsmith/library"
	"github.com/sirkyp/fhirsmith/opcontext"
	"github.com/sirkyp/fhirsmith/registry/codesystem"
)

type stubValueSetProvider struct {
	resources []*fhirsmith.Resource
}

func (s stubValueSetProvider) Search(ctx context.Context, params []fhirsmith.SearchParam, elements []string) ([]*fhirsmith.Resource, error) {
	return s.resources, nil
}

type stubCodeSystemProvider struct {
	system, version string
	resource        *fhirsmith.Resource
}

func (s stubCodeSystemProvider) System() string               { return s.system }
func (s stubCodeSystemProvider) Version() string              { return s.version }
func (s stubCodeSystemProvider) Resource() *fhirsmith.Resource { return s.resource }

type stubFactory struct{ p fhirsmith.CodeSystemProvider }

func (f stubFactory) New(ctx context.Context, path string) (fhirsmith.CodeSystemProvider, error) {
	return f.p, nil
}

var _ codesystem.Factory = stubFactory{}

func testEndpoint(t *testing.T) *dispatcher.Endpoint {
	lib := library.New(nil)
	lib.RegisterFactory("http://example.org/cs", "1.0", stubFactory{p: stubCodeSystemProvider{
		system: "http://example.org/cs", version: "1.0",
		resource: &fhirsmith.Resource{ResourceType: fhirsmith.ResourceCodeSystem, Raw: json.RawMessage(`{"resourceType":"CodeSystem","url":"http://example.org/cs"}`)},
	}})
	lib.RegisterFactory("http://example.org/algorithmic", "", stubFactory{p: stubCodeSystemProvider{
		system: "http://example.org/algorithmic",
	}})
	lib.AddValueSetProvider(stubValueSetProvider{resources: []*fhirsmith.Resource{
		{ResourceType: fhirsmith.ResourceValueSet, URL: "http://example.org/vs1", Title: "Example", Status: fhirsmith.StatusActive,
			Raw: json.RawMessage(`{"resourceType":"ValueSet","url":"http://example.org/vs1"}`)},
	}})
	lib.AddConceptMapProvider(stubValueSetProvider{})

	return &dispatcher.Endpoint{
		Path:     "/r4",
		Provider: library.NewProvider(lib),
	}
}

func newOC() *opcontext.OperationContext {
	return opcontext.New(context.Background(), "", opcontext.NewResourceCache(opcontext.DefaultResourceTimeout), opcontext.NewExpansionCache(opcontext.DefaultExpansionEntries, 1<<20))
}

func TestSearchValueSetsRendersBundle(t *testing.T) {
	e := testEndpoint(t)
	oc := newOC()
	req := httptest.NewRequest(http.MethodGet, "/r4/ValueSet", nil)
	rec := httptest.NewRecorder()

	SearchValueSets(req.Context(), oc, e, rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"url":"http://example.org/vs1"`)
	require.Contains(t, rec.Body.String(), `"total":1`)
}

func TestSearchConceptMapsEmptyBundle(t *testing.T) {
	e := testEndpoint(t)
	oc := newOC()
	req := httptest.NewRequest(http.MethodGet, "/r4/ConceptMap", nil)
	rec := httptest.NewRecorder()

	SearchConceptMaps(req.Context(), oc, e, rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":0`)
}

func TestReadCodeSystemResolvesResource(t *testing.T) {
	e := testEndpoint(t)
	oc := newOC()
	req := httptest.NewRequest(http.MethodGet, "/r4/CodeSystem?url=http://example.org/cs&version=1.0", nil)
	rec := httptest.NewRecorder()

	ReadCodeSystem(req.Context(), oc, e, rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"url":"http://example.org/cs"`)
}

func TestReadCodeSystemAlgorithmicProviderSynthesizesBody(t *testing.T) {
	e := testEndpoint(t)
	oc := newOC()
	req := httptest.NewRequest(http.MethodGet, "/r4/CodeSystem?url=http://example.org/algorithmic", nil)
	rec := httptest.NewRecorder()

	ReadCodeSystem(req.Context(), oc, e, rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"resourceType":"CodeSystem"`)
}

func TestReadCodeSystemMissingURLIsInvalidParameter(t *testing.T) {
	e := testEndpoint(t)
	oc := newOC()
	req := httptest.NewRequest(http.MethodGet, "/r4/CodeSystem", nil)
	rec := httptest.NewRecorder()

	ReadCodeSystem(req.Context(), oc, e, rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadCodeSystemUnknownSystemNotFound(t *testing.T) {
	e := testEndpoint(t)
	oc := newOC()
	req := httptest.NewRequest(http.MethodGet, "/r4/CodeSystem?url=http://example.org/missing", nil)
	rec := httptest.NewRecorder()

	ReadCodeSystem(req.Context(), oc, e, rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotImplementedReturns501(t *testing.T) {
	e := testEndpoint(t)
	oc := newOC()
	req := httptest.NewRequest(http.MethodGet, "/r4/ValueSet/$expand", nil)
	rec := httptest.NewRecorder()

	NotImplemented(req.Context(), oc, e, rec, req)

	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRegistryMapsNamedOperationsToNotImplemented(t *testing.T) {
	reg := Registry(SearchValueSets, "$expand", "$validate-code")
	require.Len(t, reg, 3)
	_, ok := reg[""]
	require.True(t, ok)
	_, ok = reg["$expand"]
	require.True(t, ok)
}

func TestSearchParamsSkipsUnderscoreParameters(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/r4/ValueSet?status=active&_count=10&_elements=id,url", nil)
	got := searchParams(req)
	require.Len(t, got, 1)
	require.Equal(t, "status", got[0].Name)
	require.Equal(t, []string{"id", "url"}, elements(req))
}
