// Package ops provides the thin operation handlers cmd/fhirsmithd registers
// with the dispatcher. spec.md's OVERVIEW treats the terminology operation
// engines ($expand, $validate-code, $lookup, $subsumes, $translate) as
// external collaborators — only the interfaces they consume (Provider's
// search/resolve methods) are specified here. These handlers exercise that
// boundary: plain search/read renders catalog data directly; the named
// algorithmic operations report 501, since the algorithms themselves are
// out of scope.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/dispatcher"
	"github.com/sirkyp/fhirsmith/opcontext"
)

// searchParams converts a request's query string into the []SearchParam
// shape Provider.SearchValueSets/SearchConceptMaps expect, per spec.md
// §4.4's dispatch table. "_"-prefixed parameters (_format, _elements,
// _sort, _offset, _count) are handled by the dispatcher/caller, not passed
// through as search predicates.
func searchParams(r *http.Request) []fhirsmith.SearchParam {
	q := r.URL.Query()
	var out []fhirsmith.SearchParam
	for name, vals := range q {
		if strings.HasPrefix(name, "_") {
			continue
		}
		for _, v := range vals {
			out = append(out, fhirsmith.SearchParam{Name: name, Value: v})
		}
	}
	return out
}

// elements splits the _elements=csv query parameter, per spec.md §4.8.
func elements(r *http.Request) []string {
	v := r.URL.Query().Get("_elements")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

type bundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

type bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Entry        []bundleEntry `json:"entry,omitempty"`
}

func writeBundle(w http.ResponseWriter, format string, resources []*fhirsmith.Resource) {
	if format == dispatcher.FormatHTML {
		rows := make([]dispatcher.BundleSummary, 0, len(resources))
		for _, r := range resources {
			title := r.Title
			if title == "" {
				title = r.Name
			}
			if title == "" {
				title = r.URL
			}
			rows = append(rows, dispatcher.BundleSummary{Title: title, Summary: string(r.Status)})
		}
		_ = dispatcher.RenderBundleSummaries(w, "Search results", rows)
		return
	}

	b := bundle{ResourceType: "Bundle", Type: "searchset", Total: len(resources)}
	for _, r := range resources {
		b.Entry = append(b.Entry, bundleEntry{Resource: r.Raw})
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	_ = json.NewEncoder(w).Encode(b)
}

// SearchValueSets handles the plain "/ValueSet" collection search route.
func SearchValueSets(ctx context.Context, oc *opcontext.OperationContext, e *dispatcher.Endpoint, w http.ResponseWriter, r *http.Request) {
	if err := oc.DeadCheck("ops.SearchValueSets"); err != nil {
		dispatcher.WriteOutcome(w, dispatcher.NegotiateFormat(r), err)
		return
	}
	res, err := e.Provider.SearchValueSets(ctx, searchParams(r), elements(r))
	if err != nil {
		dispatcher.WriteOutcome(w, dispatcher.NegotiateFormat(r), err)
		return
	}
	writeBundle(w, dispatcher.NegotiateFormat(r), res)
}

// SearchConceptMaps handles the plain "/ConceptMap" collection search route.
func SearchConceptMaps(ctx context.Context, oc *opcontext.OperationContext, e *dispatcher.Endpoint, w http.ResponseWriter, r *http.Request) {
	if err := oc.DeadCheck("ops.SearchConceptMaps"); err != nil {
		dispatcher.WriteOutcome(w, dispatcher.NegotiateFormat(r), err)
		return
	}
	res, err := e.Provider.SearchConceptMaps(ctx, searchParams(r), elements(r))
	if err != nil {
		dispatcher.WriteOutcome(w, dispatcher.NegotiateFormat(r), err)
		return
	}
	writeBundle(w, dispatcher.NegotiateFormat(r), res)
}

// ReadCodeSystem handles the CodeSystem read route, resolving the "url"
// and optional "version" query parameters through
// Provider.GetCodeSystemProvider. An {id} path segment is not used for the
// lookup, and a request without "url" is answered with an invalid-parameter
// outcome. Instance ids beginning with "$" never
// reach here — the dispatcher treats that path segment as an operation
// name, per spec.md §4.8's routing table.
func ReadCodeSystem(ctx context.Context, oc *opcontext.OperationContext, e *dispatcher.Endpoint, w http.ResponseWriter, r *http.Request) {
	const op = "ops.ReadCodeSystem"
	format := dispatcher.NegotiateFormat(r)
	if err := oc.DeadCheck(op); err != nil {
		dispatcher.WriteOutcome(w, format, err)
		return
	}

	system := r.URL.Query().Get("url")
	version := r.URL.Query().Get("version")
	if system == "" {
		dispatcher.WriteOutcome(w, format, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInvalidParameter,
			Message: "CodeSystem read requires a url parameter"})
		return
	}

	p, err := e.Provider.GetCodeSystemProvider(ctx, system, version, nil)
	if err != nil {
		dispatcher.WriteOutcome(w, format, err)
		return
	}
	if p == nil {
		dispatcher.WriteOutcome(w, format, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrNotFound,
			Message: "no CodeSystem registered for " + system})
		return
	}

	res := p.Resource()
	if res == nil {
		// Algorithmically-backed providers (UCUM, the built-in tabular code
		// systems) have no materialized resource to render; identity alone
		// is confirmed by the 200 with a synthesized minimal body.
		w.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "CodeSystem",
			"url":          p.System(),
			"version":      p.Version(),
		})
		return
	}

	if format == dispatcher.FormatHTML {
		title := res.Title
		if title == "" {
			title = res.Name
		}
		_ = dispatcher.RenderResource(w, title, "", res.Raw)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	_, _ = w.Write(res.Raw)
}

// NotImplemented answers any of the algorithmic terminology operations
// ($lookup, $validate-code, $subsumes, $expand, $translate,
// $batch-validate-code, $related, $closure) with a 501 OperationOutcome:
// their semantics belong to the operation engines spec.md's OVERVIEW calls
// out as external collaborators, not to this dispatch layer.
func NotImplemented(ctx context.Context, oc *opcontext.OperationContext, e *dispatcher.Endpoint, w http.ResponseWriter, r *http.Request) {
	dispatcher.WriteOutcomeStatus(w, dispatcher.NegotiateFormat(r), http.StatusNotImplemented,
		"information", "not-supported", "operation not implemented by this server")
}

// Registry returns the operation-name -> handler map for one FHIR resource
// type's routes, per spec.md §4.8's routing table. resourceSearch handles
// the "" (plain search/read) entry; every named "$..." operation maps to
// NotImplemented unless overridden by the caller.
func Registry(resourceSearch dispatcher.OperationFunc, names ...string) map[string]dispatcher.OperationFunc {
	reg := map[string]dispatcher.OperationFunc{"": resourceSearch}
	for _, n := range names {
		reg[n] = NotImplemented
	}
	return reg
}
