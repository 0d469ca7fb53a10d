// Package dispatcher implements the HTTP routing, content negotiation, and
// error-response layer described in SPEC_FULL.md §4.8.
package dispatcher

import (
	"encoding/json"
	"encoding/xml"
	"net/http"

	"github.com/sirkyp/fhirsmith"
)

// Issue is one FHIR OperationOutcome.issue entry.
type Issue struct {
	Severity    string `json:"severity" xml:"severity"`
	Code        string `json:"code" xml:"code"`
	Diagnostics string `json:"diagnostics,omitempty" xml:"diagnostics,omitempty"`
}

// Outcome is a minimal FHIR OperationOutcome: just the fields this server
// ever populates.
type Outcome struct {
	XMLName      xml.Name `json:"-" xml:"OperationOutcome"`
	ResourceType string   `json:"resourceType" xml:"-"`
	Issue        []Issue  `json:"issue" xml:"issue"`
}

// kindStatus maps a domain error kind to the HTTP status and OperationOutcome
// issue code spec.md §4.8 assigns it.
var kindStatus = map[fhirsmith.ErrorKind]struct {
	status int
	code   string
}{
	fhirsmith.ErrInvalidParameter:     {http.StatusBadRequest, "invalid"},
	fhirsmith.ErrNotFound:             {http.StatusNotFound, "not-found"},
	fhirsmith.ErrNotSupported:         {http.StatusNotImplemented, "not-supported"},
	fhirsmith.ErrVersionInconsistent:  {http.StatusBadRequest, "invalid"},
	fhirsmith.ErrPackageFetchFailed:   {http.StatusInternalServerError, "exception"},
	fhirsmith.ErrExtractFailed:        {http.StatusInternalServerError, "exception"},
	fhirsmith.ErrIndexCorrupt:         {http.StatusInternalServerError, "exception"},
	fhirsmith.ErrLoadFailed:           {http.StatusInternalServerError, "exception"},
	fhirsmith.ErrTooCostly:            {http.StatusUnprocessableEntity, "too-costly"},
	fhirsmith.ErrUpstreamUnavailable:  {http.StatusBadGateway, "exception"},
	fhirsmith.ErrAuthenticationFailed: {http.StatusUnauthorized, "security"},
	fhirsmith.ErrInternal:             {http.StatusInternalServerError, "exception"},
}

// StatusForError resolves err to the HTTP status code spec.md §4.8
// prescribes. Unrecognized errors (not a *fhirsmith.Error) map to 500.
func StatusForError(err error) int {
	var fe *fhirsmith.Error
	if !asFhirsmithError(err, &fe) {
		return http.StatusInternalServerError
	}
	if m, ok := kindStatus[fe.Kind]; ok {
		return m.status
	}
	return http.StatusInternalServerError
}

func asFhirsmithError(err error, target **fhirsmith.Error) bool {
	for err != nil {
		if fe, ok := err.(*fhirsmith.Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// WriteOutcome writes err as an OperationOutcome in the requested format
// ("json", "xml", or "html"), per spec.md §4.8's error contract.
func WriteOutcome(w http.ResponseWriter, format string, err error) {
	status := StatusForError(err)
	severity := "error"
	code := "exception"
	var fe *fhirsmith.Error
	if asFhirsmithError(err, &fe) {
		if m, ok := kindStatus[fe.Kind]; ok {
			code = m.code
		}
	}
	oc := Outcome{
		ResourceType: "OperationOutcome",
		Issue:        []Issue{{Severity: severity, Code: code, Diagnostics: err.Error()}},
	}
	writeOutcomeBody(w, format, status, oc)
}

// WriteOutcomeStatus writes a synthesized OperationOutcome with an explicit
// status/severity/code/diagnostics, for dispatcher-level failures (bad
// method, unsupported content type) that don't originate as a
// *fhirsmith.Error.
func WriteOutcomeStatus(w http.ResponseWriter, format string, status int, severity, code, diagnostics string) {
	oc := Outcome{
		ResourceType: "OperationOutcome",
		Issue:        []Issue{{Severity: severity, Code: code, Diagnostics: diagnostics}},
	}
	writeOutcomeBody(w, format, status, oc)
}

func writeOutcomeBody(w http.ResponseWriter, format string, status int, oc Outcome) {
	switch format {
	case FormatXML:
		w.Header().Set("Content-Type", "application/fhir+xml")
		w.WriteHeader(status)
		_ = xml.NewEncoder(w).Encode(oc)
	case FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_ = renderOutcomeHTML(w, oc)
	default:
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(oc)
	}
}
