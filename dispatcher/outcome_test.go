package dispatcher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirkyp/fhirsmith"
)

func TestStatusForErrorMapsKinds(t *testing.T) {
	require.Equal(t, http.StatusNotFound, StatusForError(&fhirsmith.Error{Kind: fhirsmith.ErrNotFound}))
	require.Equal(t, http.StatusBadRequest, StatusForError(&fhirsmith.Error{Kind: fhirsmith.ErrInvalidParameter}))
	require.Equal(t, http.StatusNotImplemented, StatusForError(&fhirsmith.Error{Kind: fhirsmith.ErrNotSupported}))
	require.Equal(t, http.StatusInternalServerError, StatusForError(fmt.Errorf("plain error")))
}

func TestStatusForErrorUnwrapsWrappedError(t *testing.T) {
	inner := &fhirsmith.Error{Kind: fhirsmith.ErrUpstreamUnavailable}
	wrapped := fmt.Errorf("fetching: %w", inner)
	require.Equal(t, http.StatusBadGateway, StatusForError(wrapped))
}

func TestWriteOutcomeJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOutcome(rec, FormatJSON, &fhirsmith.Error{Kind: fhirsmith.ErrNotFound, Message: "no such ValueSet"})

	require.Equal(t, http.StatusNotFound, rec.Code)
	var oc Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oc))
	require.Equal(t, "OperationOutcome", oc.ResourceType)
	require.Len(t, oc.Issue, 1)
	require.Equal(t, "not-found", oc.Issue[0].Code)
}

func TestWriteOutcomeXML(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOutcome(rec, FormatXML, &fhirsmith.Error{Kind: fhirsmith.ErrInvalidParameter})

	require.Equal(t, "application/fhir+xml", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "<OperationOutcome>")
}

func TestWriteOutcomeHTML(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOutcome(rec, FormatHTML, &fhirsmith.Error{Kind: fhirsmith.ErrTooCostly, Message: "deadline exceeded"})

	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "too-costly")
}

func TestWriteOutcomeStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOutcomeStatus(rec, FormatJSON, http.StatusMethodNotAllowed, "error", "not-supported", "GET not allowed")

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var oc Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oc))
	require.Equal(t, "GET not allowed", oc.Issue[0].Diagnostics)
}
