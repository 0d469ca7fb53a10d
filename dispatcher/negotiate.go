package dispatcher

import (
	"net/http"
	"strings"
)

// Output format tokens, shared by content negotiation and outcome writing.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
	FormatHTML = "html"
)

// NegotiateFormat resolves the response format per spec.md §4.8 step 5:
// a "_format" value containing html, xml or json decides the format
// outright; otherwise the Accept header is consulted, text/html selecting
// HTML and an XML media type selecting XML; JSON is the default.
func NegotiateFormat(r *http.Request) string {
	if f := r.URL.Query().Get("_format"); f != "" {
		switch {
		case strings.Contains(f, "html"):
			return FormatHTML
		case strings.Contains(f, "xml"):
			return FormatXML
		case strings.Contains(f, "json"):
			return FormatJSON
		}
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return FormatHTML
	case strings.Contains(accept, "application/fhir+xml"), strings.Contains(accept, "application/xml"),
		strings.Contains(accept, "text/xml"):
		return FormatXML
	default:
		return FormatJSON
	}
}

// NegotiateRequestContentType validates an inbound POST body's Content-Type
// against spec.md §4.8 step 3's accepted set, returning "json" or "xml", or
// "" if the content type is unsupported (the caller should reject with 415).
func NegotiateRequestContentType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	switch ct {
	case "application/fhir+json", "application/json":
		return FormatJSON
	case "application/fhir+xml", "application/xml":
		return FormatXML
	default:
		return ""
	}
}
