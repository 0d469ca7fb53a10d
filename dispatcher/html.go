package dispatcher

import (
	"encoding/json"
	"html/template"
	"io"
)

// pageTemplate is the single shared page template spec.md §4.8 calls for:
// every rendered response — error outcomes, resources, bundles — embeds its
// body fragment in this one shell.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{.Body}}
</body>
</html>
`))

type pageData struct {
	Title string
	Body  template.HTML
}

func renderPage(w io.Writer, title string, body template.HTML) error {
	return pageTemplate.Execute(w, pageData{Title: title, Body: body})
}

func renderOutcomeHTML(w io.Writer, oc Outcome) error {
	var body template.HTML
	for _, iss := range oc.Issue {
		body += template.HTML("<p><strong>" + template.HTMLEscapeString(iss.Severity) + "</strong> (" +
			template.HTMLEscapeString(iss.Code) + "): " + template.HTMLEscapeString(iss.Diagnostics) + "</p>")
	}
	return renderPage(w, "Operation Outcome", body)
}

// RenderResource renders a single FHIR resource as a page: its narrative
// text, if present, plus a collapsible block of the raw JSON source, per
// spec.md §4.8's HTML rendering contract.
func RenderResource(w io.Writer, title string, narrativeHTML string, raw json.RawMessage) error {
	pretty, err := json.MarshalIndent(json.RawMessage(raw), "", "  ")
	if err != nil {
		pretty = raw
	}
	var body template.HTML
	if narrativeHTML != "" {
		body += template.HTML("<div class=\"narrative\">" + narrativeHTML + "</div>")
	}
	body += template.HTML("<details><summary>JSON source</summary><pre>" +
		template.HTMLEscapeString(string(pretty)) + "</pre></details>")
	return renderPage(w, title, body)
}

// BundleRow is one row of a table-rendered search-result bundle
// (spec.md §4.8: "bundles with _elements render as a table").
type BundleRow struct {
	Cells []string
}

// RenderBundleTable renders a search-result bundle restricted by _elements
// as an HTML table, one row per resource, one column per requested element.
func RenderBundleTable(w io.Writer, title string, columns []string, rows []BundleRow) error {
	var body template.HTML
	body += "<table border=\"1\"><thead><tr>"
	for _, c := range columns {
		body += template.HTML("<th>" + template.HTMLEscapeString(c) + "</th>")
	}
	body += "</tr></thead><tbody>"
	for _, row := range rows {
		body += "<tr>"
		for _, cell := range row.Cells {
			body += template.HTML("<td>" + template.HTMLEscapeString(cell) + "</td>")
		}
		body += "</tr>"
	}
	body += "</tbody></table>"
	return renderPage(w, title, body)
}

// BundleSummary is one stacked resource summary rendered when a bundle has
// no _elements restriction (spec.md §4.8: "bundles without it render as
// stacked resource summaries").
type BundleSummary struct {
	Title   string
	Summary string
}

// RenderBundleSummaries renders a search-result bundle as stacked resource
// summaries.
func RenderBundleSummaries(w io.Writer, title string, summaries []BundleSummary) error {
	var body template.HTML
	for _, s := range summaries {
		body += template.HTML("<div class=\"resource-summary\"><h2>" + template.HTMLEscapeString(s.Title) +
			"</h2><p>" + template.HTMLEscapeString(s.Summary) + "</p></div>")
	}
	return renderPage(w, title, body)
}
