package dispatcher

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderResourceIncludesNarrativeAndJSON(t *testing.T) {
	var buf bytes.Buffer
	raw := json.RawMessage(`{"resourceType":"ValueSet","id":"abc"}`)
	require.NoError(t, RenderResource(&buf, "Example ValueSet", "<div>Narrative</div>", raw))

	out := buf.String()
	require.Contains(t, out, "Example ValueSet")
	require.Contains(t, out, "<div>Narrative</div>")
	require.Contains(t, out, "resourceType")
	require.Contains(t, out, "<details>")
}

func TestRenderBundleTableRendersRowsAndColumns(t *testing.T) {
	var buf bytes.Buffer
	err := RenderBundleTable(&buf, "Search results", []string{"id", "name"}, []BundleRow{
		{Cells: []string{"vs1", "Example"}},
	})
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "<table")
	require.Contains(t, out, "<th>id</th>")
	require.Contains(t, out, "<td>vs1</td>")
}

func TestRenderBundleSummariesEscapesContent(t *testing.T) {
	var buf bytes.Buffer
	err := RenderBundleSummaries(&buf, "Search results", []BundleSummary{
		{Title: "<script>alert(1)</script>", Summary: "a summary"},
	})
	require.NoError(t, err)

	out := buf.String()
	require.NotContains(t, out, "<script>alert(1)</script>")
	require.Contains(t, out, "&lt;script&gt;")
}
