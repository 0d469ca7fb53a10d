package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirkyp/fhirsmith"
)

func testResource(t *testing.T, id, url, version, name string, lastSeen int64) *fhirsmith.Resource {
	t.Helper()
	raw := []byte(`{"resourceType":"ValueSet","id":"` + id + `","url":"` + url + `","version":"` + version + `","name":"` + name + `","status":"active","compose":{"include":[{"system":"http://loinc.org"}]}}`)
	r, err := fhirsmith.ParseResource(raw)
	require.NoError(t, err)
	r.LastSeen = lastSeen
	return r
}

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.valuesets.db")
	cat, err := Open(context.Background(), path, KindValueSet, "")
	require.NoError(t, err)
	return cat
}

func TestUpsertAndSearchByURL(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	r := testResource(t, "vs1", "http://example.org/ValueSet/vs1", "1.0.0", "Example", 100)
	require.NoError(t, cat.Upsert(ctx, r))

	got, err := cat.Search(ctx, []Param{{Name: "url", Value: "http://example.org/ValueSet/vs1"}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "vs1", got[0].ID)
}

func TestSearchNameSubstringCaseInsensitive(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.Upsert(ctx, testResource(t, "vs1", "http://example.org/vs1", "1.0.0", "Administrative Gender", 100)))

	got, err := cat.Search(ctx, []Param{{Name: "name", Value: "gender"}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSearchBySystemJoin(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.Upsert(ctx, testResource(t, "vs1", "http://example.org/vs1", "1.0.0", "Example", 100)))

	got, err := cat.Search(ctx, []Param{{Name: "system", Value: "http://loinc.org"}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	none, err := cat.Search(ctx, []Param{{Name: "system", Value: "http://snomed.info/sct"}}, nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestUpsertReplacesSideTables(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	r := testResource(t, "vs1", "http://example.org/vs1", "1.0.0", "Example", 100)
	require.NoError(t, cat.Upsert(ctx, r))
	require.NoError(t, cat.Upsert(ctx, r)) // re-upsert must not duplicate side rows

	got, err := cat.Search(ctx, []Param{{Name: "system", Value: "http://loinc.org"}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestElementsProjection(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.Upsert(ctx, testResource(t, "vs1", "http://example.org/vs1", "1.0.0", "Example", 100)))

	got, err := cat.Search(ctx, nil, []string{"id", "url", "name"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "vs1", got[0].ID)
	require.Equal(t, "Example", got[0].Name)
}

func TestElementsProjectionFallsBackOnUnindexedElement(t *testing.T) {
	require.False(t, canProject([]string{"id", "compose"}))
	require.True(t, canProject([]string{"id", "url", "status"}))
	require.False(t, canProject(nil))
}

func TestDeleteOlderThan(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.Upsert(ctx, testResource(t, "old", "http://example.org/old", "1.0.0", "Old", 10)))
	require.NoError(t, cat.Upsert(ctx, testResource(t, "new", "http://example.org/new", "1.0.0", "New", 1000)))

	n, err := cat.DeleteOlderThan(ctx, 500)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := cat.Search(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].ID)
}

func TestSpaceIDPrefixesResultID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spaced.valuesets.db")
	cat, err := Open(context.Background(), path, KindValueSet, "pkg1")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, cat.Upsert(ctx, testResource(t, "vs1", "http://example.org/vs1", "1.0.0", "Example", 100)))

	got, err := cat.Search(ctx, []Param{{Name: "url", Value: "http://example.org/vs1"}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "pkg1-vs1", got[0].ID)
}
