package pkgmanager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/fetcher"
)

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchLiteralVersion(t *testing.T) {
	tgz := makeTarGz(t, map[string]string{
		"package/package.json": `{"name":"hl7.fhir.r4.core","version":"4.0.1"}`,
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hl7.fhir.r4.core/4.0.1":
			w.Write(tgz)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	pm := New(dir, []string{srv.URL}, WithFetcher(fetcher.New(fetcher.WithRateLimit(1000, 1000))))

	name, err := pm.Fetch(context.Background(), "hl7.fhir.r4.core", "4.0.1")
	require.NoError(t, err)
	require.Equal(t, "hl7.fhir.r4.core#4.0.1", name)

	data, err := os.ReadFile(filepath.Join(dir, name, "package", "package.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "4.0.1")
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "hl7.fhir.r4.core#4.0.1"), 0o755))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not be called on cache hit")
	}))
	defer srv.Close()

	pm := New(dir, []string{srv.URL})
	name, err := pm.Fetch(context.Background(), "hl7.fhir.r4.core", "4.0.1")
	require.NoError(t, err)
	require.Equal(t, "hl7.fhir.r4.core#4.0.1", name)
}

func TestFetchWildcardPicksHighest(t *testing.T) {
	versions := serverVersions{Versions: map[string]json.RawMessage{
		"4.0.0": json.RawMessage(`{}`),
		"4.0.1": json.RawMessage(`{}`),
		"4.1.0": json.RawMessage(`{}`),
	}}
	tgz := makeTarGz(t, map[string]string{"package/package.json": `{}`})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hl7.fhir.r4.core":
			json.NewEncoder(w).Encode(versions)
		case "/hl7.fhir.r4.core/4.0.1":
			w.Write(tgz)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	pm := New(dir, []string{srv.URL}, WithFetcher(fetcher.New(fetcher.WithRateLimit(1000, 1000))))
	name, err := pm.Fetch(context.Background(), "hl7.fhir.r4.core", "4.0.*")
	require.NoError(t, err)
	require.Equal(t, "hl7.fhir.r4.core#4.0.1", name)
}

func TestFetchNotFoundEverywhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	pm := New(dir, []string{srv.URL}, WithFetcher(fetcher.New(fetcher.WithRateLimit(1000, 1000))))
	_, err := pm.Fetch(context.Background(), "no.such.package", "1.0.0")
	require.Error(t, err)
	var fe *fhirsmith.Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, fhirsmith.ErrNotFound, fe.Kind)
}

func TestExtractAtomicCleansStalePart(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "pkg#1.0.0")
	require.NoError(t, os.MkdirAll(dest+".part", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest+".part", "stale.txt"), []byte("x"), 0o644))

	tgz := makeTarGz(t, map[string]string{"package/package.json": `{"name":"pkg"}`})
	require.NoError(t, extractAtomic(dest, bytes.NewReader(tgz)))

	_, err := os.Stat(dest + ".part")
	require.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dest, "package", "package.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "pkg")
}

func TestExtractAtomicSanitizesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "pkg#1.0.0")
	tgz := makeTarGz(t, map[string]string{"../../evil.txt": "pwned"})
	require.NoError(t, extractAtomic(dest, bytes.NewReader(tgz)))

	_, err := os.Stat(filepath.Join(dir, "evil.txt"))
	require.True(t, os.IsNotExist(err), "path traversal entry must not escape the destination")
}
