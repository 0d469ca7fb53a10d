package pkgmanager

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sirkyp/fhirsmith/fetcher"
)

func TestCIBuildClientFetchUnbranched(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/ig/qas.json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"package-id":"hl7.fhir.uv.extensions","date":"2026-01-02T03:04:05Z","repo":"HL7/fhir-extensions/qa.json"}]`)
	})
	mux.HandleFunc("/ig/HL7/fhir-extensions/package.tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tarball-bytes"))
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	// ciIndexURL is a fixed constant pointing at the real HL7 server, so
	// these tests seed the resolved build-URL cache directly rather than
	// exercising fetchIndex against ciIndexURL itself.
	c := NewCIBuildClient(fetcher.New(fetcher.WithRateLimit(1000, 1000)), nil)
	c.buildURLs = map[string]string{"hl7.fhir.uv.extensions": srv.URL + "/ig/HL7/fhir-extensions"}
	c.fetchedAt = time.Now()

	rc, err := c.Fetch(context.Background(), "hl7.fhir.uv.extensions", "")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "tarball-bytes", string(b))
}

func TestCIBuildClientSuffixConvention(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/ig/base/hl7.fhir.us.core.r4.tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("r4-variant"))
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	c := NewCIBuildClient(fetcher.New(fetcher.WithRateLimit(1000, 1000)), nil)
	c.buildURLs = map[string]string{"hl7.fhir.us.core": srv.URL + "/ig/base"}
	c.fetchedAt = time.Now()

	rc, err := c.Fetch(context.Background(), "hl7.fhir.us.core.r4", "")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "r4-variant", string(b))
}

func TestSyntheticVersion(t *testing.T) {
	require.Equal(t, "current", SyntheticVersion(""))
	require.Equal(t, "current$mybranch", SyntheticVersion("mybranch"))
}
