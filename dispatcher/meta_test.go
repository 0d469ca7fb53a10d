package dispatcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetadataHandlerDefaultsToCapabilityStatement(t *testing.T) {
	h := MetadataHandler(&Endpoint{Path: "/r4", FHIRVersion: "4.0.1"})
	req := httptest.NewRequest(http.MethodGet, "/r4/metadata", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var cs CapabilityStatement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	require.Equal(t, "CapabilityStatement", cs.ResourceType)
	require.Equal(t, "4.0.1", cs.FHIRVersion)
	require.Len(t, cs.Rest, 1)
	require.Len(t, cs.Rest[0].Resource, 3)
}

func TestMetadataHandlerTerminologyMode(t *testing.T) {
	h := MetadataHandler(&Endpoint{Path: "/r4", FHIRVersion: "4.0.1"})
	req := httptest.NewRequest(http.MethodGet, "/r4/metadata?mode=terminology", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var tc TerminologyCapabilities
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tc))
	require.Equal(t, "TerminologyCapabilities", tc.ResourceType)
}

func TestVersionsHandlerReportsCoreLoadedStatus(t *testing.T) {
	endpoints := []*Endpoint{
		{Path: "/r4", FHIRVersion: "4.0.1"},
		{Path: "/r5", FHIRVersion: "5.0.0"},
	}
	h := VersionsHandler(endpoints, map[string]bool{"4.0.1": true})
	req := httptest.NewRequest(http.MethodGet, "/$versions", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var resp VersionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Versions, 2)
	require.True(t, resp.Versions[0].CorePackageLoaded)
	require.False(t, resp.Versions[1].CorePackageLoaded)
}

func TestHealthzHandlerOKWhenCacheDirExists(t *testing.T) {
	hc := &HealthChecker{CacheDir: t.TempDir()}
	rec := httptest.NewRecorder()
	hc.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var st healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.True(t, st.CacheReachable)
	require.Equal(t, "ok", st.Status)
}

func TestHealthzHandlerDegradedWhenCacheDirMissing(t *testing.T) {
	hc := &HealthChecker{CacheDir: filepath.Join(t.TempDir(), "does-not-exist")}
	rec := httptest.NewRecorder()
	hc.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthzHandlerReportsStaleVSAC(t *testing.T) {
	hc := &HealthChecker{
		CacheDir:         t.TempDir(),
		MaxVSACStaleness: time.Minute,
		LastVSACRefresh: func() (time.Time, bool) {
			return time.Now().Add(-time.Hour), true
		},
	}
	rec := httptest.NewRecorder()
	hc.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var st healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.True(t, st.VSACStale)
}
