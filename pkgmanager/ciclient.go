package pkgmanager

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/fetcher"
)

// ciIndexURL is HL7's master index of continuous-build implementation
// guides.
const ciIndexURL = "https://build.fhir.org/ig/qas.json"

// ciDateLayout is the fixed layout for qas.json "date" fields, per Open
// Question (2): YYYY-MM-DDThh:mm:ss(.sss)?(Z|±hh:mm). A fixed layout is used
// instead of a locale-sensitive parser since the field is always emitted in
// this exact shape by the HL7 build tooling.
const ciDateLayout = "2006-01-02T15:04:05.999999999Z07:00"

// qaEntry is one row of qas.json.
type qaEntry struct {
	PackageID string `json:"package-id"`
	Date      string `json:"date"`
	RepoURL   string `json:"repo"`
}

// CIBuildClient resolves a package id to its HL7 continuous-build URL and
// fetches `current`/`current$<branch>` tarballs from it.
//
// The qas.json index is refetched at most once per ciTTL; concurrent
// callers during a refresh all wait on the same in-flight fetch rather than
// issuing redundant requests.
type CIBuildClient struct {
	fetch   *fetcher.Fetcher
	servers []string

	mu        sync.Mutex
	buildURLs map[string]string // packageId -> base build URL
	fetchedAt time.Time
	refreshing chan struct{}
}

const ciTTL = time.Hour

// NewCIBuildClient constructs a CIBuildClient. servers is accepted for
// parity with PackageManager's construction but is currently unused: the
// qas.json index is always HL7's canonical one.
func NewCIBuildClient(f *fetcher.Fetcher, servers []string) *CIBuildClient {
	return &CIBuildClient{fetch: f, servers: servers}
}

// index returns the current packageId->buildURL map, refreshing it first if
// the cached copy is stale or absent.
func (c *CIBuildClient) index(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	if c.buildURLs != nil && time.Since(c.fetchedAt) < ciTTL {
		m := c.buildURLs
		c.mu.Unlock()
		return m, nil
	}
	if c.refreshing != nil {
		ch := c.refreshing
		c.mu.Unlock()
		select {
		case <-ch:
			return c.index(ctx)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ch := make(chan struct{})
	c.refreshing = ch
	c.mu.Unlock()

	m, err := c.fetchIndex(ctx)

	c.mu.Lock()
	if err == nil {
		c.buildURLs = m
		c.fetchedAt = time.Now()
	}
	c.refreshing = nil
	c.mu.Unlock()
	close(ch)

	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *CIBuildClient) fetchIndex(ctx context.Context) (map[string]string, error) {
	const op = "pkgmanager.CIBuildClient.fetchIndex"

	b, err := c.fetch.GetBytes(ctx, ciIndexURL, 32<<20, http.StatusOK)
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrUpstreamUnavailable, Inner: err}
	}
	var entries []qaEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrLoadFailed, Inner: err}
	}

	// Sort descending by parsed date, keep the first (= newest) occurrence
	// of each package id.
	sort.SliceStable(entries, func(i, j int) bool {
		ti, _ := time.Parse(ciDateLayout, entries[i].Date)
		tj, _ := time.Parse(ciDateLayout, entries[j].Date)
		return ti.After(tj)
	})

	m := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.PackageID == "" || e.RepoURL == "" {
			continue
		}
		if _, seen := m[e.PackageID]; seen {
			continue
		}
		m[e.PackageID] = buildBaseFromRepo(e.RepoURL)
	}
	return m, nil
}

// buildBaseFromRepo derives the CI build base URL from a qas.json "repo"
// entry, which is conventionally of the form
// "{org}/{repo}/branches/{branch}/qa.json" or "{org}/{repo}/qa.json".
func buildBaseFromRepo(repo string) string {
	repo = strings.TrimSuffix(repo, "/qa.json")
	return "https://build.fhir.org/ig/" + repo
}

// Fetch returns the package tarball body for packageId, optionally pinned
// to branch. Handles the .r3/.r4/.r4b/.r5/.r6 id-suffix convention (the
// parent package's build base, full id as filename) and the hl7.fhir.r6
// root-URL fallback called for by spec.md §4.2.
func (c *CIBuildClient) Fetch(ctx context.Context, packageID, branch string) (io.ReadCloser, error) {
	const op = "pkgmanager.CIBuildClient.Fetch"

	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}

	lookupID, filename := packageID, "package.tgz"
	for _, suffix := range []string{".r3", ".r4", ".r4b", ".r5", ".r6"} {
		if strings.HasSuffix(packageID, suffix) {
			lookupID = strings.TrimSuffix(packageID, suffix)
			filename = packageID + ".tgz"
			break
		}
	}

	base, ok := idx[lookupID]
	if !ok && strings.HasPrefix(packageID, "hl7.fhir.r6") {
		base = "https://build.fhir.org/ig"
	}
	if base == "" {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrNotFound,
			Message: "no CI build known for " + packageID}
	}

	var urls []string
	switch {
	case branch != "":
		urls = []string{base + "/branches/" + branch + "/" + filename}
	default:
		urls = []string{base + "/" + filename, base + "/branches/main/" + filename}
	}

	var lastErr error
	for _, u := range urls {
		resp, err := c.fetch.Get(ctx, u, http.StatusOK, http.StatusNotFound)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		return resp.Body, nil
	}
	if lastErr != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrPackageFetchFailed, Inner: lastErr}
	}
	return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrNotFound,
		Message: "no CI build tarball found for " + packageID}
}

// SyntheticVersion returns the version string convention used by
// PackageManager.Fetch to represent a CI build pinned to branch ("" for the
// unpinned "current").
func SyntheticVersion(branch string) string {
	if branch == "" {
		return "current"
	}
	return "current$" + branch
}
