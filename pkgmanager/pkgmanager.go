// Package pkgmanager resolves, fetches, and extracts FHIR NPM packages into
// a local cache directory, per SPEC_FULL.md §4.2.
package pkgmanager

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/fetcher"
	"github.com/sirkyp/fhirsmith/internal/versionalgebra"
	pkgpath "github.com/sirkyp/fhirsmith/pkg/path"
)

// PackageManager resolves package ids and version criteria to an extracted,
// on-disk package directory, fetching and extracting on cache miss.
type PackageManager struct {
	cacheDir string
	servers  []string // ordered, first match wins
	fetch    *fetcher.Fetcher
	ci       *CIBuildClient

	log *slog.Logger
}

// Option configures a PackageManager.
type Option func(*PackageManager)

// WithFetcher overrides the *fetcher.Fetcher used for all network access.
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(pm *PackageManager) { pm.fetch = f }
}

// WithLogger overrides the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(pm *PackageManager) { pm.log = l }
}

// New constructs a PackageManager rooted at cacheDir, querying servers in
// the given order.
func New(cacheDir string, servers []string, opts ...Option) *PackageManager {
	pm := &PackageManager{
		cacheDir: cacheDir,
		servers:  servers,
		fetch:    fetcher.New(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(pm)
	}
	if pm.ci == nil {
		pm.ci = NewCIBuildClient(pm.fetch, servers)
	}
	return pm
}

// serverVersions is the shape of GET {server}/{packageId}.
type serverVersions struct {
	Versions map[string]json.RawMessage `json:"versions"`
}

// Fetch resolves packageId and versionCriteria to an extracted directory
// name under the cache root, fetching and extracting on first use.
//
// versionCriteria may be empty (meaning "latest"), a wildcard expression
// (versionalgebra.HasWildcards), the literal "current", or a fully
// specified version.
func (pm *PackageManager) Fetch(ctx context.Context, packageID, versionCriteria string) (string, error) {
	const op = "pkgmanager.Fetch"

	version := versionCriteria
	if version == "" || versionalgebra.HasWildcards(version) {
		resolved, err := pm.resolveVersion(ctx, packageID, version)
		if err != nil {
			return "", err
		}
		version = resolved
	}

	dirName := packageID + "#" + version
	dest := filepath.Join(pm.cacheDir, dirName)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return dirName, nil
	}

	pm.log.DebugContext(ctx, "package cache miss", "package", packageID, "version", version)

	if version == "current" || strings.HasPrefix(version, "current$") {
		branch := ""
		if strings.HasPrefix(version, "current$") {
			branch = strings.TrimPrefix(version, "current$")
		}
		body, err := pm.ci.Fetch(ctx, packageID, branch)
		if err != nil {
			return "", err
		}
		defer body.Close()
		if err := extractAtomic(dest, body); err != nil {
			return "", err
		}
		return dirName, nil
	}

	body, err := pm.fetchFromServers(ctx, packageID, version)
	if err != nil {
		return "", err
	}
	defer body.Close()
	if err := extractAtomic(dest, body); err != nil {
		return "", err
	}
	return dirName, nil
}

// resolveVersion queries each server for the version index and picks the
// highest version matching criteria (or the highest overall, if criteria is
// empty).
func (pm *PackageManager) resolveVersion(ctx context.Context, packageID, criteria string) (string, error) {
	const op = "pkgmanager.resolveVersion"

	var best string
	for _, server := range pm.servers {
		url := strings.TrimSuffix(server, "/") + "/" + packageID
		b, err := pm.fetch.GetBytes(ctx, url, 1<<20, http.StatusOK)
		if err != nil {
			pm.log.WarnContext(ctx, "version index fetch failed", "server", server, "error", err)
			continue
		}
		var idx serverVersions
		if err := json.Unmarshal(b, &idx); err != nil {
			continue
		}
		for v := range idx.Versions {
			if _, err := versionalgebra.Parse(v, false); err != nil {
				pm.log.WarnContext(ctx, "skipping unparseable version in index", "server", server, "version", v, "error", err)
				continue
			}
			if criteria != "" && !versionalgebra.Matches(criteria, v) {
				continue
			}
			if best == "" || versionalgebra.Compare(v, best) > 0 {
				best = v
			}
		}
	}
	if best == "" {
		return "", &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrNotFound,
			Message: fmt.Sprintf("no server has a version of %q matching %q", packageID, criteria)}
	}
	return best, nil
}

// fetchFromServers tries each server in order for the literal version,
// returning the first 200 response body. 404 means "try the next server".
func (pm *PackageManager) fetchFromServers(ctx context.Context, packageID, version string) (io.ReadCloser, error) {
	const op = "pkgmanager.fetchFromServers"

	var lastErr error
	for _, server := range pm.servers {
		url := strings.TrimSuffix(server, "/") + "/" + packageID + "/" + version
		resp, err := pm.fetch.Get(ctx, url, http.StatusOK, http.StatusNotFound)
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
		Message: fmt.Sprintf("%s@%s not found on any configured server", packageID, version)}
}

// extractAtomic decompresses and untars r into dest, using a sibling
// "{dest}.part" staging directory so a crash mid-extract never leaves a
// directory that looks complete. A leftover .part directory from an earlier
// failed attempt is removed before the new extraction starts.
func extractAtomic(dest string, r io.Reader) error {
	const op = "pkgmanager.extractAtomic"

	part := dest + ".part"
	if err := os.RemoveAll(part); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
	}
	if err := os.MkdirAll(part, 0o755); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		os.RemoveAll(part)
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.RemoveAll(part)
			return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
		}

		name := pkgpath.CanonicalizeFileName(hdr.Name)
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(part, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				os.RemoveAll(part)
				return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				os.RemoveAll(part)
				return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				os.RemoveAll(part)
				return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				os.RemoveAll(part)
				return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
			}
			if err := f.Close(); err != nil {
				os.RemoveAll(part)
				return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
			}
		default:
			// symlinks, hardlinks, devices: not expected in FHIR package
			// tarballs, skip rather than fail the whole extraction.
		}
	}

	if err := os.Rename(part, dest); err != nil {
		os.RemoveAll(part)
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrExtractFailed, Inner: err}
	}
	return nil
}

