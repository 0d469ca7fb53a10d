package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/catalog"
	"github.com/sirkyp/fhirsmith/fetcher"
	"github.com/sirkyp/fhirsmith/pkgindex"
	"github.com/sirkyp/fhirsmith/pkgmanager"
	"github.com/sirkyp/fhirsmith/registry/codesystem"
)

// constFactory adapts an already-constructed provider to the codesystem.Factory
// interface, for source types (ucum, the tabular vocabularies) that are
// downloaded and parsed once up front rather than re-instantiated per call.
type constFactory struct {
	p fhirsmith.CodeSystemProvider
}

func (c constFactory) New(ctx context.Context, path string) (fhirsmith.CodeSystemProvider, error) {
	return c.p, nil
}

// Loader resolves a Descriptor's source lines into a populated Library,
// downloading and extracting whatever each line names.
type Loader struct {
	Library  *Library
	Fetch    *fetcher.Fetcher
	PkgMgr   *pkgmanager.PackageManager
	CacheDir string // where downloaded vocabulary files (ucum, loinc, ...) land
}

// Load processes every entry in order, registering factories, resources,
// and catalogs into l.Library as it goes.
func (l *Loader) Load(ctx context.Context, d *Descriptor, entries []SourceEntry) error {
	RegisterBuiltins()
	for _, e := range entries {
		if err := l.loadOne(ctx, d, e); err != nil {
			return fmt.Errorf("library: loading %q: %w", e.Type, err)
		}
	}
	return nil
}

func (l *Loader) loadOne(ctx context.Context, d *Descriptor, e SourceEntry) error {
	switch e.Type {
	case SourceInternal:
		factories := codesystem.Registered()
		f, ok := factories[e.Details]
		if !ok {
			return fmt.Errorf("unknown internal factory %q", e.Details)
		}
		p, err := f.New(ctx, "")
		if err != nil {
			return err
		}
		l.registerFactoryEntry(e, p.System(), "", constFactory{p: p})

	case SourceUCUM:
		path, err := l.ensureDownloaded(ctx, d, e.Details)
		if err != nil {
			return err
		}
		f := codesystem.Registered()["ucum"]
		p, err := f.New(ctx, path)
		if err != nil {
			return err
		}
		l.registerFactoryEntry(e, p.System(), "", constFactory{p: p})

	case SourceLOINC, SourceRxNorm, SourceNDC, SourceUNII, SourceSNOMED, SourceCPT, SourceOMOP:
		path, err := l.ensureDownloaded(ctx, d, e.Details)
		if err != nil {
			return err
		}
		f := codesystem.Registered()[string(e.Type)]
		p, err := f.New(ctx, path)
		if err != nil {
			return err
		}
		l.registerFactoryEntry(e, p.System(), "", constFactory{p: p})

	case SourceNPM:
		return l.loadNPM(ctx, e)

	default:
		return fmt.Errorf("unrecognized source type %q", e.Type)
	}
	return nil
}

// registerFactoryEntry registers f for system, honoring the Preferred flag
// the same way the "!" suffix marks a source as the preferred version of
// its code system (Design Note 9): a preferred entry always wins over a
// non-preferred one for the same system, regardless of which was declared
// first in the descriptor.
func (l *Loader) registerFactoryEntry(e SourceEntry, system, version string, f codesystem.Factory) {
	if e.Preferred {
		l.Library.RegisterPreferredFactory(system, version, f)
		return
	}
	l.Library.RegisterFactory(system, version, f)
}

// ensureDownloaded returns the local path for filename, downloading it from
// d's base URL into l.CacheDir first if absent.
func (l *Loader) ensureDownloaded(ctx context.Context, d *Descriptor, filename string) (string, error) {
	dest := filepath.Join(l.CacheDir, filename)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	b, err := l.Fetch.GetBytes(ctx, d.DownloadURL(filename), 0)
	if err != nil {
		return "", &fhirsmith.Error{Op: "library.Loader.ensureDownloaded", Kind: fhirsmith.ErrPackageFetchFailed, Inner: err}
	}
	if err := os.WriteFile(dest, b, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// loadNPM fetches and extracts packageId[#version], registers every
// CodeSystem resource it contains as a resource-backed provider, and wires
// up its ValueSet/ConceptMap catalogs.
func (l *Loader) loadNPM(ctx context.Context, e SourceEntry) error {
	packageID, version := e.Details, ""
	if i := strings.IndexByte(e.Details, '#'); i >= 0 {
		packageID, version = e.Details[:i], e.Details[i+1:]
	}

	dirName, err := l.PkgMgr.Fetch(ctx, packageID, version)
	if err != nil {
		return err
	}
	pkgDir := filepath.Join(l.CacheDir, dirName)

	idx, err := pkgindex.Open(pkgDir)
	if err != nil {
		return err
	}

	for _, entry := range idx.ResourcesOfType("CodeSystem") {
		raw, err := idx.LoadFile(entry)
		if err != nil {
			return err
		}
		r, err := fhirsmith.ParseResource(raw)
		if err != nil {
			return err
		}
		l.Library.RegisterCodeSystem(&resourceProvider{r: r})
	}

	vsCat, err := catalog.Open(ctx, filepath.Join(pkgDir, ".valuesets.db"), catalog.KindValueSet, "")
	if err != nil {
		return err
	}
	cmCat, err := catalog.Open(ctx, filepath.Join(pkgDir, ".conceptmaps.db"), catalog.KindConceptMap, "")
	if err != nil {
		return err
	}

	now := catalog.Now()
	for _, entry := range idx.ResourcesOfType("ValueSet") {
		raw, err := idx.LoadFile(entry)
		if err != nil {
			return err
		}
		r, err := fhirsmith.ParseResource(raw)
		if err != nil {
			return err
		}
		r.LastSeen = now
		if err := vsCat.Upsert(ctx, r); err != nil {
			return err
		}
	}
	for _, entry := range idx.ResourcesOfType("ConceptMap") {
		raw, err := idx.LoadFile(entry)
		if err != nil {
			return err
		}
		r, err := fhirsmith.ParseResource(raw)
		if err != nil {
			return err
		}
		r.LastSeen = now
		if err := cmCat.Upsert(ctx, r); err != nil {
			return err
		}
	}

	l.Library.AddValueSetProvider(vsCat)
	l.Library.AddConceptMapProvider(cmCat)
	return nil
}

// resourceProvider wraps a package-delivered CodeSystem resource as a
// CodeSystemProvider, per spec.md §4.6 step 4 ("look up in codeSystems...
// wrap in a resource-backed provider").
type resourceProvider struct {
	r *fhirsmith.Resource
}

func (p *resourceProvider) System() string               { return p.r.URL }
func (p *resourceProvider) Version() string               { return p.r.Version }
func (p *resourceProvider) Resource() *fhirsmith.Resource { return p.r }
