// Package pkgindex loads an extracted FHIR NPM package's manifest and
// .index.json into queryable maps, per SPEC_FULL.md §4.3.
package pkgindex

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"

	"github.com/sirkyp/fhirsmith"
)

// Entry is one row of package/.index.json.
type Entry struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	URL          string `json:"url"`
	Version      string `json:"version"`
	FileName     string `json:"filename"`
}

type manifestJSON struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	FHIRVersions []string `json:"fhirVersions"`
}

type indexJSON struct {
	Files []Entry `json:"files"`
}

// Index is the loaded view of a single extracted package directory. The
// zero value is not usable; build one with Open.
type Index struct {
	fsys fs.FS
	dir  string // the directory Open was given, reported by Dir

	manifest manifestJSON

	typeAndID  map[string]Entry // "{resourceType}/{id}" -> entry
	byCanon    map[string]Entry // "url" and "url|version" -> entry
	byType     map[string][]Entry
}

// openOnce coordinates concurrent Open calls for the same directory: the
// first caller builds the Index, later callers for the same directory block
// on the same result rather than re-parsing the files redundantly.
var openOnce sync.Map // dir string -> *openState

type openState struct {
	once  sync.Once
	idx   *Index
	err   error
}

// Open loads the package rooted at dir (the extracted package directory,
// i.e. the parent of "package/package.json"). Concurrent Open calls for the
// same dir share one load: the first caller in wins, the rest wait for and
// reuse its result.
func Open(dir string) (*Index, error) {
	v, _ := openOnce.LoadOrStore(dir, &openState{})
	st := v.(*openState)
	st.once.Do(func() {
		st.idx, st.err = load(dir)
	})
	return st.idx, st.err
}

func load(dir string) (*Index, error) {
	const op = "pkgindex.Open"

	fsys := os.DirFS(dir)

	mb, err := fs.ReadFile(fsys, "package/package.json")
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrIndexCorrupt, Message: "package/package.json", Inner: err}
	}
	var manifest manifestJSON
	if err := json.Unmarshal(mb, &manifest); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrIndexCorrupt, Message: "package/package.json", Inner: err}
	}

	ib, err := fs.ReadFile(fsys, "package/.index.json")
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrIndexCorrupt, Message: "package/.index.json", Inner: err}
	}
	var idx indexJSON
	if err := json.Unmarshal(ib, &idx); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrIndexCorrupt, Message: "package/.index.json", Inner: err}
	}

	i := &Index{
		fsys:      fsys,
		dir:       dir,
		manifest:  manifest,
		typeAndID: make(map[string]Entry, len(idx.Files)),
		byCanon:   make(map[string]Entry, len(idx.Files)*2),
		byType:    make(map[string][]Entry),
	}
	for _, e := range idx.Files {
		if e.ResourceType == "" || e.ID == "" {
			continue
		}
		i.typeAndID[e.ResourceType+"/"+e.ID] = e
		i.byType[e.ResourceType] = append(i.byType[e.ResourceType], e)
		if e.URL == "" {
			continue
		}
		// first entry wins for any URL collision; later duplicates (e.g. a
		// package shipping both the latest and an older snapshot under the
		// same bare URL) don't overwrite it.
		if _, exists := i.byCanon[e.URL]; !exists {
			i.byCanon[e.URL] = e
		}
		if e.Version != "" {
			key := fhirsmith.Join(e.URL, e.Version)
			if _, exists := i.byCanon[key]; !exists {
				i.byCanon[key] = e
			}
		}
	}
	return i, nil
}

// ResourceByID looks up an entry by {resourceType}/{id}.
func (i *Index) ResourceByID(resourceType, id string) (Entry, bool) {
	e, ok := i.typeAndID[resourceType+"/"+id]
	return e, ok
}

// ResourceByCanonical looks up an entry by canonical URL, trying the
// versioned key first and falling back to the bare URL.
func (i *Index) ResourceByCanonical(url, version string) (Entry, bool) {
	if version != "" {
		if e, ok := i.byCanon[fhirsmith.Join(url, version)]; ok {
			return e, ok
		}
	}
	e, ok := i.byCanon[url]
	return e, ok
}

// ResourcesOfType returns all entries of the given resource type.
func (i *Index) ResourcesOfType(resourceType string) []Entry {
	return i.byType[resourceType]
}

// LoadFile reads and parses the resource body named by entry.
func (i *Index) LoadFile(e Entry) (json.RawMessage, error) {
	const op = "pkgindex.LoadFile"
	if e.FileName == "" {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrIndexCorrupt, Message: "entry has no filename"}
	}
	b, err := fs.ReadFile(i.fsys, path.Join("package", e.FileName))
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrLoadFailed, Message: e.FileName, Inner: err}
	}
	var js json.RawMessage
	if err := json.Unmarshal(b, &js); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrLoadFailed, Message: fmt.Sprintf("%s: invalid json", e.FileName), Inner: err}
	}
	return js, nil
}

// Name is package/package.json's "name" field.
func (i *Index) Name() string { return i.manifest.Name }

// Version is package/package.json's "version" field.
func (i *Index) Version() string { return i.manifest.Version }

// FHIRVersion is package/package.json's "fhirVersions[0]", or "" if absent.
func (i *Index) FHIRVersion() string {
	if len(i.manifest.FHIRVersions) == 0 {
		return ""
	}
	return i.manifest.FHIRVersions[0]
}

// Dir returns the package's extracted directory root.
func (i *Index) Dir() string { return i.dir }
