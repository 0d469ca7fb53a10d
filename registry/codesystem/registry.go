// Package codesystem holds a registry of code-system factory constructors,
// keyed by the YAML source-descriptor type token (spec.md §4.6: "loinc",
// "rxnorm", "ndc", "unii", "snomed", "cpt", "omop", and so on).
//
// This is a retarget of the teacher's registry/updater package: the same
// Register/Registered/Configure triptych, with driver.UpdaterSetFactory
// replaced by Factory, a constructor for a single code-system provider
// instead of a set of vulnerability updaters.
package codesystem

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/sirkyp/fhirsmith"
)

// Factory builds a code-system provider from a file on disk (downloaded to
// path if not already cached) and an optional configuration payload.
type Factory interface {
	// New constructs the provider backed by the file at path.
	New(ctx context.Context, path string) (fhirsmith.CodeSystemProvider, error)
}

// Configurable is implemented by factories that accept a JSON config blob,
// mirroring the teacher's driver.Configurable.
type Configurable interface {
	Configure(ctx context.Context, cfg []byte, c *http.Client) error
}

var pkg = struct {
	sync.Mutex
	fs map[string]Factory
}{
	fs: make(map[string]Factory),
}

// Register registers a Factory under name (the YAML source type token).
//
// Register panics if name is already registered — this only ever happens
// from package init() calls, so a collision is a build-time programming
// error, not a runtime condition to recover from.
func Register(name string, f Factory) {
	pkg.Lock()
	defer pkg.Unlock()
	if _, ok := pkg.fs[name]; ok {
		panic("codesystem: factory " + name + " registered twice")
	}
	pkg.fs[name] = f
}

// Registered returns a copy of the registered factory map.
func Registered() map[string]Factory {
	pkg.Lock()
	defer pkg.Unlock()
	r := make(map[string]Factory, len(pkg.fs))
	for k, v := range pkg.fs {
		r[k] = v
	}
	return r
}

// Configure calls Configure on every registered factory that implements
// Configurable and has a matching entry in cfg.
func Configure(ctx context.Context, fs map[string]Factory, cfg map[string][]byte, c *http.Client) error {
	if c == nil {
		c = http.DefaultClient
	}
	errd := false
	var b strings.Builder
	b.WriteString("codesystem: errors configuring factories:")
	for name, fac := range fs {
		f, fOK := fac.(Configurable)
		cf, cfOK := cfg[name]
		if fOK && cfOK {
			if err := f.Configure(ctx, cf, c); err != nil {
				errd = true
				b.WriteString("\n\t")
				b.WriteString(err.Error())
			}
		}
	}
	if errd {
		return errors.New(b.String())
	}
	return nil
}
