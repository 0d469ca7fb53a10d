package library

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/internal/versionalgebra"
	"github.com/sirkyp/fhirsmith/registry/codesystem"
)

// Library holds every code-system factory and resource this server knows
// about, plus the ordered value-set/concept-map catalogs searched on
// lookup, per spec.md §4.6.
type Library struct {
	codeSystemFactories map[string]codesystem.Factory
	codeSystems         map[string]fhirsmith.CodeSystemProvider
	valueSetProviders   []fhirsmith.ValueSetProvider
	conceptMapProviders []fhirsmith.ConceptMapProvider

	// preferredSystems tracks which systems have had a preferred source
	// registered, so a later non-preferred RegisterFactory call for the
	// same system doesn't silently overwrite it; see RegisterPreferredFactory.
	preferredSystems map[string]bool

	log *slog.Logger
}

// New returns an empty Library ready to be populated by RegisterFactory /
// RegisterCodeSystem / AddValueSetProvider / AddConceptMapProvider.
func New(log *slog.Logger) *Library {
	if log == nil {
		log = slog.Default()
	}
	return &Library{
		codeSystemFactories: make(map[string]codesystem.Factory),
		codeSystems:         make(map[string]fhirsmith.CodeSystemProvider),
		log:                 log,
	}
}

// RegisterFactory registers f under system's canonical keys: "{system}",
// "{system}|{version}", and "{system}|" (the "no version" alias), per
// spec.md §4.6. If system already has a preferred registration (see
// RegisterPreferredFactory), this call is a no-op: a non-preferred source
// never displaces a preferred one, regardless of registration order.
func (l *Library) RegisterFactory(system, version string, f codesystem.Factory) {
	l.registerFactory(system, version, f, false)
}

// RegisterPreferredFactory registers f for system the same way
// RegisterFactory does, but marks system as having a preferred source: per
// spec.md §4.6, a "!"-suffixed source is preferred regardless of where it
// falls in declaration order, so once registered here it wins over any
// later plain RegisterFactory call for the same system. A second preferred
// registration still overwrites the first, matching "last preferred wins."
func (l *Library) RegisterPreferredFactory(system, version string, f codesystem.Factory) {
	l.registerFactory(system, version, f, true)
}

func (l *Library) registerFactory(system, version string, f codesystem.Factory, preferred bool) {
	if l.preferredSystems[system] && !preferred {
		return
	}
	l.codeSystemFactories[system] = f
	l.codeSystemFactories[fhirsmith.Join(system, version)] = f
	l.codeSystemFactories[system+"|"] = f
	if preferred {
		if l.preferredSystems == nil {
			l.preferredSystems = make(map[string]bool)
		}
		l.preferredSystems[system] = true
	}
}

// RegisterCodeSystem registers a resource-backed provider under its
// canonical keys: "{url}" and "{url}|{version}".
func (l *Library) RegisterCodeSystem(p fhirsmith.CodeSystemProvider) {
	l.codeSystems[p.System()] = p
	if p.Version() != "" {
		l.codeSystems[fhirsmith.Join(p.System(), p.Version())] = p
	}
}

// AddValueSetProvider appends p to the end of the search order.
func (l *Library) AddValueSetProvider(p fhirsmith.ValueSetProvider) {
	l.valueSetProviders = append(l.valueSetProviders, p)
}

// AddConceptMapProvider appends p to the end of the search order.
func (l *Library) AddConceptMapProvider(p fhirsmith.ConceptMapProvider) {
	l.conceptMapProviders = append(l.conceptMapProviders, p)
}

// PrependValueSetProvider inserts p at the front of the search order, used
// by Provider.CloneWithFHIRVersion to put a version's core package ahead of
// everything else.
func (l *Library) PrependValueSetProvider(p fhirsmith.ValueSetProvider) {
	l.valueSetProviders = append([]fhirsmith.ValueSetProvider{p}, l.valueSetProviders...)
}

// ValueSetProviders returns a copy of the current value-set search order,
// letting a caller (cmd/fhirsmithd, wiring a per-version core package)
// identify the catalog a Loader call just registered.
func (l *Library) ValueSetProviders() []fhirsmith.ValueSetProvider {
	out := make([]fhirsmith.ValueSetProvider, len(l.valueSetProviders))
	copy(out, l.valueSetProviders)
	return out
}

// Provider is a Library view scoped to one FHIR-version endpoint: its
// value-set/concept-map search order may be extended with that version's
// core package ahead of the shared Library's own list (CloneWithFHIRVersion
// does this without mutating the original Library).
type Provider struct {
	lib *Library
}

// NewProvider wraps lib in a Provider with no per-version overrides yet.
func NewProvider(lib *Library) *Provider {
	return &Provider{lib: lib}
}

// GetCodeSystemProvider resolves system (optionally "system|version", or
// system plus a separate version argument — the two must agree) to a
// CodeSystemProvider, per spec.md §4.6's 5-step resolution. supplements is
// accepted for interface parity with the terminology operations that will
// consume the result; this layer doesn't interpret it itself.
func (p *Provider) GetCodeSystemProvider(ctx context.Context, system, version string, supplements []string) (fhirsmith.CodeSystemProvider, error) {
	const op = "library.Provider.GetCodeSystemProvider"

	url, embeddedVersion := fhirsmith.Split(system)
	if embeddedVersion != "" {
		if version != "" && version != embeddedVersion {
			return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInvalidParameter,
				Message: fmt.Sprintf("system %q and version parameter %q disagree", system, version)}
		}
		version = embeddedVersion
	}

	keys := []string{fhirsmith.Join(url, version)}
	if version != "" && versionalgebra.IsSemver(version) {
		keys = append(keys, fhirsmith.Join(url, versionalgebra.MajMin(version)))
	}

	for _, k := range keys {
		if f, ok := p.lib.codeSystemFactories[k]; ok {
			return f.New(ctx, "")
		}
	}
	for _, k := range keys {
		if cs, ok := p.lib.codeSystems[k]; ok {
			return cs, nil
		}
	}
	return nil, nil
}

// SearchValueSets runs params against every value-set provider in search
// order, concatenating results. Providers are searched in full, not
// short-circuited on first match: §4.6 describes an ordered list of
// sources that all contribute, not a first-wins chain (that distinction
// only applies to GetCodeSystemProvider's single-factory resolution).
func (p *Provider) SearchValueSets(ctx context.Context, params []fhirsmith.SearchParam, elements []string) ([]*fhirsmith.Resource, error) {
	var out []*fhirsmith.Resource
	for _, vp := range p.lib.valueSetProviders {
		res, err := vp.Search(ctx, params, elements)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// SearchConceptMaps runs params against every concept-map provider in
// search order.
func (p *Provider) SearchConceptMaps(ctx context.Context, params []fhirsmith.SearchParam, elements []string) ([]*fhirsmith.Resource, error) {
	var out []*fhirsmith.Resource
	for _, cp := range p.lib.conceptMapProviders {
		res, err := cp.Search(ctx, params, elements)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// CloneWithFHIRVersion returns a new Provider sharing this one's factory and
// code-system maps but with corePackageProvider prepended to the value-set
// search order, so a version-pinned endpoint's own core package (e.g.
// hl7.fhir.r4.core for R4) is consulted before the shared library's
// sources, per spec.md §4.6.
func (p *Provider) CloneWithFHIRVersion(fhirVersion string, corePackage fhirsmith.ValueSetProvider) *Provider {
	clone := &Library{
		codeSystemFactories: p.lib.codeSystemFactories,
		codeSystems:         p.lib.codeSystems,
		valueSetProviders:   append([]fhirsmith.ValueSetProvider{corePackage}, p.lib.valueSetProviders...),
		conceptMapProviders: p.lib.conceptMapProviders,
		log:                 p.lib.log,
	}
	return &Provider{lib: clone}
}
