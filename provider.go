package fhirsmith

import "context"

// SearchParam is one {name, value} search parameter accepted by a
// ValueSetProvider or ConceptMapProvider's Search method, per spec.md
// §4.4's dispatch table.
type SearchParam struct {
	Name  string
	Value string
}

// CodeSystemProvider is the interface the terminology operation engines
// ($lookup, $validate-code, $subsumes — treated as external collaborators
// per the OVERVIEW) consume once Provider.GetCodeSystemProvider has
// resolved a system|version to a concrete source. Implementations wrap
// either a registered factory's live construction or a package-backed
// CodeSystem resource.
type CodeSystemProvider interface {
	// System is the code system's canonical URL.
	System() string
	// Version is the code system's version, or "" if unversioned.
	Version() string
	// Resource returns the full CodeSystem resource backing this provider,
	// when one exists (factory-backed providers like UCUM or country codes
	// may return nil — they answer lookups algorithmically, not from a
	// stored resource).
	Resource() *Resource
}

// ValueSetProvider and ConceptMapProvider are searchable sources of
// ValueSet/ConceptMap resources — satisfied by both a package-backed
// catalog.Catalog and a catalog.VSACCatalog, and consulted in order by
// Provider.
type ValueSetProvider interface {
	Search(ctx context.Context, params []SearchParam, elements []string) ([]*Resource, error)
}

type ConceptMapProvider interface {
	Search(ctx context.Context, params []SearchParam, elements []string) ([]*Resource, error)
}
