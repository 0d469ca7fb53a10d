package fhirsmith

import "encoding/json"

// ResourceType names a FHIR canonical resource type this server understands.
type ResourceType string

const (
	ResourceCodeSystem ResourceType = "CodeSystem"
	ResourceValueSet   ResourceType = "ValueSet"
	ResourceConceptMap ResourceType = "ConceptMap"
)

// Status is the FHIR publication status of a canonical resource.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
	StatusUnknown Status = "unknown"
)

// Identifier is a business identifier attached to a resource.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
	Type   struct {
		System string `json:"system,omitempty"`
		Code   string `json:"code,omitempty"`
	} `json:"type,omitempty"`
}

// Jurisdiction is a CodeableConcept restricted to the single
// {system,code,display} triple this server indexes.
type Jurisdiction struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Resource is the tagged-variant representation of a FHIR canonical
// resource described in SPEC_FULL.md Design Note 9: the full original JSON
// is always retained (Raw) for serialization round-trip fidelity, alongside
// a partially-structured view of the fields this server actually indexes or
// reasons about. Unknown fields are never dropped — they live untouched in
// Raw and are re-emitted verbatim on output.
type Resource struct {
	ResourceType ResourceType `json:"-"`
	ID           string       `json:"-"`
	URL          string       `json:"-"`
	Version      string       `json:"-"`

	Name        string         `json:"-"`
	Title       string         `json:"-"`
	Status      Status         `json:"-"`
	Publisher   string         `json:"-"`
	Description string         `json:"-"`
	Date        string         `json:"-"`
	Jurisdiction []Jurisdiction `json:"-"`
	Identifier   []Identifier   `json:"-"`

	// EffectivePeriodStart/End are ValueSet.effectivePeriod, when present.
	EffectivePeriodStart string `json:"-"`
	EffectivePeriodEnd   string `json:"-"`
	// ExpansionIdentifier is ValueSet.expansion.identifier, when present.
	ExpansionIdentifier string `json:"-"`

	// ComposeSystems lists compose.include[].system for a ValueSet, feeding
	// the "systems" side table described in SPEC_FULL.md §4.4.
	ComposeSystems []string `json:"-"`

	// LastSeen is a Unix timestamp bumped on every re-ingestion; used for
	// garbage collection of stale catalog entries. Zero for resources that
	// aren't catalog-backed (e.g. package CodeSystems held in memory).
	LastSeen int64 `json:"-"`

	// Raw is the full, original JSON body. Always populated; always the
	// source of truth for serialization.
	Raw json.RawMessage `json:"-"`
}

// Canonical returns the resource's canonical {URL, Version}.
func (r *Resource) Canonical() Canonical { return Canonical{URL: r.URL, Version: r.Version} }

// VURL returns the "url|version" compound key, or bare URL if unversioned.
func (r *Resource) VURL() string { return Join(r.URL, r.Version) }

// envelope mirrors the handful of top-level fields every canonical resource
// this server indexes shares; ParseResource decodes into it without
// requiring a fully-typed FHIR resource model.
type envelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	URL          string `json:"url"`
	Version      string `json:"version"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Publisher    string `json:"publisher"`
	Description  string `json:"description"`
	Date         string `json:"date"`
	Jurisdiction []struct {
		Coding []struct {
			System  string `json:"system"`
			Code    string `json:"code"`
			Display string `json:"display"`
		} `json:"coding"`
	} `json:"jurisdiction"`
	Identifier []Identifier `json:"identifier"`

	EffectivePeriod *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"effectivePeriod"`
	Expansion *struct {
		Identifier string `json:"identifier"`
	} `json:"expansion"`
	Compose *struct {
		Include []struct {
			System string `json:"system"`
		} `json:"include"`
	} `json:"compose"`
}

// ParseResource decodes raw FHIR JSON into a Resource, preserving the
// original bytes in Raw regardless of what the structured view captures.
func ParseResource(raw json.RawMessage) (*Resource, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Error{Op: "ParseResource", Kind: ErrLoadFailed, Inner: err}
	}
	r := &Resource{
		ResourceType: ResourceType(env.ResourceType),
		ID:           env.ID,
		URL:          env.URL,
		Version:      env.Version,
		Name:         env.Name,
		Title:        env.Title,
		Status:       Status(env.Status),
		Publisher:    env.Publisher,
		Description:  env.Description,
		Date:         env.Date,
		Identifier:   env.Identifier,
		Raw:          raw,
	}
	for _, j := range env.Jurisdiction {
		for _, c := range j.Coding {
			r.Jurisdiction = append(r.Jurisdiction, Jurisdiction{System: c.System, Code: c.Code, Display: c.Display})
		}
	}
	if env.EffectivePeriod != nil {
		r.EffectivePeriodStart = env.EffectivePeriod.Start
		r.EffectivePeriodEnd = env.EffectivePeriod.End
	}
	if env.Expansion != nil {
		r.ExpansionIdentifier = env.Expansion.Identifier
	}
	if env.Compose != nil {
		for _, inc := range env.Compose.Include {
			if inc.System != "" {
				r.ComposeSystems = append(r.ComposeSystems, inc.System)
			}
		}
	}
	return r, nil
}
