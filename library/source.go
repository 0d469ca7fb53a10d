// Package library implements the composition layer described in
// SPEC_FULL.md §4.6: a YAML source descriptor is parsed into a Library of
// code-system factories and cataloged resources, and a Provider resolves
// lookups against them in a fixed order.
package library

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceType is the recognized token preceding ":" in a source descriptor
// line, per spec.md §4.6's table.
type SourceType string

const (
	SourceInternal SourceType = "internal"
	SourceUCUM     SourceType = "ucum"
	SourceLOINC    SourceType = "loinc"
	SourceRxNorm   SourceType = "rxnorm"
	SourceNDC      SourceType = "ndc"
	SourceUNII     SourceType = "unii"
	SourceSNOMED   SourceType = "snomed"
	SourceCPT      SourceType = "cpt"
	SourceOMOP     SourceType = "omop"
	SourceNPM      SourceType = "npm"
)

// SourceEntry is one parsed line of a source descriptor.
//
// Preferred replaces the YAML "!" suffix called for by Design Note 9: it's
// set when the line's type token ends in "!" before the colon, and combines
// with Library's codeSystemFactories keying the same way the "!" did.
type SourceEntry struct {
	Type      SourceType
	Preferred bool
	Details   string // everything after the first ":"
}

// Descriptor is the top-level YAML document: base.url plus an ordered list
// of source lines.
type Descriptor struct {
	Base struct {
		URL string `yaml:"url"`
	} `yaml:"base"`
	Sources []string `yaml:"sources"`
}

// ParseDescriptor decodes a library YAML document.
func ParseDescriptor(data []byte) (*Descriptor, []SourceEntry, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, nil, fmt.Errorf("library: parsing descriptor: %w", err)
	}
	entries := make([]SourceEntry, 0, len(d.Sources))
	for _, line := range d.Sources {
		e, err := parseSourceLine(line)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}
	return &d, entries, nil
}

// parseSourceLine splits "[type][!]:details" into a SourceEntry.
func parseSourceLine(line string) (SourceEntry, error) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return SourceEntry{}, fmt.Errorf("library: malformed source line %q: missing ':'", line)
	}
	typeTok, details := line[:i], line[i+1:]

	preferred := strings.HasSuffix(typeTok, "!")
	if preferred {
		typeTok = strings.TrimSuffix(typeTok, "!")
	}

	return SourceEntry{
		Type:      SourceType(typeTok),
		Preferred: preferred,
		Details:   details,
	}, nil
}

// DownloadURL resolves filename against the descriptor's base.url, per
// spec.md §4.6 ("Download URL = {base.url}/{filename} when not already in
// cache").
func (d *Descriptor) DownloadURL(filename string) string {
	return strings.TrimSuffix(d.Base.URL, "/") + "/" + filename
}
