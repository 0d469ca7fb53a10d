// Package schema embeds the DDL for catalog's SQLite-backed ValueSet and
// ConceptMap stores.
//
// A catalog is always rebuilt wholesale from its owning package (or, for
// VSACCatalog, from the remote server) rather than upgraded in place, so
// there's no need for the teacher's libvuln/migrations incremental-version
// chain — CREATE TABLE IF NOT EXISTS against a single, fixed schema is
// enough. See DESIGN.md for why remind101/migrate was dropped.
package schema

import _ "embed"

//go:embed valuesets.sql
var ValueSets string

//go:embed conceptmaps.sql
var ConceptMaps string
