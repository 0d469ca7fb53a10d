// Package catalog is the SQLite-backed ResourceCatalog described in
// SPEC_FULL.md §4.4-4.5: one database per package holding that package's
// ValueSets or ConceptMaps, plus VSACCatalog, a remote-refreshed variant
// with the same schema and search contract.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3"
	_ "modernc.org/sqlite"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/catalog/microbatch"
	"github.com/sirkyp/fhirsmith/catalog/schema"
)

// Kind selects which of the two parallel schemas (and table names) a
// Catalog uses.
type Kind int

const (
	KindValueSet Kind = iota
	KindConceptMap
)

func (k Kind) table() string {
	if k == KindConceptMap {
		return "conceptmaps"
	}
	return "valuesets"
}

func (k Kind) ddl() string {
	if k == KindConceptMap {
		return schema.ConceptMaps
	}
	return schema.ValueSets
}

func (k Kind) resourceType() fhirsmith.ResourceType {
	if k == KindConceptMap {
		return fhirsmith.ResourceConceptMap
	}
	return fhirsmith.ResourceValueSet
}

// Catalog is a single SQLite-backed store of ValueSets or ConceptMaps.
//
// Per SPEC_FULL.md §5/§9, connections are opened per call rather than held
// open for the Catalog's lifetime; modernc.org/sqlite's pure-Go driver makes
// this cheap enough that no connection pool is required for the expected
// request volume (an optional read-only pool is called out in Design Note 9
// as future work, not needed for this implementation).
type Catalog struct {
	path    string
	kind    Kind
	spaceID string // serialization-time-only id prefix; see DESIGN.md Open Question (3)
}

// dsn builds the modernc.org/sqlite connection string for path, setting a
// busy timeout so a writer that finds the database locked by one of
// VSACCatalog.Refresh's concurrent reconcile goroutines retries instead of
// failing immediately with SQLITE_BUSY, and WAL journaling so concurrent
// readers don't block behind an in-progress writer either. Grounded on the
// teacher's own "file:// URL with _pragma query values" DSN construction in
// rpm/sqlite/sqlite.go.
func dsn(path string) string {
	u := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {"busy_timeout(5000)", "journal_mode(wal)"},
		}.Encode(),
	}
	return u.String()
}

// Open prepares (creating if necessary) the catalog database at path,
// running its DDL. spaceID, if non-empty, is prefixed onto every id
// returned by Search, per Design Note 9's resolution of Open Question (3).
func Open(ctx context.Context, path string, kind Kind, spaceID string) (*Catalog, error) {
	const op = "catalog.Open"
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, kind.ddl()); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	return &Catalog{path: path, kind: kind, spaceID: spaceID}, nil
}

func (c *Catalog) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(c.path))
	if err != nil {
		return nil, &fhirsmith.Error{Op: "catalog", Kind: fhirsmith.ErrInternal, Inner: err}
	}
	return db, nil
}

// Upsert inserts or replaces r and rebuilds its side-table rows.
func (c *Catalog) Upsert(ctx context.Context, r *fhirsmith.Resource) error {
	const op = "catalog.Upsert"
	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	defer tx.Rollback()

	table := c.kind.table()
	if _, err := tx.ExecContext(ctx, `DELETE FROM identifiers WHERE vs_id = ?`, r.ID); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jurisdictions WHERE vs_id = ?`, r.ID); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM systems WHERE vs_id = ?`, r.ID); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}

	mainQuery := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(id, url, version, date, description, effectivePeriod_start, effectivePeriod_end,
		 expansion_identifier, name, publisher, status, title, content, last_seen)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, table)
	if _, err := tx.ExecContext(ctx, mainQuery,
		r.ID, r.URL, nullable(r.Version), nullable(r.Date), nullable(r.Description),
		nullable(r.EffectivePeriodStart), nullable(r.EffectivePeriodEnd), nullable(r.ExpansionIdentifier),
		nullable(r.Name), nullable(r.Publisher), nullable(string(r.Status)), nullable(r.Title),
		string(r.Raw), r.LastSeen,
	); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}

	batch := microbatch.NewInsert(tx, 100)
	for _, id := range r.Identifier {
		if err := batch.Queue(ctx,
			`INSERT INTO identifiers (vs_id, system, value, use, type_system, type_code) VALUES (?,?,?,?,?,?)`,
			r.ID, nullable(id.System), nullable(id.Value), nullable(id.Use), nullable(id.Type.System), nullable(id.Type.Code),
		); err != nil {
			return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
	}
	for _, j := range r.Jurisdiction {
		if err := batch.Queue(ctx,
			`INSERT INTO jurisdictions (vs_id, system, code, display) VALUES (?,?,?,?)`,
			r.ID, nullable(j.System), nullable(j.Code), nullable(j.Display),
		); err != nil {
			return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
	}
	for _, sys := range r.ComposeSystems {
		if err := batch.Queue(ctx, `INSERT INTO systems (vs_id, system) VALUES (?,?)`, r.ID, sys); err != nil {
			return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
	}
	if err := batch.Done(); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}

	if err := tx.Commit(); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	return nil
}

// TouchLastSeen bumps last_seen for an already-cached row without a full
// re-upsert, used by VSACCatalog when a refresh sees an unchanged entry.
func (c *Catalog) TouchLastSeen(ctx context.Context, id string, lastSeen int64) error {
	const op = "catalog.TouchLastSeen"
	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	table := c.kind.table()
	_, err = db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET last_seen = ? WHERE id = ?`, table), lastSeen, id)
	if err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	return nil
}

// Param is one {name, value} search parameter, per spec.md §4.4's table.
// Aliased to fhirsmith.SearchParam so *Catalog satisfies
// fhirsmith.ValueSetProvider/ConceptMapProvider without an adapter.
type Param = fhirsmith.SearchParam

// indexedElements lists the main-table columns eligible for the
// elements-projection optimization, per spec.md §4.4.
var indexedElements = map[string]bool{
	"id": true, "url": true, "version": true, "date": true, "description": true,
	"name": true, "publisher": true, "status": true, "title": true,
}

// projectedColumns is the fixed column order scanProjected expects back
// from a projected Search.
var projectedColumns = []string{"id", "url", "version", "date", "description", "name", "publisher", "status", "title"}

// searchDialect builds queries for the sqlite3 dialect, the same
// goqu.Dialect(...)/.Where(exps...)/.ToSQL() shape the teacher uses in
// datastore/postgres/querybuilder.go for its own dynamic vulnerability-match
// query, retargeted from "postgres" to "sqlite3".
var searchDialect = goqu.Dialect("sqlite3")

// Search runs params (AND-combined) against the catalog, per the dispatch
// table in spec.md §4.4. When elements is non-empty and every entry is an
// indexed column, the indexed columns are fetched instead of the content
// column and each result's Raw JSON is rebuilt from resourceType plus the
// requested, non-empty columns; otherwise the full content column is parsed.
func (c *Catalog) Search(ctx context.Context, params []Param, elements []string) ([]*fhirsmith.Resource, error) {
	const op = "catalog.Search"
	db, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	table := c.kind.table()
	projected := canProject(elements)

	selectCols := []any{table + ".content"}
	if projected {
		selectCols = make([]any, 0, len(projectedColumns))
		for _, col := range projectedColumns {
			selectCols = append(selectCols, table+"."+col)
		}
	}

	ds := searchDialect.From(goqu.T(table)).Select(selectCols...).Distinct()

	var exps []goqu.Expression
	joined := map[string]bool{}
	for _, p := range params {
		switch p.Name {
		case "url":
			exps = append(exps, goqu.I(table+".url").Eq(p.Value))
		case "version", "name", "title", "status", "publisher", "description", "date":
			exps = append(exps, goqu.L(table+"."+p.Name+" LIKE ? COLLATE NOCASE", "%"+p.Value+"%"))
		case "identifier":
			if !joined["identifiers"] {
				ds = ds.Join(goqu.T("identifiers"), goqu.On(goqu.Ex{"identifiers.vs_id": goqu.I(table + ".id")}))
				joined["identifiers"] = true
			}
			exps = append(exps, goqu.Or(
				goqu.I("identifiers.system").Eq(p.Value),
				goqu.L("identifiers.value LIKE ? COLLATE NOCASE", "%"+p.Value+"%"),
			))
		case "jurisdiction":
			if !joined["jurisdictions"] {
				ds = ds.Join(goqu.T("jurisdictions"), goqu.On(goqu.Ex{"jurisdictions.vs_id": goqu.I(table + ".id")}))
				joined["jurisdictions"] = true
			}
			exps = append(exps, goqu.Or(
				goqu.I("jurisdictions.system").Eq(p.Value),
				goqu.L("jurisdictions.code LIKE ? COLLATE NOCASE", "%"+p.Value+"%"),
			))
		case "system":
			if !joined["systems"] {
				ds = ds.Join(goqu.T("systems"), goqu.On(goqu.Ex{"systems.vs_id": goqu.I(table + ".id")}))
				joined["systems"] = true
			}
			exps = append(exps, goqu.I("systems.system").Eq(p.Value))
		default:
			exps = append(exps, goqu.L(table+".content LIKE ? COLLATE NOCASE", "%"+p.Value+"%"))
		}
	}
	if len(exps) > 0 {
		ds = ds.Where(exps...)
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	defer rows.Close()

	var out []*fhirsmith.Resource
	for rows.Next() {
		var r *fhirsmith.Resource
		if projected {
			r, err = c.scanProjected(rows, elements)
		} else {
			r, err = c.scanFull(rows)
		}
		if err != nil {
			return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
		if c.spaceID != "" {
			r.ID = c.spaceID + "-" + r.ID
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	return out, nil
}

func canProject(elements []string) bool {
	if len(elements) == 0 {
		return false
	}
	for _, e := range elements {
		if !indexedElements[e] {
			return false
		}
	}
	return true
}

func (c *Catalog) scanFull(rows *sql.Rows) (*fhirsmith.Resource, error) {
	var content string
	if err := rows.Scan(&content); err != nil {
		return nil, err
	}
	return fhirsmith.ParseResource([]byte(content))
}

func (c *Catalog) scanProjected(rows *sql.Rows, elements []string) (*fhirsmith.Resource, error) {
	var (
		id, url                                          string
		version, date, description, name, publisher, status, title sql.NullString
	)
	if err := rows.Scan(&id, &url, &version, &date, &description, &name, &publisher, &status, &title); err != nil {
		return nil, err
	}
	r := &fhirsmith.Resource{
		ResourceType: c.kind.resourceType(),
		ID:           id,
		URL:          url,
		Version:      version.String,
		Date:         date.String,
		Description:  description.String,
		Name:         name.String,
		Publisher:    publisher.String,
		Status:       fhirsmith.Status(status.String),
		Title:        title.String,
	}
	cols := map[string]string{"id": id, "url": url, "version": version.String, "date": date.String,
		"description": description.String, "name": name.String, "publisher": publisher.String,
		"status": status.String, "title": title.String}
	body := map[string]string{"resourceType": string(r.ResourceType)}
	for _, e := range elements {
		if v := cols[e]; v != "" {
			body[e] = v
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	r.Raw = raw
	return r, nil
}

// DeleteOlderThan removes every row whose last_seen predates cutoff (a Unix
// timestamp), along with its side-table rows, returning the count removed.
func (c *Catalog) DeleteOlderThan(ctx context.Context, cutoff int64) (int, error) {
	const op = "catalog.DeleteOlderThan"
	db, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	table := c.kind.table()
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE last_seen < ?`, table), cutoff)
	if err != nil {
		return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM identifiers WHERE vs_id = ?`, id); err != nil {
			return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jurisdictions WHERE vs_id = ?`, id); err != nil {
			return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM systems WHERE vs_id = ?`, id); err != nil {
			return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
			return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInternal, Inner: err}
	}
	return len(ids), nil
}

// Now returns the current Unix timestamp, used by callers to capture a GC
// cutoff at the start of a refresh cycle.
func Now() int64 { return time.Now().Unix() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
