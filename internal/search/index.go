package search

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	kerr "github.com/gddisney/Katamari/pkg/errors"
)

// Index is a schema-typed full-text index backed by bleve.
type Index struct {
	schema *Schema
	idx    bleve.Index
	dir    string
}

// New opens (or creates) an index for the schema. An empty dir uses a fresh
// temporary directory, which is the default for embedded stores.
func New(dir string, schema *Schema) (*Index, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "katamari-index-")
		if err != nil {
			return nil, kerr.IO("failed to create index directory", err)
		}
		// bleve.New refuses a path that already exists, so the index goes
		// into a child of the fresh temp directory.
		dir = filepath.Join(tmp, "bleve")
	}

	var idx bleve.Index
	if _, err := os.Stat(dir); err == nil {
		if opened, oerr := bleve.Open(dir); oerr == nil {
			idx = opened
		}
	}
	if idx == nil {
		created, err := bleve.New(dir, schema.IndexMapping())
		if err != nil {
			return nil, kerr.IO("failed to create search index", err)
		}
		idx = created
	}
	return &Index{schema: schema, idx: idx, dir: dir}, nil
}

// Schema returns the index schema.
func (x *Index) Schema() *Schema { return x.schema }

// Dir returns the index directory.
func (x *Index) Dir() string { return x.dir }

// BuildDocument assembles the index document for a stored value: the record
// key as id, the commit timestamp and version, plus every schema field
// present in the value. Non-schema fields are not indexed.
func (x *Index) BuildDocument(key string, value any, version int, timestamp time.Time) map[string]any {
	doc := map[string]any{
		IDField:        key,
		TimestampField: timestamp.UTC(),
		VersionField:   version,
	}
	if m, ok := value.(map[string]any); ok {
		for name := range x.schema.fields {
			if name == IDField || name == TimestampField || name == VersionField {
				continue
			}
			if v, present := m[name]; present {
				doc[name] = v
			}
		}
	}
	return doc
}

// Upsert replaces the document whose id matches doc's id.
func (x *Index) Upsert(doc map[string]any) error {
	id, ok := doc[IDField].(string)
	if !ok || id == "" {
		return kerr.Schema("document missing id field")
	}
	if err := x.idx.Index(id, doc); err != nil {
		return kerr.IO("failed to index document "+id, err)
	}
	return nil
}

// Delete removes the document with the given id.
func (x *Index) Delete(id string) error {
	if err := x.idx.Delete(id); err != nil {
		return kerr.IO("failed to delete document "+id, err)
	}
	return nil
}

// Result is one search hit with its stored fields.
type Result struct {
	ID     string
	Score  float64
	Fields map[string]any
}

// Timestamp returns the hit's commit timestamp, zero when unparseable.
func (r Result) Timestamp() time.Time {
	switch v := r.Fields[TimestampField].(type) {
	case time.Time:
		return v
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Options refines a search beyond the query string.
type Options struct {
	// TxStartTime, when non-zero, discards results committed strictly after
	// the transaction's start (snapshot visibility for search).
	TxStartTime time.Time
	// Filters are post-parse predicates on stored fields. Values compare by
	// equality; a string value prefixed with "!=" inverts the predicate.
	Filters map[string]any
	// SortBy orders results by the named stored field, ascending.
	SortBy string
	// ClusterBy groups results by the named stored field, keeping the
	// intra-group order.
	ClusterBy string
}

const maxResults = 10000

// Search parses queryString as a multi-field query (terms combine under AND,
// bare terms match any configured field, field:value restricts to a field,
// field:[a TO b] is an inclusive range) and applies the options.
func (x *Index) Search(queryString string, opts Options) ([]Result, error) {
	q, err := x.parseQuery(queryString)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequest(q)
	req.Fields = []string{"*"}
	req.Size = maxResults
	if opts.SortBy != "" {
		req.SortBy([]string{opts.SortBy})
	}

	res, err := x.idx.Search(req)
	if err != nil {
		return nil, kerr.IO("search failed", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := Result{ID: hit.ID, Score: hit.Score, Fields: hit.Fields}
		if !opts.TxStartTime.IsZero() {
			if ts := r.Timestamp(); !ts.IsZero() && ts.After(opts.TxStartTime) {
				continue
			}
		}
		if !matchFilters(r, opts.Filters) {
			continue
		}
		results = append(results, r)
	}

	if opts.ClusterBy != "" {
		results = clusterBy(results, opts.ClusterBy)
	}
	return results, nil
}

var rangeClause = regexp.MustCompile(`^([\w.]+):\[(\S+) TO (\S+)\]$`)

// parseQuery builds a conjunction over the whitespace-separated clauses of
// the query string. Lucene-style bracket ranges are rewritten to bleve range
// queries; everything else goes through bleve's query string parser, which
// handles field:value restriction and quoted phrases.
func (x *Index) parseQuery(queryString string) (query.Query, error) {
	clauses := tokenize(queryString)
	if len(clauses) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}

	subs := make([]query.Query, 0, len(clauses))
	for _, clause := range clauses {
		if m := rangeClause.FindStringSubmatch(clause); m != nil {
			rq, err := rangeQuery(m[1], m[2], m[3])
			if err != nil {
				return nil, err
			}
			subs = append(subs, rq)
			continue
		}
		subs = append(subs, bleve.NewQueryStringQuery(clause))
	}
	if len(subs) == 1 {
		return subs[0], nil
	}
	return bleve.NewConjunctionQuery(subs...), nil
}

// rangeQuery builds an inclusive numeric or datetime range for field.
func rangeQuery(field, lo, hi string) (query.Query, error) {
	inclusive := true
	if min, errLo := strconv.ParseFloat(lo, 64); errLo == nil {
		if max, errHi := strconv.ParseFloat(hi, 64); errHi == nil {
			q := bleve.NewNumericRangeInclusiveQuery(&min, &max, &inclusive, &inclusive)
			q.SetField(field)
			return q, nil
		}
	}
	start, errLo := parseDate(lo)
	end, errHi := parseDate(hi)
	if errLo == nil && errHi == nil {
		q := bleve.NewDateRangeInclusiveQuery(start, end, &inclusive, &inclusive)
		q.SetField(field)
		return q, nil
	}
	return nil, kerr.Protocol(fmt.Sprintf("unparseable range bounds [%s TO %s]", lo, hi), nil)
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// tokenize splits a query string on whitespace, keeping quoted phrases and
// bracket ranges intact.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	depth := 0

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == '[' && !inQuote:
			depth++
			cur.WriteRune(r)
		case r == ']' && !inQuote && depth > 0:
			depth--
			cur.WriteRune(r)
		case (r == ' ' || r == '\t') && !inQuote && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func matchFilters(r Result, filters map[string]any) bool {
	for field, want := range filters {
		got, ok := r.Fields[field]
		if s, isStr := want.(string); isStr && strings.HasPrefix(s, "!=") {
			if ok && fmt.Sprint(got) == strings.TrimPrefix(s, "!=") {
				return false
			}
			continue
		}
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// clusterBy groups results by the named field, preserving the order of first
// appearance between groups and the original order inside each group.
func clusterBy(results []Result, field string) []Result {
	order := make([]string, 0)
	groups := make(map[string][]Result)
	for _, r := range results {
		key := fmt.Sprint(r.Fields[field])
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	out := make([]Result, 0, len(results))
	for _, key := range order {
		out = append(out, groups[key]...)
	}
	return out
}

// Count returns the number of indexed documents.
func (x *Index) Count() (uint64, error) {
	n, err := x.idx.DocCount()
	if err != nil {
		return 0, kerr.IO("failed to count documents", err)
	}
	return n, nil
}

// NewBatch returns a fresh bleve batch for the background indexer.
func (x *Index) NewBatch() *bleve.Batch { return x.idx.NewBatch() }

// ApplyBatch applies a batch as one commit.
func (x *Index) ApplyBatch(b *bleve.Batch) error {
	if err := x.idx.Batch(b); err != nil {
		return kerr.IO("failed to apply index batch", err)
	}
	return nil
}

// Close closes the underlying bleve index.
func (x *Index) Close() error {
	if err := x.idx.Close(); err != nil {
		return kerr.IO("failed to close search index", err)
	}
	return nil
}
