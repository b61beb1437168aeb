// Package search maintains the full-text index that shadows the MVCC store.
//
// A Schema maps user field names to Katamari field types and compiles to a
// bleve index mapping. Every document carries three implicit fields: id (the
// record key, unique), timestamp (commit time) and version. Reads can be
// restricted to a transaction's visibility window by filtering out documents
// whose timestamp is later than the transaction start.
package search

import (
	"sort"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"

	kerr "github.com/gddisney/Katamari/pkg/errors"
)

// FieldType is one of the supported schema field types.
type FieldType string

const (
	FieldText     FieldType = "TEXT"
	FieldKeyword  FieldType = "KEYWORD" // same treatment as TEXT
	FieldDatetime FieldType = "DATETIME"
	FieldNumeric  FieldType = "NUMERIC"
	FieldBoolean  FieldType = "BOOLEAN"
	FieldID       FieldType = "ID"
)

// Implicit field names present on every document.
const (
	IDField        = "id"
	TimestampField = "timestamp"
	VersionField   = "version"
)

// Schema describes the indexed fields of a store.
type Schema struct {
	fields map[string]FieldType
}

// NewSchema validates a field map and builds a Schema. The implicit id,
// timestamp and version fields are always present and need not be declared.
// Unsupported field types are fatal at construction time.
func NewSchema(fields map[string]string) (*Schema, error) {
	s := &Schema{fields: map[string]FieldType{
		IDField:        FieldID,
		TimestampField: FieldDatetime,
		VersionField:   FieldNumeric,
	}}
	for name, ft := range fields {
		switch FieldType(ft) {
		case FieldText, FieldKeyword, FieldDatetime, FieldNumeric, FieldBoolean, FieldID:
			s.fields[name] = FieldType(ft)
		default:
			return nil, kerr.Schema("unsupported field type " + ft + " for field " + name)
		}
	}
	return s, nil
}

// Fields returns the schema field names sorted, implicit fields included.
func (s *Schema) Fields() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Type returns the type of a field and whether it is part of the schema.
func (s *Schema) Type(name string) (FieldType, bool) {
	ft, ok := s.fields[name]
	return ft, ok
}

// IndexMapping compiles the schema into a bleve index mapping. TEXT and
// KEYWORD fields use the stemmed English analyzer; ID fields index verbatim.
func (s *Schema) IndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	for name, ft := range s.fields {
		var fm *mapping.FieldMapping
		switch ft {
		case FieldText, FieldKeyword:
			fm = bleve.NewTextFieldMapping()
			fm.Analyzer = en.AnalyzerName
		case FieldID:
			fm = bleve.NewTextFieldMapping()
			fm.Analyzer = keyword.Name
		case FieldDatetime:
			fm = bleve.NewDateTimeFieldMapping()
		case FieldNumeric:
			fm = bleve.NewNumericFieldMapping()
		case FieldBoolean:
			fm = bleve.NewBooleanFieldMapping()
		}
		fm.Store = true
		doc.AddFieldMappingsAt(name, fm)
	}

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = en.AnalyzerName
	return im
}
