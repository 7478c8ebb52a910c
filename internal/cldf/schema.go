// Package cldf models the schema of a CLDF Wordlist dataset: the table,
// column, foreign-key and primary-key definitions parsed from the dataset's
// JSON metadata document. The model is built once at load time and is
// immutable afterwards; row streaming and validation live in internal/core.
package cldf

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Component identifies the semantic role of a table within a CLDF dataset,
// derived from the table's dc:conformsTo term.
type Component string

const (
	FormTable      Component = "FormTable"
	ValueTable     Component = "ValueTable"
	LanguageTable  Component = "LanguageTable"
	ParameterTable Component = "ParameterTable"
	CognateTable   Component = "CognateTable"
	BorrowingTable Component = "BorrowingTable"
)

// TermsPrefix is the CLDF ontology namespace used by dc:conformsTo and
// propertyUrl values.
const TermsPrefix = "http://cldf.clld.org/v1.0/terms.rdf#"

// knownComponents is the set of table roles this loader understands.
var knownComponents = map[Component]bool{
	FormTable:      true,
	ValueTable:     true,
	LanguageTable:  true,
	ParameterTable: true,
	CognateTable:   true,
	BorrowingTable: true,
}

// SchemaError reports a malformed metadata document. It is fatal: no rows
// are read when the schema itself cannot be trusted.
type SchemaError struct {
	Table   string // csv url, when known
	Message string
}

func (e *SchemaError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("schema: table %s: %s", e.Table, e.Message)
	}
	return "schema: " + e.Message
}

// UnresolvedReferenceError reports a foreign key whose target table or
// columns are not declared in the schema. Like SchemaError it is fatal.
type UnresolvedReferenceError struct {
	Table    string // table declaring the foreign key
	Resource string // referenced csv url
	Column   string // referenced column, when the table itself resolved
}

func (e *UnresolvedReferenceError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("schema: table %s: foreign key references undeclared column %s.%s",
			e.Table, e.Resource, e.Column)
	}
	return fmt.Sprintf("schema: table %s: foreign key references undeclared table %s",
		e.Table, e.Resource)
}

// Schema is the parsed metadata document: an ordered list of table
// definitions plus lookup indexes by csv url and by component.
type Schema struct {
	ConformsTo string
	Tables     []*Table

	byURL       map[string]*Table
	byComponent map[Component]*Table
	resolved    bool
}

// Table describes one CSV table: its file url, semantic component, ordered
// columns, primary key and foreign keys.
type Table struct {
	URL         string
	Component   Component
	Columns     []*Column
	PrimaryKey  []string
	ForeignKeys []*ForeignKey

	byName map[string]*Column
}

// Column describes a single typed column.
type Column struct {
	Name     string
	Datatype Datatype
	Required bool

	// Separator, when non-empty, marks the column as an ordered
	// multi-value list rather than a scalar.
	Separator string

	// PropertyURL tags the column's semantic role in the CLDF ontology.
	PropertyURL string

	// Virtual columns are not read from the CSV; their value is the
	// ValueURL constant. A physical CSV column with the same name is
	// shadowed by the constant.
	Virtual  bool
	ValueURL string
}

// ForeignKey maps one or more local columns to columns of another table.
// Target and TargetColumns are populated by Resolve.
type ForeignKey struct {
	Columns   []string
	Reference Reference

	Target        *Table
	TargetColumns []*Column
}

// Reference is the target side of a foreign key.
type Reference struct {
	Resource string
	Columns  []string
}

// --- wire shapes -----------------------------------------------------------

type rawDocument struct {
	ConformsTo string     `json:"dc:conformsTo"`
	Tables     []rawTable `json:"tables"`
}

type rawTable struct {
	URL         string          `json:"url"`
	ConformsTo  string          `json:"dc:conformsTo"`
	TableSchema *rawTableSchema `json:"tableSchema"`
}

type rawTableSchema struct {
	Columns     []rawColumn     `json:"columns"`
	ForeignKeys []rawForeignKey `json:"foreignKeys"`
	PrimaryKey  stringList      `json:"primaryKey"`
}

type rawColumn struct {
	Name        string   `json:"name"`
	Datatype    Datatype `json:"datatype"`
	Required    bool     `json:"required"`
	Separator   string   `json:"separator"`
	PropertyURL string   `json:"propertyUrl"`
	Virtual     bool     `json:"virtual"`
	ValueURL    string   `json:"valueUrl"`
}

type rawForeignKey struct {
	ColumnReference stringList   `json:"columnReference"`
	Reference       rawReference `json:"reference"`
}

type rawReference struct {
	Resource        string     `json:"resource"`
	ColumnReference stringList `json:"columnReference"`
}

// stringList accepts a bare string or an array of strings; the metadata
// format allows both for columnReference and primaryKey.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or string array, got %s", data)
	}
	*l = stringList(many)
	return nil
}

// --- loading ---------------------------------------------------------------

// LoadSchema parses a metadata document into an immutable Schema. It fails
// with a *SchemaError when the document is malformed: missing tableSchema or
// url, duplicate or undeclared columns, bad datatypes, or a foreign key
// naming a local column the table does not declare.
//
// Foreign-key targets are checked separately by Resolve.
func LoadSchema(r io.Reader) (*Schema, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc rawDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, &SchemaError{Message: fmt.Sprintf("invalid metadata document: %v", err)}
	}

	if len(doc.Tables) == 0 {
		return nil, &SchemaError{Message: "metadata document declares no tables"}
	}

	schema := &Schema{
		ConformsTo:  doc.ConformsTo,
		byURL:       make(map[string]*Table, len(doc.Tables)),
		byComponent: make(map[Component]*Table, len(doc.Tables)),
	}

	for _, rt := range doc.Tables {
		table, err := buildTable(rt)
		if err != nil {
			return nil, err
		}
		if _, dup := schema.byURL[table.URL]; dup {
			return nil, &SchemaError{Table: table.URL, Message: "duplicate table url"}
		}
		schema.byURL[table.URL] = table

		if table.Component != "" {
			if _, dup := schema.byComponent[table.Component]; dup {
				return nil, &SchemaError{Table: table.URL,
					Message: fmt.Sprintf("component %s declared twice", table.Component)}
			}
			schema.byComponent[table.Component] = table
		}
		schema.Tables = append(schema.Tables, table)
	}

	return schema, nil
}

// buildTable validates one raw table definition and converts it.
func buildTable(rt rawTable) (*Table, error) {
	if rt.URL == "" {
		return nil, &SchemaError{Message: "table is missing url"}
	}
	if rt.TableSchema == nil {
		return nil, &SchemaError{Table: rt.URL, Message: "table is missing tableSchema"}
	}
	if len(rt.TableSchema.Columns) == 0 {
		return nil, &SchemaError{Table: rt.URL, Message: "tableSchema declares no columns"}
	}

	table := &Table{
		URL:       rt.URL,
		Component: componentOf(rt.ConformsTo),
		byName:    make(map[string]*Column, len(rt.TableSchema.Columns)),
	}

	for _, rc := range rt.TableSchema.Columns {
		if rc.Name == "" {
			return nil, &SchemaError{Table: rt.URL, Message: "column is missing name"}
		}
		if _, dup := table.byName[rc.Name]; dup {
			return nil, &SchemaError{Table: rt.URL,
				Message: fmt.Sprintf("duplicate column %q", rc.Name)}
		}
		if rc.Virtual && rc.ValueURL == "" {
			return nil, &SchemaError{Table: rt.URL,
				Message: fmt.Sprintf("virtual column %q has no valueUrl", rc.Name)}
		}
		col := &Column{
			Name:        rc.Name,
			Datatype:    rc.Datatype,
			Required:    rc.Required,
			Separator:   rc.Separator,
			PropertyURL: rc.PropertyURL,
			Virtual:     rc.Virtual,
			ValueURL:    rc.ValueURL,
		}
		table.byName[col.Name] = col
		table.Columns = append(table.Columns, col)
	}

	if len(rt.TableSchema.PrimaryKey) == 0 {
		return nil, &SchemaError{Table: rt.URL, Message: "table has no primaryKey"}
	}
	for _, name := range rt.TableSchema.PrimaryKey {
		col, ok := table.byName[name]
		if !ok {
			return nil, &SchemaError{Table: rt.URL,
				Message: fmt.Sprintf("primaryKey names undeclared column %q", name)}
		}
		if col.Virtual {
			return nil, &SchemaError{Table: rt.URL,
				Message: fmt.Sprintf("primaryKey column %q is virtual", name)}
		}
		// Primary-key values are never null.
		col.Required = true
	}
	table.PrimaryKey = rt.TableSchema.PrimaryKey

	for _, rfk := range rt.TableSchema.ForeignKeys {
		if len(rfk.ColumnReference) == 0 || rfk.Reference.Resource == "" {
			return nil, &SchemaError{Table: rt.URL, Message: "foreignKey is missing columnReference or reference"}
		}
		for _, name := range rfk.ColumnReference {
			if _, ok := table.byName[name]; !ok {
				return nil, &SchemaError{Table: rt.URL,
					Message: fmt.Sprintf("foreignKey names undeclared column %q", name)}
			}
		}
		if len(rfk.Reference.ColumnReference) != len(rfk.ColumnReference) {
			return nil, &SchemaError{Table: rt.URL,
				Message: "foreignKey columnReference and reference columnReference differ in length"}
		}
		table.ForeignKeys = append(table.ForeignKeys, &ForeignKey{
			Columns: rfk.ColumnReference,
			Reference: Reference{
				Resource: rfk.Reference.Resource,
				Columns:  rfk.Reference.ColumnReference,
			},
		})
	}

	return table, nil
}

// componentOf extracts the component name from a dc:conformsTo term.
func componentOf(conformsTo string) Component {
	if conformsTo == "" {
		return ""
	}
	idx := strings.LastIndex(conformsTo, "#")
	if idx < 0 {
		return ""
	}
	c := Component(conformsTo[idx+1:])
	if knownComponents[c] {
		return c
	}
	return ""
}

// --- resolution ------------------------------------------------------------

// Resolve cross-links every foreign key to its target table and columns.
// It fails with an *UnresolvedReferenceError when a target table or column
// is not declared in the schema. Resolve is idempotent.
func (s *Schema) Resolve() error {
	for _, table := range s.Tables {
		for _, fk := range table.ForeignKeys {
			target, ok := s.byURL[fk.Reference.Resource]
			if !ok {
				return &UnresolvedReferenceError{Table: table.URL, Resource: fk.Reference.Resource}
			}
			cols := make([]*Column, len(fk.Reference.Columns))
			for i, name := range fk.Reference.Columns {
				col, ok := target.byName[name]
				if !ok {
					return &UnresolvedReferenceError{
						Table:    table.URL,
						Resource: fk.Reference.Resource,
						Column:   name,
					}
				}
				cols[i] = col
			}
			fk.Target = target
			fk.TargetColumns = cols
		}
	}
	s.resolved = true
	return nil
}

// Resolved reports whether Resolve has completed successfully.
func (s *Schema) Resolved() bool { return s.resolved }

// TableByURL returns the table declared for a csv url.
func (s *Schema) TableByURL(url string) (*Table, bool) {
	t, ok := s.byURL[url]
	return t, ok
}

// TableByComponent returns the table playing the given semantic role.
func (s *Schema) TableByComponent(c Component) (*Table, bool) {
	t, ok := s.byComponent[c]
	return t, ok
}

// Column returns the column with the given name.
func (t *Table) Column(name string) (*Column, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// PhysicalColumns returns the columns read from the CSV, in schema order.
func (t *Table) PhysicalColumns() []*Column {
	cols := make([]*Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !c.Virtual {
			cols = append(cols, c)
		}
	}
	return cols
}

// Name returns a human-readable identifier for the table: the component
// when known, the csv url otherwise.
func (t *Table) Name() string {
	if t.Component != "" {
		return string(t.Component)
	}
	return t.URL
}
