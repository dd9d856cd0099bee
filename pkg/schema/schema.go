package schema

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
)

var (
	ErrColumnNameExists    = errors.New("column name already exists")
	ErrColumnIDExists      = errors.New("column id already exists")
	ErrKeyColumnType       = errors.New("unsupported key column type")
	ErrTimestampKeyExists  = errors.New("timestamp key column already exists")
	ErrMissingTimestampKey = errors.New("timestamp key not exists")
	ErrNullKeyColumn       = errors.New("key column cannot be nullable")
)

// NoTimestamp marks a schema without a timestamp key column.
const NoTimestamp = -1

type ColumnSchema struct {
	ID       uint32    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Kind     DatumKind `json:"kind" yaml:"kind"`
	Nullable bool      `json:"nullable" yaml:"nullable"`
}

func (c ColumnSchema) compatibleForWrite(writer ColumnSchema) error {
	if c.Kind != writer.Kind {
		return fmt.Errorf("column %s: expected %s, got %s", c.Name, c.Kind, writer.Kind)
	}
	if !c.Nullable && writer.Nullable {
		return fmt.Errorf("column %s is not nullable in table", c.Name)
	}
	return nil
}

// Schema lists key columns first, then normal columns.
type Schema struct {
	Columns        []ColumnSchema `json:"columns"`
	NumKeyColumns  int            `json:"num_key_columns"`
	TimestampIndex int            `json:"timestamp_index"`
	Version        uint32         `json:"version"`
}

func (s *Schema) NumColumns() int { return len(s.Columns) }

func (s *Schema) KeyColumns() []ColumnSchema { return s.Columns[:s.NumKeyColumns] }

func (s *Schema) NormalColumns() []ColumnSchema { return s.Columns[s.NumKeyColumns:] }

func (s *Schema) HasTimestamp() bool { return s.TimestampIndex != NoTimestamp }

func (s *Schema) IndexOf(name string) int {
	return slices.IndexFunc(s.Columns, func(c ColumnSchema) bool { return c.Name == name })
}

func (s *Schema) Equal(o *Schema) bool {
	return s.NumKeyColumns == o.NumKeyColumns &&
		s.TimestampIndex == o.TimestampIndex &&
		s.Version == o.Version &&
		slices.Equal(s.Columns, o.Columns)
}

func (s *Schema) String() string {
	var sb strings.Builder
	sb.WriteString("Schema{")
	for i, c := range s.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.Name)
		sb.WriteByte(' ')
		sb.WriteString(c.Kind.String())
		if i < s.NumKeyColumns {
			sb.WriteString(" key")
		}
		if c.Nullable {
			sb.WriteString(" null")
		}
	}
	fmt.Fprintf(&sb, "; version=%d}", s.Version)
	return sb.String()
}

// Timestamp returns the row timestamp, if the table has one.
func (s *Schema) Timestamp(row Row) (int64, bool) {
	if !s.HasTimestamp() {
		return 0, false
	}
	return row[s.TimestampIndex].AsInt64(), true
}

// Validate checks that row can be stored under s.
func (s *Schema) Validate(row Row) error {
	if len(row) != len(s.Columns) {
		return dberrors.SchemaMismatch("expected %d columns, got %d", len(s.Columns), len(row))
	}
	for i, c := range s.Columns {
		d := row[i]
		if d.IsNull() {
			if !c.Nullable {
				return dberrors.SchemaMismatch("column %s is not nullable", c.Name)
			}
			continue
		}
		if d.Kind() != c.Kind {
			return dberrors.SchemaMismatch("column %s: expected %s, got %s", c.Name, c.Kind, d.Kind())
		}
	}
	return nil
}

// CompatibleForWrite returns, for every table column, the index of the same
// column in the writer schema or -1 when the writer omits it.
func (s *Schema) CompatibleForWrite(writer *Schema) ([]int, error) {
	index := make([]int, 0, len(s.Columns))
	found := 0
	for _, c := range s.Columns {
		wi := writer.IndexOf(c.Name)
		if wi < 0 {
			if !c.Nullable {
				return nil, dberrors.SchemaMismatch("missing column %s", c.Name)
			}
			index = append(index, -1)
			continue
		}
		found++
		if err := c.compatibleForWrite(writer.Columns[wi]); err != nil {
			return nil, dberrors.SchemaMismatch("incompatible column for write: %v", err)
		}
		index = append(index, wi)
	}

	if found != len(writer.Columns) {
		var extra []string
		for _, c := range writer.Columns {
			if s.IndexOf(c.Name) < 0 {
				extra = append(extra, c.Name)
			}
		}
		return nil, dberrors.SchemaMismatch("columns to write not found in table: %v", extra)
	}

	return index, nil
}

// Project rearranges a writer row into table column order.
func Project(index []int, row Row) Row {
	out := make(Row, len(index))
	for i, wi := range index {
		if wi >= 0 && wi < len(row) {
			out[i] = row[wi]
		}
	}
	return out
}

// Builder assembles a Schema column by column.
type Builder struct {
	columns        []ColumnSchema
	numKeyColumns  int
	timestampIndex int
	version        uint32
	autoID         bool
	maxID          uint32
	optionalTs     bool
	err            error
}

func NewBuilder() *Builder {
	return &Builder{timestampIndex: NoTimestamp}
}

// AutoIncrementColumnID assigns ids to columns added with ID 0.
func (b *Builder) AutoIncrementColumnID(v bool) *Builder {
	b.autoID = v
	return b
}

// AllowMissingTimestamp lets Build succeed for tables without a timestamp key.
func (b *Builder) AllowMissingTimestamp(v bool) *Builder {
	b.optionalTs = v
	return b
}

func (b *Builder) Version(v uint32) *Builder {
	b.version = v
	return b
}

func (b *Builder) AddKeyColumn(c ColumnSchema) *Builder {
	if b.err != nil {
		return b
	}
	b.allocID(&c)
	if b.err = b.validate(c, true); b.err != nil {
		return b
	}
	if c.Nullable {
		b.err = fmt.Errorf("%w: %s", ErrNullKeyColumn, c.Name)
		return b
	}
	if c.Kind == KindTimestamp {
		if b.timestampIndex != NoTimestamp {
			b.err = fmt.Errorf("%w: timestamp column %s, given %s",
				ErrTimestampKeyExists, b.columns[b.timestampIndex].Name, c.Name)
			return b
		}
		b.timestampIndex = b.numKeyColumns
	}

	b.columns = slices.Insert(b.columns, b.numKeyColumns, c)
	b.numKeyColumns++
	return b
}

func (b *Builder) AddNormalColumn(c ColumnSchema) *Builder {
	if b.err != nil {
		return b
	}
	b.allocID(&c)
	if b.err = b.validate(c, false); b.err != nil {
		return b
	}
	b.columns = append(b.columns, c)
	return b
}

func (b *Builder) allocID(c *ColumnSchema) {
	if b.autoID && c.ID == 0 {
		c.ID = b.maxID + 1
	}
	b.maxID = max(b.maxID, c.ID)
}

func (b *Builder) validate(c ColumnSchema, isKey bool) error {
	for _, existing := range b.columns {
		if existing.Name == c.Name {
			return fmt.Errorf("%w: %s", ErrColumnNameExists, c.Name)
		}
		if b.autoID && existing.ID == c.ID {
			return fmt.Errorf("%w: name %s, id %d", ErrColumnIDExists, c.Name, c.ID)
		}
	}
	if c.Kind == KindNull {
		return fmt.Errorf("column %s has no type", c.Name)
	}
	if isKey && !c.Kind.IsKeyKind() {
		return fmt.Errorf("%w: %s %s", ErrKeyColumnType, c.Name, c.Kind)
	}
	return nil
}

func (b *Builder) Build() (Schema, error) {
	if b.err != nil {
		return Schema{}, b.err
	}
	if b.numKeyColumns == 0 {
		return Schema{}, errors.New("schema has no key columns")
	}
	if b.timestampIndex == NoTimestamp && !b.optionalTs {
		return Schema{}, ErrMissingTimestampKey
	}

	return Schema{
		Columns:        slices.Clone(b.columns),
		NumKeyColumns:  b.numKeyColumns,
		TimestampIndex: b.timestampIndex,
		Version:        b.version,
	}, nil
}
