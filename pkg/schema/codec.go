package schema

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/viant/bintly"
)

const (
	escapeByte  = 0x00
	escapedZero = 0xff
	terminator  = 0x01
)

var (
	writers = bintly.NewWriters()
	readers = bintly.NewReaders()
)

// EncodeKey builds the memcomparable primary key of row: comparing two
// encoded keys with bytes.Compare orders rows by their key columns.
func (s *Schema) EncodeKey(row Row) ([]byte, error) {
	if len(row) < s.NumKeyColumns {
		return nil, dberrors.SchemaMismatch("row has %d columns, key needs %d", len(row), s.NumKeyColumns)
	}

	buf := make([]byte, 0, 16*s.NumKeyColumns)
	for i, c := range s.KeyColumns() {
		d := row[i]
		if d.IsNull() {
			return nil, dberrors.SchemaMismatch("key column %s is null", c.Name)
		}
		if d.Kind() != c.Kind {
			return nil, dberrors.SchemaMismatch("key column %s: expected %s, got %s", c.Name, c.Kind, d.Kind())
		}
		buf = appendKeyDatum(buf, d)
	}

	return buf, nil
}

func appendKeyDatum(buf []byte, d Datum) []byte {
	switch d.Kind() {
	case KindTimestamp, KindInt64:
		return binary.BigEndian.AppendUint64(buf, uint64(d.i)^(1<<63))
	case KindUint64:
		return binary.BigEndian.AppendUint64(buf, d.u)
	case KindDouble:
		bits := math.Float64bits(d.f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(buf, bits)
	case KindBoolean:
		return append(buf, byte(d.u))
	case KindString:
		return appendEscaped(buf, []byte(d.s))
	case KindVarbinary:
		return appendEscaped(buf, d.b)
	}
	return buf
}

// appendEscaped keeps prefixes ordered before longer values.
func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == escapeByte {
			buf = append(buf, escapeByte, escapedZero)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, escapeByte, terminator)
}

// EncodeRow serializes all columns of row.
func (s *Schema) EncodeRow(row Row) ([]byte, error) {
	if err := s.Validate(row); err != nil {
		return nil, err
	}

	w := writers.Get()
	defer writers.Put(w)

	for _, d := range row {
		w.Bool(d.IsNull())
		if d.IsNull() {
			continue
		}
		switch d.Kind() {
		case KindTimestamp, KindInt64:
			w.Int64(d.i)
		case KindUint64:
			w.Uint64(d.u)
		case KindDouble:
			w.Float64(d.f)
		case KindString:
			w.String(d.s)
		case KindVarbinary:
			w.Uint8s(d.b)
		case KindBoolean:
			w.Bool(d.u != 0)
		}
	}

	out := w.Bytes()
	return append([]byte(nil), out...), nil
}

// DecodeRow reverses EncodeRow.
func (s *Schema) DecodeRow(data []byte) (row Row, err error) {
	r := readers.Get()
	defer readers.Put(r)

	defer func() {
		// bintly panics on short input
		if p := recover(); p != nil {
			row, err = nil, fmt.Errorf("failed to decode row: %v", p)
		}
	}()

	if err := r.FromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}

	row = make(Row, len(s.Columns))
	for i, c := range s.Columns {
		var null bool
		r.Bool(&null)
		if null {
			continue
		}
		switch c.Kind {
		case KindTimestamp, KindInt64:
			var v int64
			r.Int64(&v)
			row[i] = Datum{kind: c.Kind, i: v}
		case KindUint64:
			var v uint64
			r.Uint64(&v)
			row[i] = Uint64(v)
		case KindDouble:
			var v float64
			r.Float64(&v)
			row[i] = Double(v)
		case KindString:
			var v string
			r.String(&v)
			row[i] = String(v)
		case KindVarbinary:
			var v []uint8
			r.Uint8s(&v)
			row[i] = Varbinary(v)
		case KindBoolean:
			var v bool
			r.Bool(&v)
			row[i] = Boolean(v)
		default:
			return nil, fmt.Errorf("unsupported column kind %s", c.Kind)
		}
	}

	return row, nil
}

// EncodeBinary writes the schema into a bintly stream.
func (s *Schema) EncodeBinary(w *bintly.Writer) error {
	w.Uint32(s.Version)
	w.Int(s.NumKeyColumns)
	w.Int(s.TimestampIndex)
	w.Int(len(s.Columns))
	for _, c := range s.Columns {
		w.Uint32(c.ID)
		w.String(c.Name)
		w.Uint8(uint8(c.Kind))
		w.Bool(c.Nullable)
	}
	return nil
}

// DecodeBinary reads a schema written by EncodeBinary.
func (s *Schema) DecodeBinary(r *bintly.Reader) error {
	r.Uint32(&s.Version)
	r.Int(&s.NumKeyColumns)
	r.Int(&s.TimestampIndex)
	var n int
	r.Int(&n)
	if n < 0 || n < s.NumKeyColumns {
		return fmt.Errorf("invalid column count %d", n)
	}
	s.Columns = make([]ColumnSchema, n)
	for i := range s.Columns {
		c := &s.Columns[i]
		r.Uint32(&c.ID)
		r.String(&c.Name)
		var kind uint8
		r.Uint8(&kind)
		c.Kind = DatumKind(kind)
		r.Bool(&c.Nullable)
	}
	return nil
}
