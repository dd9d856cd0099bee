package schema

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

// DatumKind is the type tag of a column.
type DatumKind uint8

const (
	KindNull DatumKind = iota
	KindTimestamp
	KindInt64
	KindUint64
	KindDouble
	KindString
	KindVarbinary
	KindBoolean
)

var kindNames = map[DatumKind]string{
	KindNull:      "null",
	KindTimestamp: "timestamp",
	KindInt64:     "int64",
	KindUint64:    "uint64",
	KindDouble:    "double",
	KindString:    "string",
	KindVarbinary: "varbinary",
	KindBoolean:   "boolean",
}

func (k DatumKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind accepts the lower case kind names.
func ParseKind(s string) (DatumKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s && k != KindNull {
			return k, nil
		}
	}
	return KindNull, fmt.Errorf("unknown column type %q", s)
}

func (k DatumKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DatumKind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsKeyKind reports whether a column of this kind can be part of the primary key.
func (k DatumKind) IsKeyKind() bool {
	switch k {
	case KindTimestamp, KindInt64, KindUint64, KindString, KindVarbinary, KindBoolean:
		return true
	default:
		return false
	}
}

// Datum is a single typed cell. The zero value is null.
type Datum struct {
	kind DatumKind
	i    int64
	u    uint64
	f    float64
	s    string
	b    []byte
}

func Null() Datum { return Datum{} }
func Timestamp(ms int64) Datum { return Datum{kind: KindTimestamp, i: ms} }
func Int64(v int64) Datum { return Datum{kind: KindInt64, i: v} }
func Uint64(v uint64) Datum { return Datum{kind: KindUint64, u: v} }
func Double(v float64) Datum { return Datum{kind: KindDouble, f: v} }
func String(v string) Datum { return Datum{kind: KindString, s: v} }
func Varbinary(v []byte) Datum { return Datum{kind: KindVarbinary, b: v} }
func Boolean(v bool) Datum {
	d := Datum{kind: KindBoolean}
	if v {
		d.u = 1
	}
	return d
}

func (d Datum) Kind() DatumKind { return d.kind }
func (d Datum) IsNull() bool { return d.kind == KindNull }

func (d Datum) AsInt64() int64 {
	switch d.kind {
	case KindUint64, KindBoolean:
		return int64(d.u)
	case KindDouble:
		return int64(d.f)
	default:
		return d.i
	}
}

func (d Datum) AsUint64() uint64 {
	switch d.kind {
	case KindTimestamp, KindInt64:
		return uint64(d.i)
	default:
		return d.u
	}
}

func (d Datum) AsDouble() float64 { return d.f }
func (d Datum) AsString() string { return d.s }
func (d Datum) AsBytes() []byte { return d.b }
func (d Datum) AsBool() bool { return d.u != 0 }

func (d Datum) Equal(o Datum) bool {
	if d.kind != o.kind {
		return false
	}
	switch d.kind {
	case KindNull:
		return true
	case KindTimestamp, KindInt64:
		return d.i == o.i
	case KindUint64, KindBoolean:
		return d.u == o.u
	case KindDouble:
		return d.f == o.f || (math.IsNaN(d.f) && math.IsNaN(o.f))
	case KindString:
		return d.s == o.s
	case KindVarbinary:
		return bytes.Equal(d.b, o.b)
	}
	return false
}

// Interface converts the datum to a plain Go value for JSON responses.
func (d Datum) Interface() any {
	switch d.kind {
	case KindTimestamp, KindInt64:
		return d.i
	case KindUint64:
		return d.u
	case KindDouble:
		return d.f
	case KindString:
		return d.s
	case KindVarbinary:
		return base64.StdEncoding.EncodeToString(d.b)
	case KindBoolean:
		return d.u != 0
	default:
		return nil
	}
}

func (d Datum) String() string {
	if d.kind == KindNull {
		return "null"
	}
	return fmt.Sprintf("%v", d.Interface())
}

// FromInterface converts a decoded JSON/YAML value into a datum of the given kind.
func FromInterface(kind DatumKind, v any) (Datum, error) {
	if v == nil {
		return Null(), nil
	}

	switch kind {
	case KindTimestamp, KindInt64:
		n, err := toInt64(v)
		if err != nil {
			return Null(), err
		}
		if kind == KindTimestamp {
			return Timestamp(n), nil
		}
		return Int64(n), nil
	case KindUint64:
		n, err := toInt64(v)
		if err != nil {
			return Null(), err
		}
		if n < 0 {
			return Null(), fmt.Errorf("negative value %d for uint64", n)
		}
		return Uint64(uint64(n)), nil
	case KindDouble:
		switch x := v.(type) {
		case float64:
			return Double(x), nil
		case float32:
			return Double(float64(x)), nil
		}
		n, err := toInt64(v)
		if err != nil {
			return Null(), err
		}
		return Double(float64(n)), nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return Null(), fmt.Errorf("expected string, got %T", v)
		}
		return String(s), nil
	case KindVarbinary:
		s, ok := v.(string)
		if !ok {
			return Null(), fmt.Errorf("expected base64 string, got %T", v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Null(), fmt.Errorf("failed to decode varbinary: %w", err)
		}
		return Varbinary(b), nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return Null(), fmt.Errorf("expected bool, got %T", v)
		}
		return Boolean(b), nil
	}

	return Null(), fmt.Errorf("unsupported kind %s", kind)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("expected integer, got %v", x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Row is an ordered tuple of datums matching a schema.
type Row []Datum
