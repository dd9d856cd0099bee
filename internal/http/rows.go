package http

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
)

// rowsFromPayload lays named values out in table column order. With
// keysOnly only key columns are read.
func rowsFromPayload(sc *schema.Schema, in []map[string]any, keysOnly bool) ([]schema.Row, error) {
	cols := sc.Columns
	if keysOnly {
		cols = sc.KeyColumns()
	}

	rows := make([]schema.Row, 0, len(in))
	for i, m := range in {
		row := make(schema.Row, len(cols))
		for j, c := range cols {
			d, err := schema.FromInterface(c.Kind, m[c.Name])
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %s: %v", dberrors.ErrInvalidArgument, i, c.Name, err)
			}
			row[j] = d
		}
		for name := range m {
			if sc.IndexOf(name) < 0 {
				return nil, dberrors.SchemaMismatch("row %d: unknown column %s", i, name)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func rowView(sc *schema.Schema, row schema.Row) map[string]any {
	out := make(map[string]any, len(row))
	for i, d := range row {
		out[sc.Columns[i].Name] = d.Interface()
	}
	return out
}

// keyFromQuery builds a key row when the query names every key column.
func keyFromQuery(sc *schema.Schema, q url.Values) (schema.Row, bool, error) {
	keys := sc.KeyColumns()
	row := make(schema.Row, len(keys))
	for i, c := range keys {
		if !q.Has(c.Name) {
			return nil, false, nil
		}
		d, err := parseDatum(c.Kind, q.Get(c.Name))
		if err != nil {
			return nil, false, fmt.Errorf("%w: column %s: %v", dberrors.ErrInvalidArgument, c.Name, err)
		}
		row[i] = d
	}
	return row, true, nil
}

func parseDatum(kind schema.DatumKind, v string) (schema.Datum, error) {
	switch kind {
	case schema.KindTimestamp, schema.KindInt64:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return schema.Null(), err
		}
		return schema.FromInterface(kind, n)
	case schema.KindUint64:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return schema.Null(), err
		}
		return schema.Uint64(n), nil
	case schema.KindDouble:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return schema.Null(), err
		}
		return schema.Double(f), nil
	case schema.KindBoolean:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return schema.Null(), err
		}
		return schema.Boolean(b), nil
	default:
		return schema.FromInterface(kind, v)
	}
}
