package arrowutils

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// UnifySchemas returns a schema holding every field of schemas, in order of
// first appearance. A field is nullable in the result when it is nullable in
// any input or missing from one. Fields with the same name must have the
// same type.
func UnifySchemas(schemas []*arrow.Schema) (*arrow.Schema, error) {
	if len(schemas) == 0 {
		return nil, ioerr.Schemaf("no schemas to unify")
	}
	if len(schemas) == 1 {
		return schemas[0], nil
	}

	var (
		fields []arrow.Field
		index  = make(map[string]int)
		counts = make(map[string]int)
	)
	for _, s := range schemas {
		for _, f := range s.Fields() {
			counts[f.Name]++
			i, ok := index[f.Name]
			if !ok {
				index[f.Name] = len(fields)
				fields = append(fields, f)
				continue
			}
			if !arrow.TypeEqual(fields[i].Type, f.Type) {
				return nil, ioerr.Schemaf("column %q has conflicting types %s and %s", f.Name, fields[i].Type, f.Type)
			}
			fields[i].Nullable = fields[i].Nullable || f.Nullable
		}
	}
	for i := range fields {
		if counts[fields[i].Name] < len(schemas) {
			fields[i].Nullable = true
		}
	}
	md := schemas[0].Metadata()
	return arrow.NewSchema(fields, &md), nil
}

// AlignRecord projects r onto target. Columns are matched by name and cast
// when their type differs. Columns of target missing from r are filled with
// the value configured in defaults, parsed with the column's type, or with
// nulls. Columns of r missing from target are dropped.
//
// The returned Record must be Release()'d after use.
func AlignRecord(ctx context.Context, mem memory.Allocator, r arrow.Record, target *arrow.Schema, defaults map[string]string) (arrow.Record, error) {
	if r.Schema().Equal(target) {
		r.Retain()
		return r, nil
	}

	rows := int(r.NumRows())
	cols := make([]arrow.Array, 0, target.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, field := range target.Fields() {
		indices := r.Schema().FieldIndices(field.Name)
		switch len(indices) {
		case 0:
			col, err := fillColumn(mem, field, rows, defaults)
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
		case 1:
			col := r.Column(indices[0])
			if arrow.TypeEqual(col.DataType(), field.Type) {
				col.Retain()
				cols = append(cols, col)
				continue
			}
			cast, err := compute.CastArray(
				compute.WithAllocator(ctx, mem), col, compute.SafeCastOptions(field.Type),
			)
			if err != nil {
				return nil, ioerr.Schema(err, "cast column "+field.Name)
			}
			cols = append(cols, cast)
		default:
			return nil, ioerr.Schemaf("found multiple fields for name %s", field.Name)
		}
		if !field.Nullable && cols[len(cols)-1].NullN() > 0 {
			return nil, ioerr.Schemaf("non-nullable column %q contains nulls", field.Name)
		}
	}

	return array.NewRecord(target, cols, int64(rows)), nil
}

func fillColumn(mem memory.Allocator, field arrow.Field, rows int, defaults map[string]string) (arrow.Array, error) {
	if v, ok := defaults[field.Name]; ok {
		sc, err := scalar.ParseScalar(field.Type, v)
		if err != nil {
			return nil, ioerr.Schema(err, "parse default value of column "+field.Name)
		}
		arr, err := scalar.MakeArrayFromScalar(sc, rows, mem)
		if err != nil {
			return nil, ioerr.Schema(err, "fill column "+field.Name)
		}
		return arr, nil
	}
	if !field.Nullable {
		return nil, ioerr.Schemaf("non-nullable column %q missing and has no default", field.Name)
	}
	return MakeNullArray(field.Type, rows)
}
