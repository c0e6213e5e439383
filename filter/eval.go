package filter

import (
	"context"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// Apply returns the rows of r for which expr is true. Rows where it is null
// are dropped. The caller owns the returned record. A nil expr keeps every
// row.
func Apply(ctx context.Context, expr Expr, r arrow.Record) (arrow.Record, error) {
	if expr == nil {
		r.Retain()
		return r, nil
	}
	mask, err := Evaluate(ctx, expr, r)
	if err != nil {
		return nil, err
	}
	defer mask.Release()

	out, err := compute.FilterRecordBatch(ctx, r, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, ioerr.Schema(err, "filter record")
	}
	return out, nil
}

// Evaluate computes expr for every row of r as a boolean array.
func Evaluate(ctx context.Context, expr Expr, r arrow.Record) (*array.Boolean, error) {
	d, err := eval(ctx, expr, r)
	if err != nil {
		return nil, err
	}
	defer d.Release()

	arr := d.(*compute.ArrayDatum).MakeArray()
	mask, ok := arr.(*array.Boolean)
	if !ok {
		arr.Release()
		return nil, ioerr.Schemaf("filter %s does not evaluate to boolean", expr.Name())
	}
	return mask, nil
}

func eval(ctx context.Context, expr Expr, r arrow.Record) (compute.Datum, error) {
	switch e := expr.(type) {
	case *LogicalExpr:
		left, err := eval(ctx, e.Left, r)
		if err != nil {
			return nil, err
		}
		defer left.Release()
		right, err := eval(ctx, e.Right, r)
		if err != nil {
			return nil, err
		}
		defer right.Release()
		return call(ctx, e, e.Op.function(), left, right)

	case *NotExpr:
		inner, err := eval(ctx, e.Expr, r)
		if err != nil {
			return nil, err
		}
		defer inner.Release()
		return call(ctx, e, "not", inner)

	case *NullExpr:
		col, err := columnDatum(ctx, r, e.Column)
		if err != nil {
			return nil, err
		}
		defer col.Release()
		if e.Not {
			return call(ctx, e, "is_not_null", col)
		}
		return call(ctx, e, "is_null", col)

	case *BinaryExpr:
		col, err := columnDatum(ctx, r, e.Column)
		if err != nil {
			return nil, err
		}
		defer col.Release()
		return call(ctx, e, e.Op.function(), col, compute.NewDatumWithoutOwning(e.Value))

	default:
		return nil, ioerr.Invariantf("unsupported filter expression %T", expr)
	}
}

func call(ctx context.Context, e Expr, fn string, args ...compute.Datum) (compute.Datum, error) {
	d, err := compute.CallFunction(ctx, fn, nil, args...)
	if err != nil {
		return nil, ioerr.Schema(err, "evaluate "+e.Name())
	}
	return d, nil
}

// columnDatum looks up a column by name or by dotted struct path.
// Dictionary columns are unpacked to their value type.
func columnDatum(ctx context.Context, r arrow.Record, name string) (compute.Datum, error) {
	arr, err := column(r, name)
	if err != nil {
		return nil, err
	}
	if dict, ok := arr.DataType().(*arrow.DictionaryType); ok {
		unpacked, err := compute.CastArray(ctx, arr, compute.SafeCastOptions(dict.ValueType))
		if err != nil {
			return nil, ioerr.Schema(err, "unpack dictionary column "+name)
		}
		defer unpacked.Release()
		return compute.NewDatum(unpacked), nil
	}
	return compute.NewDatum(arr), nil
}

func column(r arrow.Record, name string) (arrow.Array, error) {
	if idx := r.Schema().FieldIndices(name); len(idx) > 0 {
		return r.Column(idx[0]), nil
	}

	parts := strings.Split(name, ".")
	idx := r.Schema().FieldIndices(parts[0])
	if len(idx) == 0 {
		return nil, ioerr.Schemaf("filter column %q not found", name)
	}
	arr := r.Column(idx[0])
	for _, part := range parts[1:] {
		st, ok := arr.(*array.Struct)
		if !ok {
			return nil, ioerr.Schemaf("filter column %q not found", name)
		}
		child, ok := st.DataType().(*arrow.StructType).FieldIdx(part)
		if !ok {
			return nil, ioerr.Schemaf("filter column %q not found", name)
		}
		arr = st.Field(child)
	}
	return arr, nil
}
