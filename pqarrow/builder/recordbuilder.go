package builder

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// RecordBuilder assembles records row by row from the rows of other records
// sharing its schema. It is the output stage of merge-on-read: the merger
// selects a winning row and the RecordBuilder copies it cell by cell.
type RecordBuilder struct {
	schema   *arrow.Schema
	capacity int
	fields   []ColumnBuilder
}

// NewRecordBuilder returns a builder with one column builder per field of
// schema, each with room for capacity rows.
func NewRecordBuilder(schema *arrow.Schema, capacity int) (*RecordBuilder, error) {
	b := &RecordBuilder{
		schema:   schema,
		capacity: capacity,
	}
	if err := b.reset(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RecordBuilder) reset() error {
	fields := make([]ColumnBuilder, b.schema.NumFields())
	for i, f := range b.schema.Fields() {
		cb, err := NewColumnBuilder(f, b.capacity)
		if err != nil {
			return err
		}
		fields[i] = cb
	}
	b.fields = fields
	return nil
}

func (b *RecordBuilder) Schema() *arrow.Schema { return b.schema }

func (b *RecordBuilder) Field(i int) ColumnBuilder { return b.fields[i] }

// Len is the number of rows of the first column, or 0 without columns.
func (b *RecordBuilder) Len() int {
	if len(b.fields) == 0 {
		return 0
	}
	return b.fields[0].Len()
}

// AppendRow copies row of rec. rec must have the builder's schema, or at
// least the same column types in the same order.
func (b *RecordBuilder) AppendRow(rec arrow.Record, row int) error {
	if int(rec.NumCols()) != len(b.fields) {
		return ioerr.Invariantf("record has %d columns, want %d", rec.NumCols(), len(b.fields))
	}
	for i, f := range b.fields {
		col := rec.Column(i)
		if col.IsNull(row) {
			if err := f.AppendNull(); err != nil {
				return err
			}
			continue
		}
		if err := f.AppendFrom(col, row); err != nil {
			return err
		}
	}
	return nil
}

// NewRecord freezes every column into a record and resets the builder so it
// can build the next one. All columns must have the same length.
//
// The returned Record must be Release()'d after use.
func (b *RecordBuilder) NewRecord() (arrow.Record, error) {
	cols := make([]arrow.Array, len(b.fields))
	defer func(cols []arrow.Array) {
		for _, col := range cols {
			if col == nil {
				continue
			}
			col.Release()
		}
	}(cols)

	rows := int64(0)
	for i, f := range b.fields {
		if i > 0 && int64(f.Len()) != rows {
			return nil, ioerr.Invariantf("column %q has %d rows, want %d", f.Field().Name, f.Len(), rows)
		}
		rows = int64(f.Len())
	}

	for i, f := range b.fields {
		col, err := f.Freeze()
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	if err := b.reset(); err != nil {
		return nil, err
	}
	return array.NewRecord(b.schema, cols, rows), nil
}
