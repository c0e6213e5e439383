package nativeio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
)

var rowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// row is one row of rowSchema. An empty name is written as null.
type row struct {
	id    int64
	name  string
	score float64
}

func (r row) String() string { return fmt.Sprintf("%d:%s:%g", r.id, r.name, r.score) }

func makeRows(t *testing.T, mem memory.Allocator, rows ...row) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(mem, rowSchema)
	defer b.Release()
	for _, r := range rows {
		b.Field(0).(*array.Int64Builder).Append(r.id)
		if r.name == "" {
			b.Field(1).AppendNull()
		} else {
			b.Field(1).(*array.StringBuilder).Append(r.name)
		}
		b.Field(2).(*array.Float64Builder).Append(r.score)
	}
	return b.NewRecord()
}

// memLocation is a location in a fresh in-memory bucket.
func memLocation(t *testing.T, key string) string {
	t.Helper()
	bucket := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	return "mem://" + bucket + "/" + key
}

func testConfig(t *testing.T, options ...Option) *Config {
	t.Helper()
	cfg, err := NewConfig(options...)
	require.NoError(t, err)
	return cfg
}

// writeRows writes rows to location with the plain writer.
func writeRows(t *testing.T, location string, rows ...row) {
	t.Helper()
	ctx := context.Background()
	w, err := NewWriter(ctx, testConfig(t, WithFile(location), WithSchema(rowSchema)))
	require.NoError(t, err)

	rec := makeRows(t, memory.DefaultAllocator, rows...)
	defer rec.Release()
	require.NoError(t, w.Write(ctx, rec))
	require.NoError(t, w.FlushAndClose(ctx))
}

// readRows reads every row of rowSchema's columns through a Reader.
func readRows(t *testing.T, cfg *Config) []row {
	t.Helper()
	ctx := context.Background()
	r := NewReader(cfg)
	require.NoError(t, r.Start(ctx))
	defer func() { require.NoError(t, r.Close()) }()

	var rows []row
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, recordRows(rec)...)
		rec.Release()
	}
}

func recordRows(rec arrow.Record) []row {
	col := func(name string) arrow.Array {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil
		}
		return rec.Column(idx[0])
	}
	ids, names, scores := col("id"), col("name"), col("score")

	rows := make([]row, rec.NumRows())
	for i := range rows {
		if ids != nil {
			rows[i].id = ids.(*array.Int64).Value(i)
		}
		if names != nil && names.IsValid(i) {
			rows[i].name = names.(*array.String).Value(i)
		}
		if scores != nil && scores.IsValid(i) {
			rows[i].score = scores.(*array.Float64).Value(i)
		}
	}
	return rows
}
