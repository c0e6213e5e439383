package extsort

import (
	"context"
	"io"
	"io/fs"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
	"go.uber.org/goleak"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/arrowutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.PrimitiveTypes.Int64},
	{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
	{Name: "payload", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

var byKey = []arrowutils.SortingColumn{{Index: 0}}

type row struct {
	key, seq int64
}

func makeRecord(mem memory.Allocator, rows []row) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for _, r := range rows {
		b.Field(0).(*array.Int64Builder).Append(r.key)
		b.Field(1).(*array.Int64Builder).Append(r.seq)
		if r.seq%3 == 0 {
			b.Field(2).AppendNull()
		} else {
			b.Field(2).(*array.StringBuilder).Append("payload")
		}
	}
	return b.NewRecord()
}

func drain(t *testing.T, it arrowutils.RecordIterator) []row {
	t.Helper()
	var rows []row
	for {
		rec, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		keys := rec.Column(0).(*array.Int64)
		seqs := rec.Column(1).(*array.Int64)
		for i := 0; i < int(rec.NumRows()); i++ {
			rows = append(rows, row{key: keys.Value(i), seq: seqs.Value(i)})
		}
		rec.Release()
	}
}

// randomInput returns n batches of size rows with keys drawn from a small
// range, so equal keys span batches. seq numbers rows in insertion order.
func randomInput(n, size int) [][]row {
	rnd := rand.New(rand.NewSource(42))
	batches := make([][]row, n)
	seq := int64(0)
	for i := range batches {
		for j := 0; j < size; j++ {
			batches[i] = append(batches[i], row{key: rnd.Int63n(20), seq: seq})
			seq++
		}
	}
	return batches
}

// expected is a stable sort of all input rows by key.
func expected(batches [][]row) []row {
	var all []row
	for _, b := range batches {
		all = append(all, b...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].key < all[j].key })
	return all
}

func sortAll(t *testing.T, mem memory.Allocator, opts Options, batches [][]row) (*Sorter, []row) {
	t.Helper()
	s, err := New(schema, opts)
	require.NoError(t, err)
	for _, b := range batches {
		rec := makeRecord(mem, b)
		require.NoError(t, s.Add(context.Background(), rec))
		rec.Release()
	}
	it, err := s.Finish(context.Background())
	require.NoError(t, err)
	return s, drain(t, it)
}

func TestSortInMemory(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	batches := [][]row{
		{{3, 0}, {1, 1}, {2, 2}},
		{{2, 3}, {1, 4}},
		{},
		{{0, 5}},
	}
	s, got := sortAll(t, mem, Options{Columns: byKey, Allocator: mem, Spill: objstore.NewInMemBucket()}, batches)
	require.Equal(t, 0, s.Runs())
	require.Equal(t, expected(batches), got)
	require.NoError(t, s.Close(context.Background()))
}

func TestSortSpills(t *testing.T) {
	for _, codec := range []Codec{CodecZstd, CodecLZ4, CodecNone} {
		t.Run(string(codec), func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			bkt := objstore.NewInMemBucket()
			batches := randomInput(10, 7)
			s, got := sortAll(t, mem, Options{
				Columns:    byKey,
				BufferRows: 15,
				BatchSize:  4,
				Spill:      bkt,
				Codec:      codec,
				Allocator:  mem,
			}, batches)
			require.Equal(t, 3, s.Runs())
			require.Equal(t, expected(batches), got)

			require.NotEmpty(t, bkt.Objects())
			require.NoError(t, s.Close(context.Background()))
			require.Empty(t, bkt.Objects())
		})
	}
}

func TestSortSpillDir(t *testing.T) {
	dir := t.TempDir()
	batches := randomInput(4, 10)
	s, got := sortAll(t, memory.DefaultAllocator, Options{
		Columns:    byKey,
		BufferRows: 10,
		SpillDir:   dir,
	}, batches)
	require.Equal(t, 2, s.Runs())
	require.Equal(t, expected(batches), got)
	require.NoError(t, s.Close(context.Background()))

	var files []string
	require.NoError(t, filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	require.Empty(t, files)
}

func TestSortCloseBeforeDrain(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	s, err := New(schema, Options{Columns: byKey, BufferRows: 3, Spill: objstore.NewInMemBucket(), Allocator: mem})
	require.NoError(t, err)
	for _, b := range randomInput(3, 4) {
		rec := makeRecord(mem, b)
		require.NoError(t, s.Add(context.Background(), rec))
		rec.Release()
	}
	it, err := s.Finish(context.Background())
	require.NoError(t, err)
	rec, err := it.Next(context.Background())
	require.NoError(t, err)
	rec.Release()
	require.NoError(t, s.Close(context.Background()))
}

func TestSorterMisuse(t *testing.T) {
	_, err := New(schema, Options{})
	require.True(t, errors.Is(err, ioerr.ErrConfiguration))

	_, err = New(schema, Options{Columns: byKey, Codec: "snappy"})
	require.True(t, errors.Is(err, ioerr.ErrConfiguration))

	_, err = New(schema, Options{Columns: []arrowutils.SortingColumn{{Index: 7}}})
	require.True(t, errors.Is(err, ioerr.ErrSchema))

	s, err := New(schema, Options{Columns: byKey})
	require.NoError(t, err)
	other := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int8}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, other)
	defer b.Release()
	rec := b.NewRecord()
	defer rec.Release()
	require.True(t, errors.Is(s.Add(context.Background(), rec), ioerr.ErrSchema))

	_, err = s.Finish(context.Background())
	require.NoError(t, err)
	_, err = s.Finish(context.Background())
	require.True(t, errors.Is(err, ioerr.ErrInvariantViolation))
	require.NoError(t, s.Close(context.Background()))
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("lz4")
	require.NoError(t, err)
	require.Equal(t, CodecLZ4, c)
	_, err = ParseCodec("gzip")
	require.True(t, errors.Is(err, ioerr.ErrConfiguration))
}
