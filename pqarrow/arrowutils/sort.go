package arrowutils

import (
	"context"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/builder"
)

// SortRecord sorts given arrow.Record by columns. Returns *array.Int32 of
// indices to sorted rows or record r.
//
// Comparison is made sequentially by each column. When rows are equal in the
// first column we compare the rows om the second column and so on and so
// forth. The sort is stable.
func SortRecord(r arrow.Record, columns []SortingColumn) (*array.Int32, error) {
	if len(columns) == 0 {
		return nil, ioerr.Configurationf("pqarrow/arrowutils: at least one column is needed for sorting")
	}
	ms, err := newMultiColSorter(r, columns)
	if err != nil {
		return nil, err
	}
	sort.Stable(ms)
	return indicesArray(ms.indices), nil
}

// IsSorted reports whether r is already ordered on columns.
func IsSorted(r arrow.Record, columns []SortingColumn) (bool, error) {
	cmp, err := NewRowComparer(r.Schema(), columns)
	if err != nil {
		return false, err
	}
	for i := 1; i < int(r.NumRows()); i++ {
		if cmp.Compare(r, i-1, r, i) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Take uses indices which is an array of row index and returns a new record
// that only contains rows specified in indices.
//
// The returned Record must be Release()'d after use.
func Take(ctx context.Context, r arrow.Record, indices *array.Int32) (arrow.Record, error) {
	idx := indices.Int32Values()
	if isIdentity(idx, int(r.NumRows())) {
		r.Retain()
		return r, nil
	}

	b, err := builder.NewRecordBuilder(r.Schema(), len(idx))
	if err != nil {
		return nil, err
	}
	for n, i := range idx {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := b.AppendRow(r, int(i)); err != nil {
			return nil, err
		}
	}
	return b.NewRecord()
}

func isIdentity(idx []int32, rows int) bool {
	if len(idx) != rows {
		return false
	}
	for i, v := range idx {
		if int(v) != i {
			return false
		}
	}
	return true
}

// SortAndTake sorts r by columns and returns the reordered record.
func SortAndTake(ctx context.Context, r arrow.Record, columns []SortingColumn) (arrow.Record, error) {
	indices, err := SortRecord(r, columns)
	if err != nil {
		return nil, err
	}
	defer indices.Release()
	return Take(ctx, r, indices)
}

type multiColSorter struct {
	indices []int32
	record  arrow.Record
	cmp     *RowComparer
}

func newMultiColSorter(r arrow.Record, columns []SortingColumn) (*multiColSorter, error) {
	cmp, err := NewRowComparer(r.Schema(), columns)
	if err != nil {
		return nil, err
	}
	ms := &multiColSorter{
		record:  r,
		cmp:     cmp,
		indices: make([]int32, r.NumRows()),
	}
	for i := range ms.indices {
		ms.indices[i] = int32(i)
	}
	return ms, nil
}

func (m *multiColSorter) Len() int { return len(m.indices) }

func (m *multiColSorter) Less(i, j int) bool {
	return m.cmp.Compare(m.record, int(m.indices[i]), m.record, int(m.indices[j])) < 0
}

func (m *multiColSorter) Swap(i, j int) {
	m.indices[i], m.indices[j] = m.indices[j], m.indices[i]
}

// indicesArray wraps ordered row positions as an *array.Int32.
func indicesArray(idx []int32) *array.Int32 {
	b := array.NewInt32Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(idx, nil)
	return b.NewInt32Array()
}
