package arrowutils

import (
	"container/heap"
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/builder"
)

// RecordIterator is a stream of records. Next returns io.EOF once the stream
// is exhausted. Returned records are owned by the caller.
type RecordIterator interface {
	Next(ctx context.Context) (arrow.Record, error)
}

// RowSource is a stream of records sorted by the merge key. Rows of sources
// with a higher Version override rows of sources with a lower one.
type RowSource struct {
	Records RecordIterator
	Version int64
}

type sliceIterator struct {
	records []arrow.Record
}

// NewSliceIterator iterates over records. The caller keeps its references,
// every record handed out by Next is retained once more.
func NewSliceIterator(records ...arrow.Record) RecordIterator {
	return &sliceIterator{records: records}
}

func (it *sliceIterator) Next(context.Context) (arrow.Record, error) {
	if len(it.records) == 0 {
		return nil, io.EOF
	}
	rec := it.records[0]
	it.records = it.records[1:]
	rec.Retain()
	return rec, nil
}

// Selection is the row chosen by a Merger. It stays valid until the next
// call to Merger.Next.
type Selection struct {
	Record arrow.Record
	Row    int
	Source int
}

type MergeOption func(*Merger)

// WithKeepDuplicates emits every row instead of only the most recent row of
// each key. Rows with equal keys come out by descending source version, then
// by source position, then in scan order.
func WithKeepDuplicates() MergeOption {
	return func(m *Merger) {
		m.keepDuplicates = true
	}
}

// WithAllowDuplicateKeys accepts sources that contain a key more than once.
// The last such row in scan order wins.
func WithAllowDuplicateKeys() MergeOption {
	return func(m *Merger) {
		m.allowDuplicateKeys = true
	}
}

// Merger merges sorted row sources into one stream sorted by the merge key,
// keeping for every key only the row of the most recent source.
type Merger struct {
	sources            []RowSource
	h                  cursorHeap
	keepDuplicates     bool
	allowDuplicateKeys bool
	started            bool

	// retired holds records cursors have moved past. They may still back the
	// last selection and are released on the next call to Next.
	retired []arrow.Record

	rows       int64
	overridden int64
}

// NewMerger returns a merger of sources, which all must have schema and be
// sorted on columns.
func NewMerger(schema *arrow.Schema, sources []RowSource, columns []SortingColumn, opts ...MergeOption) (*Merger, error) {
	if len(columns) == 0 {
		return nil, ioerr.Configurationf("merge requires at least one key column")
	}
	cmp, err := NewRowComparer(schema, columns)
	if err != nil {
		return nil, err
	}
	m := &Merger{
		sources: sources,
		h:       cursorHeap{cmp: cmp},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Rows is the number of rows emitted so far.
func (m *Merger) Rows() int64 { return m.rows }

// Overridden is the number of rows dropped in favour of a more recent row
// with the same key.
func (m *Merger) Overridden() int64 { return m.overridden }

func (m *Merger) init(ctx context.Context) error {
	m.started = true
	m.h.cursors = make([]cursor, 0, len(m.sources))
	for i, s := range m.sources {
		c := cursor{source: i, version: s.Version, it: s.Records}
		ok, err := c.load(ctx)
		if err != nil {
			return err
		}
		if ok {
			m.h.cursors = append(m.h.cursors, c)
		}
	}
	heap.Init(&m.h)
	return nil
}

// Next returns the next row of the merged stream, or io.EOF.
func (m *Merger) Next(ctx context.Context) (Selection, error) {
	m.releaseRetired()
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}
	if !m.started {
		if err := m.init(ctx); err != nil {
			return Selection{}, err
		}
	}
	if m.h.Len() == 0 {
		return Selection{}, io.EOF
	}

	// Minimum cursor is always at index 0.
	top := m.h.cursors[0]
	sel := Selection{Record: top.rec, Row: top.row, Source: top.source}
	if err := m.advance(ctx); err != nil {
		return Selection{}, err
	}
	m.rows++
	if m.keepDuplicates {
		return sel, nil
	}

	// Rows sharing the key pop in priority order, so all remaining rows of
	// the winning source come first and rows of one source are adjacent.
	prev := sel.Source
	for m.h.Len() > 0 {
		c := m.h.cursors[0]
		if m.h.cmp.Compare(c.rec, c.row, sel.Record, sel.Row) != 0 {
			break
		}
		if c.source == prev {
			if !m.allowDuplicateKeys {
				return Selection{}, ioerr.Configurationf(
					"source %d contains primary key duplicates at row %d", c.source, c.row,
				)
			}
			if c.source == sel.Source {
				sel.Record, sel.Row = c.rec, c.row
			}
		}
		prev = c.source
		m.overridden++
		if err := m.advance(ctx); err != nil {
			return Selection{}, err
		}
	}
	return sel, nil
}

// advance moves the minimum cursor to its next row.
func (m *Merger) advance(ctx context.Context) error {
	c := &m.h.cursors[0]
	c.row++
	if c.row < int(c.rec.NumRows()) {
		heap.Fix(&m.h, 0)
		return nil
	}

	m.retired = append(m.retired, c.rec)
	c.rec = nil
	ok, err := c.load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// Pop the cursor since it has no more data.
		_ = heap.Pop(&m.h)
		return nil
	}
	heap.Fix(&m.h, 0)
	return nil
}

func (m *Merger) releaseRetired() {
	for _, r := range m.retired {
		r.Release()
	}
	m.retired = m.retired[:0]
}

// Close releases the records still held by the merger.
func (m *Merger) Close() {
	m.releaseRetired()
	for _, c := range m.h.cursors {
		if c.rec != nil {
			c.rec.Release()
		}
	}
	m.h.cursors = nil
}

type cursor struct {
	source  int
	version int64
	it      RecordIterator
	rec     arrow.Record
	row     int
}

// load positions the cursor on the first row of the next non-empty record.
// It returns false once the source is exhausted.
func (c *cursor) load(ctx context.Context) (bool, error) {
	for {
		rec, err := c.it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.NumRows() == 0 {
			rec.Release()
			continue
		}
		c.rec, c.row = rec, 0
		return true, nil
	}
}

type cursorHeap struct {
	cursors []cursor
	cmp     *RowComparer
}

func (h cursorHeap) Len() int {
	return len(h.cursors)
}

func (h cursorHeap) Less(i, j int) bool {
	c1 := &h.cursors[i]
	c2 := &h.cursors[j]
	if n := h.cmp.Compare(c1.rec, c1.row, c2.rec, c2.row); n != 0 {
		return n < 0
	}
	if c1.version != c2.version {
		return c1.version > c2.version
	}
	return c1.source < c2.source
}

func (h cursorHeap) Swap(i, j int) {
	h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i]
}

func (h cursorHeap) Push(_ any) {
	panic(
		"number of cursors are known at Init time, none should ever be pushed",
	)
}

func (h *cursorHeap) Pop() any {
	n := len(h.cursors) - 1
	c := h.cursors[n]
	h.cursors = h.cursors[:n]
	return c
}

// MergeIterator assembles the rows selected by a Merger into records of at
// most batchSize rows.
type MergeIterator struct {
	merger    *Merger
	builder   *builder.RecordBuilder
	batchSize int
	done      bool
}

func NewMergeIterator(schema *arrow.Schema, merger *Merger, batchSize int) (*MergeIterator, error) {
	if batchSize <= 0 {
		return nil, ioerr.Configurationf("batch size must be positive, got %d", batchSize)
	}
	b, err := builder.NewRecordBuilder(schema, batchSize)
	if err != nil {
		return nil, err
	}
	return &MergeIterator{
		merger:    merger,
		builder:   b,
		batchSize: batchSize,
	}, nil
}

func (it *MergeIterator) Merger() *Merger { return it.merger }

func (it *MergeIterator) Next(ctx context.Context) (arrow.Record, error) {
	if it.done {
		return nil, io.EOF
	}

	n := 0
	for n < it.batchSize {
		sel, err := it.merger.Next(ctx)
		if errors.Is(err, io.EOF) {
			it.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		if err := it.builder.AppendRow(sel.Record, sel.Row); err != nil {
			return nil, err
		}
		n++
	}
	if n == 0 {
		return nil, io.EOF
	}
	return it.builder.NewRecord()
}

func (it *MergeIterator) Close() {
	it.merger.Close()
}
