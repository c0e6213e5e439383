package pqarrow

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	arrowpq "github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/cockroachdb/errors"

	"github.com/lakesoul-io/nativeio/ioerr"
)

const (
	DefaultMaxRowGroupLength = 250_000
	DefaultBatchSize         = 8192
)

type EncoderOptions struct {
	// MaxRowGroupLength is the maximum number of rows per row group.
	MaxRowGroupLength int64
	// BatchSize is the number of rows the column writers process at once.
	BatchSize int64
	Allocator memory.Allocator
}

func (o EncoderOptions) withDefaults() EncoderOptions {
	if o.MaxRowGroupLength <= 0 {
		o.MaxRowGroupLength = DefaultMaxRowGroupLength
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

// writeOnly hides any Close method of the destination, the encoder must not
// close the stream it writes to.
type writeOnly struct{ io.Writer }

// Encoder streams records into a Snappy compressed Parquet file. The arrow
// schema is stored in the file metadata so readers get dictionary and
// timestamp types back unchanged.
type Encoder struct {
	fw   *arrowpq.FileWriter
	rows int64
}

func NewEncoder(schema *arrow.Schema, w io.Writer, opts EncoderOptions) (*Encoder, error) {
	opts = opts.withDefaults()
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithMaxRowGroupLength(opts.MaxRowGroupLength),
		parquet.WithBatchSize(opts.BatchSize),
		parquet.WithAllocator(opts.Allocator),
	)
	arrProps := arrowpq.NewArrowWriterProperties(
		arrowpq.WithStoreSchema(),
		arrowpq.WithAllocator(opts.Allocator),
	)
	fw, err := arrowpq.NewFileWriter(schema, writeOnly{w}, props, arrProps)
	if err != nil {
		return nil, ioerr.Encoding(err, "create parquet writer")
	}
	return &Encoder{fw: fw}, nil
}

// Write encodes rec. Rows are buffered in the current row group until it is
// full, so the destination may not see any bytes yet.
func (e *Encoder) Write(rec arrow.Record) error {
	if err := e.fw.WriteBuffered(rec); err != nil {
		return ioerr.Encoding(err, "write record")
	}
	e.rows += rec.NumRows()
	return nil
}

// RowsWritten is the number of rows handed to Write.
func (e *Encoder) RowsWritten() int64 { return e.rows }

// Close flushes the last row group and writes the file footer.
func (e *Encoder) Close() error {
	if err := e.fw.Close(); err != nil {
		return ioerr.Encoding(err, "close parquet writer")
	}
	return nil
}

type ScanOptions struct {
	// BatchSize is the maximum number of rows per record.
	BatchSize int64
	// Columns restricts the scan to the named top-level columns. All columns
	// are read when empty.
	Columns   []string
	Allocator memory.Allocator
}

// Scanner reads a Parquet file as a stream of records.
type Scanner struct {
	rdr    *file.Reader
	rr     arrowpq.RecordReader
	schema *arrow.Schema
}

func NewScanner(ctx context.Context, r io.ReaderAt, size int64, opts ScanOptions) (*Scanner, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}

	rdr, err := file.NewParquetReader(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, ioerr.Encoding(err, "open parquet file")
	}
	fr, err := arrowpq.NewFileReader(rdr, arrowpq.ArrowReadProperties{BatchSize: opts.BatchSize}, opts.Allocator)
	if err != nil {
		_ = rdr.Close()
		return nil, ioerr.Encoding(err, "create arrow reader")
	}

	var indices []int
	if len(opts.Columns) > 0 {
		indices, err = leafIndices(fr.Manifest, opts.Columns)
		if err != nil {
			_ = rdr.Close()
			return nil, err
		}
	}

	rr, err := fr.GetRecordReader(ctx, indices, nil)
	if err != nil {
		_ = rdr.Close()
		return nil, ioerr.Encoding(err, "create record reader")
	}
	// Record readers drop the file's key-value metadata.
	schema := rr.Schema()
	if full, err := fr.Schema(); err == nil {
		md := full.Metadata()
		schema = arrow.NewSchema(schema.Fields(), &md)
	}
	return &Scanner{
		rdr:    rdr,
		rr:     rr,
		schema: schema,
	}, nil
}

// leafIndices maps top-level column names to the Parquet leaf columns that
// store them. Columns keep their file order.
func leafIndices(manifest *arrowpq.SchemaManifest, columns []string) ([]int, error) {
	wanted := make(map[string]bool, len(columns))
	for _, name := range columns {
		wanted[name] = false
	}

	var indices []int
	for _, f := range manifest.Fields {
		if _, ok := wanted[f.Field.Name]; !ok {
			continue
		}
		wanted[f.Field.Name] = true
		indices = appendLeaves(indices, f)
	}
	for _, name := range columns {
		if !wanted[name] {
			return nil, ioerr.Schemaf("column %q not found in file", name)
		}
	}
	return indices, nil
}

func appendLeaves(indices []int, f arrowpq.SchemaField) []int {
	if f.IsLeaf() {
		return append(indices, f.ColIndex)
	}
	for _, c := range f.Children {
		indices = appendLeaves(indices, c)
	}
	return indices
}

func (s *Scanner) Schema() *arrow.Schema { return s.schema }

func (s *Scanner) NumRows() int64 { return s.rdr.NumRows() }

// Next returns the next record, which the caller must release, or io.EOF.
func (s *Scanner) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.rr.Next() {
		if err := s.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, ioerr.Encoding(err, "read record")
		}
		return nil, io.EOF
	}
	rec := s.rr.Record()
	rec.Retain()
	return rec, nil
}

func (s *Scanner) Close() error {
	s.rr.Release()
	return s.rdr.Close()
}
