// Package extsort sorts record streams larger than memory. Records are
// buffered until a row limit is reached, then sorted and spilled as a run
// to a bucket. Finishing merges the spilled runs with what is still
// buffered.
package extsort

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"golang.org/x/sync/errgroup"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/arrowutils"
	"github.com/lakesoul-io/nativeio/storage"
)

var errUploadStopped = errors.New("spill upload stopped")

// Codec compresses spilled runs.
type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecNone Codec = "none"
)

func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecZstd, CodecLZ4, CodecNone:
		return c, nil
	default:
		return "", ioerr.Configurationf("unknown spill codec %q", s)
	}
}

const (
	DefaultBufferRows = 1 << 20
	DefaultBatchSize  = 8192
)

type Options struct {
	// Columns are the sort columns.
	Columns []arrowutils.SortingColumn
	// BufferRows is the number of buffered rows that triggers a spill.
	BufferRows int
	// BatchSize is the number of rows per record of the sorted output.
	BatchSize int
	// Spill receives the sorted runs. When nil, runs go to a directory below
	// SpillDir, or the system temp directory.
	Spill     objstore.Bucket
	SpillDir  string
	Codec     Codec
	Allocator memory.Allocator
	Logger    log.Logger
	// Spills counts spilled runs. May be nil.
	Spills prometheus.Counter
}

// Sorter sorts all records added to it. It is not safe for concurrent use.
type Sorter struct {
	schema *arrow.Schema
	opts   Options
	logger log.Logger

	buffered     []arrow.Record
	bufferedRows int

	spill     objstore.Bucket
	ownsSpill bool
	runs      []string
	readers   []*runIterator

	merger *arrowutils.MergeIterator
	closed bool
}

func New(schema *arrow.Schema, opts Options) (*Sorter, error) {
	if len(opts.Columns) == 0 {
		return nil, ioerr.Configurationf("external sort requires at least one sort column")
	}
	if _, err := arrowutils.NewRowComparer(schema, opts.Columns); err != nil {
		return nil, err
	}
	if opts.BufferRows <= 0 {
		opts.BufferRows = DefaultBufferRows
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Codec == "" {
		opts.Codec = CodecZstd
	}
	if _, err := ParseCodec(string(opts.Codec)); err != nil {
		return nil, err
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	id := ulid.Make().String()
	return &Sorter{
		schema: schema,
		opts:   opts,
		logger: log.With(opts.Logger, "sorter", id),
		spill:  spillBucket(opts.Spill, id),
	}, nil
}

// spillBucket scopes the runs of one sorter under its own prefix. A nil
// bucket is created lazily on the first spill.
func spillBucket(b objstore.Bucket, id string) objstore.Bucket {
	if b == nil {
		return nil
	}
	return storage.NewPrefixedBucket(b, id)
}

// Add buffers rec, spilling the buffer once it holds more than BufferRows
// rows. The sorter keeps its own reference to rec.
func (s *Sorter) Add(ctx context.Context, rec arrow.Record) error {
	if s.closed || s.merger != nil {
		return ioerr.Invariantf("add to finished sorter")
	}
	if !rec.Schema().Equal(s.schema) {
		return ioerr.Schemaf("record schema %s does not match sorter schema %s", rec.Schema(), s.schema)
	}
	if rec.NumRows() == 0 {
		return nil
	}
	rec.Retain()
	s.buffered = append(s.buffered, rec)
	s.bufferedRows += int(rec.NumRows())
	if s.bufferedRows > s.opts.BufferRows {
		return s.spillBuffered(ctx)
	}
	return nil
}

// BufferedRows is the number of rows held in memory.
func (s *Sorter) BufferedRows() int { return s.bufferedRows }

// Runs is the number of runs spilled so far.
func (s *Sorter) Runs() int { return len(s.runs) }

// sortedSources sorts every buffered record and returns them as merge sources.
// Earlier records get higher versions so equal keys keep insertion order.
func (s *Sorter) sortedSources(ctx context.Context, firstVersion int64) ([]arrowutils.RowSource, error) {
	sources := make([]arrowutils.RowSource, 0, len(s.buffered))
	for i, rec := range s.buffered {
		sorted, err := arrowutils.SortAndTake(ctx, rec, s.opts.Columns)
		if err != nil {
			releaseSources(ctx, sources)
			return nil, err
		}
		sources = append(sources, arrowutils.RowSource{
			Records: &ownedIterator{rec: sorted},
			Version: firstVersion - int64(i),
		})
	}
	s.releaseBuffered()
	return sources, nil
}

func (s *Sorter) releaseBuffered() {
	for _, r := range s.buffered {
		r.Release()
	}
	s.buffered = s.buffered[:0]
	s.bufferedRows = 0
}

func (s *Sorter) spillBuffered(ctx context.Context) error {
	if s.spill == nil {
		dir := s.opts.SpillDir
		if dir == "" {
			dir = os.TempDir()
		}
		bkt, err := filesystem.NewBucket(filepath.Join(dir, "nativeio-sort"))
		if err != nil {
			return ioerr.Storage(err, "create spill directory")
		}
		s.spill = spillBucket(bkt, ulid.Make().String())
		s.ownsSpill = true
	}

	rows := s.bufferedRows
	sources, err := s.sortedSources(ctx, int64(len(s.buffered)))
	if err != nil {
		return err
	}
	it, err := s.mergeSources(sources)
	if err != nil {
		releaseSources(ctx, sources)
		return err
	}
	defer it.Close()

	name := fmt.Sprintf("run-%05d.arrow", len(s.runs))
	if err := s.writeRun(ctx, name, it); err != nil {
		return err
	}
	s.runs = append(s.runs, name)
	if s.opts.Spills != nil {
		s.opts.Spills.Inc()
	}
	level.Debug(s.logger).Log("msg", "spilled sorted run", "run", name, "rows", rows, "codec", s.opts.Codec)
	return nil
}

func (s *Sorter) mergeSources(sources []arrowutils.RowSource) (*arrowutils.MergeIterator, error) {
	m, err := arrowutils.NewMerger(s.schema, sources, s.opts.Columns, arrowutils.WithKeepDuplicates())
	if err != nil {
		return nil, err
	}
	return arrowutils.NewMergeIterator(s.schema, m, s.opts.BatchSize)
}

// writeRun streams the records of it into the spill bucket as an arrow IPC
// stream.
func (s *Sorter) writeRun(ctx context.Context, name string, it arrowutils.RecordIterator) error {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.encodeRun(gctx, pw, it)
		_ = pw.CloseWithError(err)
		return err
	})
	uploadErr := s.spill.Upload(ctx, name, pr)
	// Unblocks the encoder if the upload stopped reading early.
	_ = pr.CloseWithError(errUploadStopped)
	if err := g.Wait(); err != nil && !errors.Is(err, errUploadStopped) {
		return err
	}
	return ioerr.Storage(uploadErr, "spill "+name)
}

func (s *Sorter) encodeRun(ctx context.Context, w io.Writer, it arrowutils.RecordIterator) error {
	cw, err := compressWriter(w, s.opts.Codec)
	if err != nil {
		return err
	}
	iw := ipc.NewWriter(cw, ipc.WithSchema(s.schema), ipc.WithAllocator(s.opts.Allocator))
	err = writeRecords(ctx, iw, it)
	err = errors.CombineErrors(err, ioerr.Encoding(iw.Close(), "close spill run"))
	return errors.CombineErrors(err, ioerr.Encoding(cw.Close(), "flush spill run"))
}

func writeRecords(ctx context.Context, iw *ipc.Writer, it arrowutils.RecordIterator) error {
	for {
		rec, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = iw.Write(rec)
		rec.Release()
		if err != nil {
			return ioerr.Encoding(err, "write spill run")
		}
	}
}

// Finish returns the sorted records. The iterator is valid until Close.
func (s *Sorter) Finish(ctx context.Context) (arrowutils.RecordIterator, error) {
	if s.closed || s.merger != nil {
		return nil, ioerr.Invariantf("sorter already finished")
	}

	// Spilled runs hold the oldest rows and keep the highest versions.
	total := int64(len(s.runs) + len(s.buffered))
	sources := make([]arrowutils.RowSource, 0, total)
	for i, name := range s.runs {
		run := &runIterator{sorter: s, name: name}
		s.readers = append(s.readers, run)
		sources = append(sources, arrowutils.RowSource{
			Records: run,
			Version: total - int64(i),
		})
	}
	buffered, err := s.sortedSources(ctx, total-int64(len(s.runs)))
	if err != nil {
		releaseSources(ctx, sources)
		return nil, err
	}
	sources = append(sources, buffered...)

	it, err := s.mergeSources(sources)
	if err != nil {
		releaseSources(ctx, sources)
		return nil, err
	}
	s.merger = it
	return it, nil
}

// Close releases buffered records and deletes spilled runs.
func (s *Sorter) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseBuffered()
	if s.merger != nil {
		s.merger.Close()
	}
	for _, run := range s.readers {
		run.release()
	}

	var errs error
	for _, name := range s.runs {
		if err := s.spill.Delete(ctx, name); err != nil && !s.spill.IsObjNotFoundErr(err) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if s.ownsSpill {
		errs = errors.CombineErrors(errs, s.spill.Close())
	}
	return ioerr.Storage(errs, "remove spilled runs")
}

func releaseSources(ctx context.Context, sources []arrowutils.RowSource) {
	for _, src := range sources {
		if c, ok := src.Records.(interface{ release() }); ok {
			c.release()
			continue
		}
		// Drain what cannot be released directly.
		for {
			rec, err := src.Records.Next(ctx)
			if err != nil {
				break
			}
			rec.Release()
		}
	}
}

// ownedIterator hands out a record the iterator owns exactly once.
type ownedIterator struct {
	rec arrow.Record
}

func (it *ownedIterator) Next(context.Context) (arrow.Record, error) {
	if it.rec == nil {
		return nil, io.EOF
	}
	rec := it.rec
	it.rec = nil
	return rec, nil
}

func (it *ownedIterator) release() {
	if it.rec != nil {
		it.rec.Release()
		it.rec = nil
	}
}

// runIterator reads a spilled run back. The object is opened on the first
// call to Next.
type runIterator struct {
	sorter *Sorter
	name   string

	rc     io.ReadCloser
	dec    io.ReadCloser
	reader *ipc.Reader
	done   bool
}

func (it *runIterator) Next(ctx context.Context) (arrow.Record, error) {
	if it.done {
		return nil, io.EOF
	}
	if it.reader == nil {
		if err := it.open(ctx); err != nil {
			it.release()
			return nil, err
		}
	}
	if !it.reader.Next() {
		err := it.reader.Err()
		it.release()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, ioerr.Encoding(err, "read spill run "+it.name)
		}
		return nil, io.EOF
	}
	rec := it.reader.Record()
	rec.Retain()
	return rec, nil
}

func (it *runIterator) open(ctx context.Context) error {
	s := it.sorter
	rc, err := s.spill.Get(ctx, it.name)
	if err != nil {
		return ioerr.Storage(err, "open spill run "+it.name)
	}
	it.rc = rc
	dec, err := decompressReader(rc, s.opts.Codec)
	if err != nil {
		return err
	}
	it.dec = dec
	reader, err := ipc.NewReader(dec, ipc.WithSchema(s.schema), ipc.WithAllocator(s.opts.Allocator))
	if err != nil {
		return ioerr.Encoding(err, "open spill run "+it.name)
	}
	it.reader = reader
	return nil
}

func (it *runIterator) release() {
	it.done = true
	if it.reader != nil {
		it.reader.Release()
		it.reader = nil
	}
	if it.dec != nil {
		_ = it.dec.Close()
		it.dec = nil
	}
	if it.rc != nil {
		_ = it.rc.Close()
		it.rc = nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressWriter(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, ioerr.Encoding(err, "create zstd writer")
		}
		return enc, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

func decompressReader(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, ioerr.Encoding(err, "create zstd reader")
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return io.NopCloser(r), nil
	}
}
