package nativeio

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lakesoul-io/nativeio/internal/extsort"
	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/arrowutils"
)

// sortQueueSize is the number of batches a SortWriter accepts ahead of its
// background sorter before Write blocks.
const sortQueueSize = 2

// recordSorter is the part of extsort.Sorter the pipeline drives.
type recordSorter interface {
	Add(ctx context.Context, rec arrow.Record) error
	Finish(ctx context.Context) (arrowutils.RecordIterator, error)
	Close(ctx context.Context) error
}

// SortWriter sorts everything written to it by primary key before handing
// it to the wrapped writer. Batches are queued to a background goroutine
// which feeds an external sorter. Once the background stage fails, Write
// returns its error.
type SortWriter struct {
	logger log.Logger

	queue  chan arrow.Record
	done   chan struct{}
	cancel context.CancelFunc
	err    error // set before done is closed
	closed bool
}

var _ Writer = (*SortWriter)(nil)

func NewSortWriter(ctx context.Context, cfg *Config) (*SortWriter, error) {
	if cfg.pkSchema == nil {
		return nil, ioerr.Configurationf("sorting writer needs a schema with primary keys")
	}
	inner, err := NewMultipartWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sorter, err := extsort.New(cfg.schema, extsort.Options{
		Columns:    cfg.pkSchema.SortingColumns(),
		BufferRows: cfg.sortBufferRows,
		BatchSize:  cfg.batchSize,
		SpillDir:   cfg.spillDir,
		Codec:      cfg.spillCodec,
		Allocator:  cfg.allocator,
		Logger:     cfg.logger,
		Spills:     cfg.metrics.sortSpills,
	})
	if err != nil {
		_ = inner.Abort(ctx)
		return nil, err
	}
	return startSortWriter(ctx, cfg, inner, sorter), nil
}

func startSortWriter(ctx context.Context, cfg *Config, inner Writer, sorter recordSorter) *SortWriter {
	ctx, cancel := context.WithCancel(ctx)
	w := &SortWriter{
		logger: log.With(cfg.logger, "file", cfg.files[0]),
		queue:  make(chan arrow.Record, sortQueueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go w.run(ctx, cfg, inner, sorter)
	return w
}

// Write queues rec for sorting. It blocks while the queue is full.
func (w *SortWriter) Write(ctx context.Context, rec arrow.Record) error {
	if w.closed {
		return ioerr.Invariantf("write to closed writer")
	}
	select {
	case <-w.done:
		return w.failure()
	default:
	}

	rec.Retain()
	select {
	case w.queue <- rec:
		return nil
	case <-w.done:
		rec.Release()
		return w.failure()
	case <-ctx.Done():
		rec.Release()
		return ctx.Err()
	}
}

// failure is the error the background stage stopped with. Only valid once
// done is closed.
func (w *SortWriter) failure() error {
	if w.err != nil {
		return w.err
	}
	return ioerr.Invariantf("sorting stage stopped")
}

// FlushAndClose sorts everything written, writes it and waits for the
// upload to complete.
func (w *SortWriter) FlushAndClose(context.Context) error {
	if w.closed {
		return ioerr.Invariantf("writer already closed")
	}
	w.closed = true
	close(w.queue)
	<-w.done
	w.cancel()
	w.releaseQueued()
	return w.err
}

// Abort stops the background stage and discards the file.
func (w *SortWriter) Abort(context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.cancel()
	close(w.queue)
	<-w.done
	w.releaseQueued()
	return nil
}

// releaseQueued drops batches the background stage did not take before it
// stopped.
func (w *SortWriter) releaseQueued() {
	for rec := range w.queue {
		rec.Release()
	}
}

func (w *SortWriter) run(ctx context.Context, cfg *Config, inner Writer, sorter recordSorter) {
	defer close(w.done)

	ctx, span := cfg.tracer.Start(ctx, "SortWriter/Sort")
	defer span.End()

	err := w.sortAndWrite(ctx, inner, sorter)
	err = errors.CombineErrors(err, sorter.Close(context.WithoutCancel(ctx)))
	if err != nil {
		span.RecordError(err)
		level.Warn(w.logger).Log("msg", "sorting writer failed", "err", err)
		if abortErr := inner.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			level.Warn(w.logger).Log("msg", "failed to abort upload", "err", abortErr)
		}
	}
	w.err = err
}

func (w *SortWriter) sortAndWrite(ctx context.Context, inner Writer, sorter recordSorter) error {
	for rec := range w.queue {
		err := sorter.Add(ctx, rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	it, err := sorter.Finish(ctx)
	if err != nil {
		return err
	}
	for {
		rec, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		err = inner.Write(ctx, rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return inner.FlushAndClose(ctx)
}
