package nativeio

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow"
	"github.com/lakesoul-io/nativeio/storage"
)

// Writer writes records into a single Parquet file. Nothing is visible at
// the destination until FlushAndClose succeeds. Writers are not safe for
// concurrent use.
type Writer interface {
	Write(ctx context.Context, rec arrow.Record) error
	FlushAndClose(ctx context.Context) error
	// Abort discards the file. It is a no-op after FlushAndClose.
	Abort(ctx context.Context) error
}

// NewWriter returns a SortWriter when cfg declares primary keys and a
// MultipartWriter otherwise. ctx scopes the writer's background uploads and
// sorting for its whole lifetime, not only this call: cancelling it poisons
// the writer.
func NewWriter(ctx context.Context, cfg *Config) (Writer, error) {
	if len(cfg.primaryKeys) > 0 {
		return NewSortWriter(ctx, cfg)
	}
	return NewMultipartWriter(ctx, cfg)
}

// writerSchema validates the writer configuration and returns the schema of
// the written file, which records the primary keys in its metadata.
func writerSchema(cfg *Config) (*arrow.Schema, error) {
	if len(cfg.files) != 1 {
		return nil, ioerr.Configurationf("writer needs exactly one destination file, got %d", len(cfg.files))
	}
	if cfg.schema == nil {
		return nil, ioerr.Configurationf("writer needs a schema")
	}
	if cfg.pkSchema != nil {
		return cfg.pkSchema.WithPrimaryKeyMetadata(), nil
	}
	return cfg.schema, nil
}

// MultipartWriter encodes records as they arrive and streams the encoded
// bytes to a multi-part upload through a PendingUploadBuffer. The first
// failure poisons the writer: the upload is aborted and every later call
// returns that failure.
type MultipartWriter struct {
	cfg     *Config
	logger  log.Logger
	metrics *metrics
	schema  *arrow.Schema

	store  storage.Store
	key    string
	upload storage.Upload
	buf    *PendingUploadBuffer
	enc    *pqarrow.Encoder

	written int64
	err     error
	closed  bool
}

var _ Writer = (*MultipartWriter)(nil)

// NewMultipartWriter starts the upload of cfg's only file. The upload runs
// under ctx until the writer is closed or aborted.
func NewMultipartWriter(ctx context.Context, cfg *Config) (*MultipartWriter, error) {
	schema, err := writerSchema(cfg)
	if err != nil {
		return nil, err
	}

	store, key, err := storage.Resolve(ctx, cfg.files[0], cfg.storageOptions())
	if err != nil {
		return nil, err
	}
	upload, err := store.NewUpload(ctx, key)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	w := &MultipartWriter{
		cfg:     cfg,
		logger:  log.With(cfg.logger, "file", cfg.files[0]),
		metrics: cfg.metrics,
		schema:  schema,
		store:   store,
		key:     key,
		upload:  upload,
		buf:     &PendingUploadBuffer{},
	}
	w.enc, err = pqarrow.NewEncoder(schema, w.buf, pqarrow.EncoderOptions{
		MaxRowGroupLength: int64(cfg.maxRowGroupSize),
		BatchSize:         int64(cfg.batchSize),
		Allocator:         cfg.allocator,
	})
	if err != nil {
		_ = upload.Abort(ctx)
		_ = store.Close()
		return nil, err
	}
	return w, nil
}

// Schema is the schema of the written file.
func (w *MultipartWriter) Schema() *arrow.Schema { return w.schema }

func (w *MultipartWriter) Write(ctx context.Context, rec arrow.Record) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return ioerr.Invariantf("write to closed writer")
	}
	if !rec.Schema().Equal(w.schema) {
		return ioerr.Schemaf("record schema %s does not match writer schema %s", rec.Schema(), w.schema)
	}

	if err := w.enc.Write(rec); err != nil {
		return w.fail(ctx, err)
	}
	if err := w.flushPending(ctx); err != nil {
		return w.fail(ctx, err)
	}
	w.metrics.batchesWritten.Inc()
	w.metrics.rowsWritten.Add(float64(rec.NumRows()))
	return nil
}

// flushPending forwards the encoded bytes to the upload.
func (w *MultipartWriter) flushPending(ctx context.Context) error {
	n, err := w.buf.Drain(func(p []byte) error {
		return w.upload.Write(ctx, p)
	})
	w.written += int64(n)
	w.metrics.bytesBuffered.Add(float64(n))
	return err
}

// FlushAndClose writes the file footer and completes the upload.
func (w *MultipartWriter) FlushAndClose(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return ioerr.Invariantf("writer already closed")
	}
	ctx, span := w.cfg.tracer.Start(ctx, "MultipartWriter/FlushAndClose")
	defer span.End()

	if err := w.enc.Close(); err != nil {
		return w.fail(ctx, err)
	}
	if err := w.flushPending(ctx); err != nil {
		return w.fail(ctx, err)
	}
	if err := w.upload.Complete(ctx); err != nil {
		return w.fail(ctx, err)
	}
	w.closed = true
	span.SetAttributes(attribute.Int64("rows", w.enc.RowsWritten()))
	level.Debug(w.logger).Log("msg", "file written", "rows", w.enc.RowsWritten(), "bytes", humanize.IBytes(uint64(w.written)))
	return w.store.Close()
}

// Abort discards everything written so far.
func (w *MultipartWriter) Abort(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err == nil {
		w.err = ioerr.Invariantf("writer aborted")
	}
	err := w.upload.Abort(ctx)
	return errors.CombineErrors(err, w.store.Close())
}

// fail poisons the writer with err and aborts the upload.
func (w *MultipartWriter) fail(ctx context.Context, err error) error {
	w.err = err
	w.closed = true
	w.metrics.writersFailed.Inc()
	level.Warn(w.logger).Log("msg", "writer failed, aborting upload", "err", err)
	if abortErr := w.upload.Abort(ctx); abortErr != nil {
		level.Warn(w.logger).Log("msg", "failed to abort upload", "err", abortErr)
	}
	_ = w.store.Close()
	return err
}
