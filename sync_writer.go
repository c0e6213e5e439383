package nativeio

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// SyncWriter is a blocking front for a Writer. Every call is executed on
// the writer's own pool, one at a time and in call order, so calls may come
// from any goroutine. Callback variants return immediately and report the
// result from the writer's callback goroutine, in call order. A callback may
// call FlushAndClose or Abort.
type SyncWriter struct {
	ctx    context.Context
	logger log.Logger
	exec   *executor
	writer Writer
	closed atomic.Bool
}

// NewSyncWriter opens the writer. Only the values of ctx are used: the
// writer's background work lives until FlushAndClose or Abort, whatever
// happens to ctx.
func NewSyncWriter(ctx context.Context, cfg *Config) (*SyncWriter, error) {
	ctx = context.WithoutCancel(ctx)
	writer, err := NewWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w := &SyncWriter{
		ctx:    ctx,
		logger: cfg.logger,
		exec:   newExecutor(cfg.threadNum),
		writer: writer,
	}
	// The executor does not reference w, so an abandoned writer is still
	// collected.
	runtime.SetFinalizer(w, (*SyncWriter).finalize)
	return w, nil
}

func (w *SyncWriter) finalize() {
	if w.closed.Load() {
		return
	}
	level.Warn(w.logger).Log("msg", "sync writer dropped without FlushAndClose, the file was not committed")
	w.exec.stop()
}

// WriteBatch writes rec and waits for the result.
func (w *SyncWriter) WriteBatch(rec arrow.Record) error {
	if w.closed.Load() {
		return ioerr.Invariantf("write to closed writer")
	}
	return w.exec.do(func() error {
		return w.writer.Write(w.ctx, rec)
	})
}

// WriteBatchCallback queues rec and calls cb with the result. The writer
// holds a reference to rec until then.
func (w *SyncWriter) WriteBatchCallback(rec arrow.Record, cb func(error)) {
	if w.closed.Load() {
		cb(ioerr.Invariantf("write to closed writer"))
		return
	}
	rec.Retain()
	err := w.exec.submit(func() func() {
		err := w.writer.Write(w.ctx, rec)
		rec.Release()
		return func() { cb(err) }
	})
	if err != nil {
		rec.Release()
		cb(err)
	}
}

// FlushAndClose waits for queued writes, then completes the file. It may be
// called once.
func (w *SyncWriter) FlushAndClose() error {
	if !w.closed.CompareAndSwap(false, true) {
		return ioerr.Invariantf("sync writer already closed")
	}
	runtime.SetFinalizer(w, nil)
	err := w.exec.do(func() error {
		return w.writer.FlushAndClose(w.ctx)
	})
	w.exec.close()
	return err
}

// Abort discards the file. Queued writes still run first.
func (w *SyncWriter) Abort() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(w, nil)
	err := w.exec.do(func() error {
		return w.writer.Abort(w.ctx)
	})
	w.exec.close()
	return err
}
