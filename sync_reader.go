package nativeio

import (
	"context"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// SyncReader is the blocking front of a Reader. Calls run one at a time on
// the reader's own pool, in call order.
type SyncReader struct {
	ctx    context.Context
	exec   *executor
	reader *Reader
	closed atomic.Bool
}

func NewSyncReader(ctx context.Context, cfg *Config) *SyncReader {
	return &SyncReader{
		ctx:    context.WithoutCancel(ctx),
		exec:   newExecutor(cfg.threadNum),
		reader: NewReader(cfg),
	}
}

// Start opens the files. It must return before the first batch is read.
func (r *SyncReader) Start() error {
	if r.closed.Load() {
		return ioerr.Invariantf("start of closed reader")
	}
	return r.exec.do(func() error {
		return r.reader.Start(r.ctx)
	})
}

// Schema is the schema of the returned batches. Valid after Start.
func (r *SyncReader) Schema() *arrow.Schema { return r.reader.Schema() }

// NextBatch returns the next batch or io.EOF. The caller releases it.
func (r *SyncReader) NextBatch() (arrow.Record, error) {
	if r.closed.Load() {
		return nil, ioerr.Invariantf("read from closed reader")
	}
	var rec arrow.Record
	err := r.exec.do(func() (err error) {
		rec, err = r.reader.Next(r.ctx)
		return err
	})
	return rec, err
}

// NextBatchCallback reads the next batch in the background and hands it to
// cb. The returned channel is closed once cb has returned.
func (r *SyncReader) NextBatchCallback(cb func(arrow.Record, error)) <-chan struct{} {
	done := make(chan struct{})
	if r.closed.Load() {
		cb(nil, ioerr.Invariantf("read from closed reader"))
		close(done)
		return done
	}
	err := r.exec.submit(func() func() {
		rec, err := r.reader.Next(r.ctx)
		return func() {
			defer close(done)
			cb(rec, err)
		}
	})
	if err != nil {
		cb(nil, err)
		close(done)
	}
	return done
}

// Close waits for pending reads and releases the files.
func (r *SyncReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.exec.do(r.reader.Close)
	r.exec.close()
	return err
}
