package nativeio

import (
	"bytes"
	"sync"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// PendingUploadBuffer queues encoded bytes between the Parquet encoder and
// the upload. Access is fail-fast: a second borrower gets an
// ioerr.ErrResourceBusy error instead of waiting.
type PendingUploadBuffer struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

// Borrow locks the buffer until release is called.
func (b *PendingUploadBuffer) Borrow() (buf *bytes.Buffer, release func(), err error) {
	if !b.mtx.TryLock() {
		return nil, nil, ioerr.ResourceBusy("pending upload buffer")
	}
	return &b.buf, b.mtx.Unlock, nil
}

// Write appends p. It is the sink the encoder writes to.
func (b *PendingUploadBuffer) Write(p []byte) (int, error) {
	buf, release, err := b.Borrow()
	if err != nil {
		return 0, err
	}
	defer release()
	return buf.Write(p)
}

// Drain hands the queued bytes to fn and empties the buffer once fn returns
// without error. fn must not keep p.
func (b *PendingUploadBuffer) Drain(fn func(p []byte) error) (int, error) {
	buf, release, err := b.Borrow()
	if err != nil {
		return 0, err
	}
	defer release()
	n := buf.Len()
	if n == 0 {
		return 0, nil
	}
	if err := fn(buf.Bytes()); err != nil {
		return 0, err
	}
	buf.Reset()
	return n, nil
}

// Len is the number of queued bytes, or 0 while the buffer is borrowed.
func (b *PendingUploadBuffer) Len() int {
	buf, release, err := b.Borrow()
	if err != nil {
		return 0
	}
	defer release()
	return buf.Len()
}
