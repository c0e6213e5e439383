package nativeio

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/lakesoul-io/nativeio/ioerr"
)

func TestPendingUploadBufferBusy(t *testing.T) {
	var b PendingUploadBuffer

	buf, release, err := b.Borrow()
	require.NoError(t, err)
	buf.WriteString("abc")

	_, _, err = b.Borrow()
	require.True(t, errors.Is(err, ioerr.ErrResourceBusy))
	_, err = b.Write([]byte("def"))
	require.True(t, errors.Is(err, ioerr.ErrResourceBusy))
	require.Equal(t, 0, b.Len())

	release()
	require.Equal(t, 3, b.Len())
}

func TestPendingUploadBufferConcurrentBorrowers(t *testing.T) {
	var (
		b       PendingUploadBuffer
		start   = make(chan struct{})
		hold    = make(chan struct{})
		results = make(chan error, 2)
		wg      sync.WaitGroup
	)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, release, err := b.Borrow()
			results <- err
			if err == nil {
				<-hold
				release()
			}
		}()
	}
	close(start)

	first := <-results
	second := <-results
	close(hold)
	wg.Wait()

	errs := []error{first, second}
	var ok, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ioerr.ErrResourceBusy):
			busy++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, busy)
}

func TestPendingUploadBufferDrain(t *testing.T) {
	var b PendingUploadBuffer
	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)

	// A failed drain keeps the bytes for the next attempt.
	_, err = b.Drain(func([]byte) error { return errors.New("upload failed") })
	require.Error(t, err)
	require.Equal(t, 5, b.Len())

	var got []byte
	n, err := b.Drain(func(p []byte) error {
		got = append(got, p...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(got))
	require.Equal(t, 0, b.Len())

	n, err = b.Drain(func([]byte) error {
		t.Fatal("empty buffer drained")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, n)
}
