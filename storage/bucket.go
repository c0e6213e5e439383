// Copyright (c) The FrostDB Authors.
// Licensed under the Apache License 2.0.
// Copyright (c) The Thanos Authors.
// Licensed under the Apache License 2.0.

package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/thanos-io/objstore"

	"github.com/lakesoul-io/nativeio/ioerr"
)

var errUploadAborted = errors.New("upload aborted")

// FileReaderAt is a wrapper around a objstore.Bucket that implements the ReaderAt interface.
type FileReaderAt struct {
	objstore.Bucket
	name string
	ctx  context.Context
}

// NewFileReaderAt returns a ReaderAt reading name from bucket. Every ReadAt
// is a ranged request made with ctx.
func NewFileReaderAt(ctx context.Context, bucket objstore.Bucket, name string) *FileReaderAt {
	return &FileReaderAt{
		Bucket: bucket,
		name:   name,
		ctx:    ctx,
	}
}

// ReadAt implements the io.ReaderAt interface.
func (b *FileReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	rc, err := b.GetRange(b.ctx, b.name, off, int64(len(p)))
	if err != nil {
		return 0, ioerr.Storage(err, "read range")
	}
	defer func() {
		rc.Close()
	}()

	total := 0
	for total < len(p) { // Read does not guarantee the buffer will be full, but ReadAt does
		n, err = rc.Read(p[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, ioerr.Storage(err, "read range")
		}
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// PrefixedBucket scopes every object name of the wrapped bucket under prefix.
type PrefixedBucket struct {
	objstore.Bucket
	prefix string
}

func NewPrefixedBucket(bucket objstore.Bucket, prefix string) *PrefixedBucket {
	return &PrefixedBucket{Bucket: bucket, prefix: prefix}
}

func (b *PrefixedBucket) addPrefix(name string) string {
	return path.Join(b.prefix, name)
}

func (b *PrefixedBucket) trimPrefix(name string) string {
	return strings.TrimPrefix(strings.TrimPrefix(name, b.prefix), "/")
}

func (b *PrefixedBucket) Iter(ctx context.Context, dir string, f func(string) error, options ...objstore.IterOption) error {
	iterFunc := func(path string) error {
		return f(b.trimPrefix(path))
	}
	return b.Bucket.Iter(ctx, b.addPrefix(dir), iterFunc, options...)
}

func (b *PrefixedBucket) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	return b.Bucket.Get(ctx, b.addPrefix(name))
}

func (b *PrefixedBucket) GetRange(ctx context.Context, name string, off, length int64) (io.ReadCloser, error) {
	return b.Bucket.GetRange(ctx, b.addPrefix(name), off, length)
}

func (b *PrefixedBucket) Exists(ctx context.Context, name string) (bool, error) {
	return b.Bucket.Exists(ctx, b.addPrefix(name))
}

func (b *PrefixedBucket) Attributes(ctx context.Context, name string) (objstore.ObjectAttributes, error) {
	return b.Bucket.Attributes(ctx, b.addPrefix(name))
}

func (b *PrefixedBucket) Upload(ctx context.Context, name string, r io.Reader) error {
	return b.Bucket.Upload(ctx, b.addPrefix(name), r)
}

func (b *PrefixedBucket) Delete(ctx context.Context, name string) error {
	return b.Bucket.Delete(ctx, b.addPrefix(name))
}

func (b *PrefixedBucket) Name() string {
	return b.addPrefix(b.Bucket.Name())
}

// BucketStore is a Store over an objstore.Bucket.
type BucketStore struct {
	bucket  objstore.Bucket
	logger  log.Logger
	metrics *Metrics
	// rename moves a finished upload to its key. Without it the object is
	// copied and the staging object deleted.
	rename func(from, to string) error
}

func NewBucketStore(bucket objstore.Bucket, opts Options) *BucketStore {
	opts = opts.withDefaults()
	return &BucketStore{
		bucket:  bucket,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func (s *BucketStore) Bucket() objstore.Bucket { return s.bucket }

func (s *BucketStore) Open(ctx context.Context, key string) (*Object, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, ioerr.Storage(err, "stat "+key)
	}
	return &Object{
		ReaderAt: NewFileReaderAt(ctx, s.bucket, key),
		Size:     attrs.Size,
	}, nil
}

func (s *BucketStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && !s.bucket.IsObjNotFoundErr(err) {
		return ioerr.Storage(err, "delete "+key)
	}
	return nil
}

func (s *BucketStore) Close() error { return s.bucket.Close() }

// stagingKey is the hidden sibling of key an upload writes to before it is
// committed.
func stagingKey(key string) string {
	dir, name := path.Split(key)
	return dir + "." + name + "." + ulid.Make().String() + ".tmp"
}

// NewUpload streams the object into a staging object through a pipe. Writes
// block until the bucket has consumed the previous ones. Complete moves the
// staging object to key, so an existing object stays readable until then.
func (s *BucketStore) NewUpload(ctx context.Context, key string) (Upload, error) {
	pr, pw := io.Pipe()
	u := &bucketUpload{
		store:   s,
		key:     key,
		staging: stagingKey(key),
		pw:      pw,
		done:    make(chan error, 1),
	}
	go func() {
		err := s.bucket.Upload(ctx, u.staging, pr)
		_ = pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

func (s *BucketStore) commit(ctx context.Context, from, to string) error {
	if s.rename != nil {
		return s.rename(from, to)
	}
	rc, err := s.bucket.Get(ctx, from)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := s.bucket.Upload(ctx, to, rc); err != nil {
		return err
	}
	return s.Delete(ctx, from)
}

type bucketUpload struct {
	store   *BucketStore
	key     string
	staging string
	pw      *io.PipeWriter
	done    chan error

	mtx       sync.Mutex
	finished  bool
	completed bool
	err       error
	written   int64
}

func (u *bucketUpload) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := u.pw.Write(p)
	u.written += int64(n)
	if err != nil {
		return ioerr.Storage(err, "upload "+u.key)
	}
	return nil
}

func (u *bucketUpload) wait(closeErr error) error {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	if u.finished {
		return u.err
	}
	u.finished = true
	_ = u.pw.CloseWithError(closeErr)
	u.err = <-u.done
	return u.err
}

func (u *bucketUpload) Complete(ctx context.Context) error {
	if err := u.wait(nil); err != nil {
		return ioerr.Storage(err, "upload "+u.key)
	}
	if err := u.store.commit(ctx, u.staging, u.key); err != nil {
		return ioerr.Storage(err, "commit "+u.key)
	}
	u.mtx.Lock()
	u.completed = true
	u.mtx.Unlock()
	u.store.metrics.partUploaded(u.written)
	level.Debug(u.store.logger).Log("msg", "upload completed", "key", u.key, "size", humanize.IBytes(uint64(u.written)))
	return nil
}

// Abort removes the staging object. The object at key is never touched.
func (u *bucketUpload) Abort(ctx context.Context) error {
	_ = u.wait(errUploadAborted)
	u.mtx.Lock()
	completed := u.completed
	u.mtx.Unlock()
	if completed {
		return nil
	}
	u.store.metrics.uploadAborted()
	level.Debug(u.store.logger).Log("msg", "upload aborted", "key", u.key)
	return u.store.Delete(ctx, u.staging)
}
