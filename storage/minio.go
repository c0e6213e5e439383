package storage

import (
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// MinioStore stores objects in a bucket of an S3 compatible endpoint. It
// backs s3a:// locations.
type MinioStore struct {
	client      *minio.Client
	bucket      string
	partSize    int64
	concurrency int
	logger      log.Logger
	metrics     *Metrics
}

func NewMinioStore(client *minio.Client, bucket string, opts Options) *MinioStore {
	opts = opts.withDefaults()
	if opts.PartSize < MinPartSize {
		opts.PartSize = MinPartSize
	}
	return &MinioStore{
		client:      client,
		bucket:      bucket,
		partSize:    opts.PartSize,
		concurrency: opts.Concurrency,
		logger:      log.With(opts.Logger, "bucket", bucket),
		metrics:     opts.Metrics,
	}
}

func newMinioStoreFromSettings(bucket string, opts Options) (*MinioStore, error) {
	endpoint := opts.setting(OptionEndpoint)
	if endpoint == "" {
		return nil, ioerr.Configurationf("%s is required for s3a locations", OptionEndpoint)
	}
	pathStyle, err := opts.pathStyle()
	if err != nil {
		return nil, err
	}

	// The endpoint may be given as a URL; the scheme decides about TLS.
	host, secure := endpoint, true
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host, secure = u.Host, u.Scheme != "http"
	}

	mopts := &minio.Options{
		Secure: secure,
		Region: opts.setting(OptionRegion),
	}
	if ak := opts.setting(OptionAccessKey); ak != "" {
		mopts.Creds = credentials.NewStaticV4(ak, opts.setting(OptionAccessSecret), "")
	}
	if pathStyle {
		mopts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(host, mopts)
	if err != nil {
		return nil, ioerr.Configuration(err, "create s3a client")
	}
	return NewMinioStore(client, bucket, opts), nil
}

func (s *MinioStore) Open(ctx context.Context, key string) (*Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, ioerr.Storage(err, "stat "+key)
	}
	return &Object{
		ReaderAt: &minioReaderAt{ctx: ctx, store: s, key: key, size: info.Size},
		Size:     info.Size,
	}, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NotFound" {
			return nil
		}
		return ioerr.Storage(err, "delete "+key)
	}
	return nil
}

func (s *MinioStore) Close() error { return nil }

type minioReaderAt struct {
	ctx   context.Context
	store *MinioStore
	key   string
	size  int64
}

func (r *minioReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), r.size) - 1

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return 0, ioerr.Storage(err, "read range")
	}
	obj, err := r.store.client.GetObject(r.ctx, r.store.bucket, r.key, opts)
	if err != nil {
		return 0, ioerr.Storage(err, "read range")
	}
	defer obj.Close()

	n, err := io.ReadFull(obj, p[:end-off+1])
	if err != nil {
		return n, ioerr.Storage(err, "read range")
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// NewUpload streams into a PutObject call, which the client splits into
// concurrently uploaded parts and aborts by itself on failure.
func (s *MinioStore) NewUpload(ctx context.Context, key string) (Upload, error) {
	pr, pw := io.Pipe()
	u := &minioUpload{
		store: s,
		key:   key,
		pw:    pw,
		done:  make(chan error, 1),
	}
	go func() {
		info, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{
			PartSize:   uint64(s.partSize),
			NumThreads: uint(s.concurrency),
		})
		_ = pr.CloseWithError(err)
		if err == nil {
			s.metrics.partUploaded(info.Size)
			level.Debug(s.logger).Log("msg", "upload completed", "key", key, "size", humanize.IBytes(uint64(info.Size)))
		}
		u.done <- err
	}()
	return u, nil
}

type minioUpload struct {
	store *MinioStore
	key   string
	pw    *io.PipeWriter
	done  chan error

	mtx       sync.Mutex
	finished  bool
	completed bool
	err       error
}

func (u *minioUpload) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := u.pw.Write(p); err != nil {
		return ioerr.Storage(err, "upload "+u.key)
	}
	return nil
}

func (u *minioUpload) wait(closeErr error) error {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	if !u.finished {
		u.finished = true
		_ = u.pw.CloseWithError(closeErr)
		u.err = <-u.done
		u.completed = closeErr == nil && u.err == nil
	}
	return u.err
}

func (u *minioUpload) Complete(_ context.Context) error {
	return ioerr.Storage(u.wait(nil), "upload "+u.key)
}

func (u *minioUpload) Abort(_ context.Context) error {
	_ = u.wait(errUploadAborted)
	u.mtx.Lock()
	defer u.mtx.Unlock()
	if !u.completed {
		u.store.metrics.uploadAborted()
		level.Debug(u.store.logger).Log("msg", "upload aborted", "key", u.key)
	}
	return nil
}
