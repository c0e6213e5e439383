package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// S3Client is the subset of the S3 API the store uses. *s3.Client
// implements it.
type S3Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3Client = (*s3.Client)(nil)

// S3Store stores objects in one S3 bucket. Uploads use explicit multi-part
// uploads with up to Concurrency parts in flight.
type S3Store struct {
	client      S3Client
	bucket      string
	partSize    int64
	concurrency int
	logger      log.Logger
	metrics     *Metrics
}

func NewS3Store(client S3Client, bucket string, opts Options) *S3Store {
	opts = opts.withDefaults()
	if opts.PartSize < MinPartSize {
		opts.PartSize = MinPartSize
	}
	return &S3Store{
		client:      client,
		bucket:      bucket,
		partSize:    opts.PartSize,
		concurrency: opts.Concurrency,
		logger:      log.With(opts.Logger, "bucket", bucket),
		metrics:     opts.Metrics,
	}
}

func newS3StoreFromSettings(ctx context.Context, bucket string, opts Options) (*S3Store, error) {
	region := opts.setting(OptionRegion)
	if region == "" {
		return nil, ioerr.Configurationf("%s is required for s3 locations", OptionRegion)
	}
	pathStyle, err := opts.pathStyle()
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if ak := opts.setting(OptionAccessKey); ak != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, opts.setting(OptionAccessSecret), ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, ioerr.Configuration(err, "load aws config")
	}

	endpoint := opts.setting(OptionEndpoint)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})
	return NewS3Store(client, bucket, opts), nil
}

func (s *S3Store) Open(ctx context.Context, key string) (*Object, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ioerr.Storage(err, "stat "+key)
	}
	return &Object{
		ReaderAt: &s3ReaderAt{ctx: ctx, store: s, key: key},
		Size:     aws.ToInt64(head.ContentLength),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return ioerr.Storage(err, "delete "+key)
}

func (s *S3Store) Close() error { return nil }

type s3ReaderAt struct {
	ctx   context.Context
	store *S3Store
	key   string
}

func (r *s3ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	resp, err := r.store.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.store.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		return 0, ioerr.Storage(err, "read range")
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, io.EOF
	}
	if err != nil {
		return n, ioerr.Storage(err, "read range")
	}
	return n, nil
}

func (s *S3Store) NewUpload(ctx context.Context, key string) (Upload, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ioerr.Storage(err, "create multipart upload for "+key)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	return &s3Upload{
		store:    s,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
		g:        g,
		gctx:     gctx,
		buf:      make([]byte, 0, s.partSize),
		logger:   log.With(s.logger, "key", key),
	}, nil
}

type s3Upload struct {
	store    *S3Store
	key      string
	uploadID string
	logger   log.Logger

	g    *errgroup.Group
	gctx context.Context

	// buf collects bytes until a full part is available.
	buf        []byte
	partNumber int32
	finished   bool
	completed  bool

	mtx   sync.Mutex
	parts []types.CompletedPart
}

func (u *s3Upload) Write(ctx context.Context, p []byte) error {
	if u.finished {
		return ioerr.Invariantf("write to finished upload of %s", u.key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for len(p) > 0 {
		if err := u.failure(); err != nil {
			return err
		}
		n := min(len(p), cap(u.buf)-len(u.buf))
		u.buf = append(u.buf, p[:n]...)
		p = p[n:]
		if len(u.buf) == cap(u.buf) {
			u.dispatch()
		}
	}
	return u.failure()
}

// failure returns the error of the first failed part, if any.
func (u *s3Upload) failure() error {
	if u.gctx.Err() == nil {
		return nil
	}
	return ioerr.Storage(context.Cause(u.gctx), "upload part of "+u.key)
}

// dispatch hands the buffered bytes to a part upload. It blocks while the
// maximum number of parts is in flight.
func (u *s3Upload) dispatch() {
	u.partNumber++
	number := u.partNumber
	body := u.buf
	u.buf = make([]byte, 0, u.store.partSize)

	level.Debug(u.logger).Log("msg", "dispatching upload part", "part", number, "size", humanize.IBytes(uint64(len(body))))
	u.g.Go(func() error {
		out, err := u.store.client.UploadPart(u.gctx, &s3.UploadPartInput{
			Bucket:        aws.String(u.store.bucket),
			Key:           aws.String(u.key),
			UploadId:      aws.String(u.uploadID),
			PartNumber:    aws.Int32(number),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		if err != nil {
			return errors.Wrapf(err, "part %d", number)
		}
		u.mtx.Lock()
		u.parts = append(u.parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(number),
		})
		u.mtx.Unlock()
		u.store.metrics.partUploaded(int64(len(body)))
		level.Debug(u.logger).Log("msg", "upload part completed", "part", number)
		return nil
	})
}

func (u *s3Upload) Complete(ctx context.Context) error {
	if u.finished {
		return ioerr.Invariantf("upload of %s already finished", u.key)
	}
	u.finished = true

	// The last part may be smaller than the part size. S3 needs at least one
	// part, even for an empty object.
	if len(u.buf) > 0 || u.partNumber == 0 {
		u.dispatch()
	}
	if err := u.g.Wait(); err != nil {
		return ioerr.Storage(err, "upload "+u.key)
	}

	sort.Slice(u.parts, func(i, j int) bool {
		return aws.ToInt32(u.parts[i].PartNumber) < aws.ToInt32(u.parts[j].PartNumber)
	})
	_, err := u.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.store.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: u.parts},
	})
	if err != nil {
		return ioerr.Storage(err, "complete upload of "+u.key)
	}
	u.completed = true
	level.Debug(u.logger).Log("msg", "upload completed", "parts", len(u.parts))
	return nil
}

func (u *s3Upload) Abort(ctx context.Context) error {
	if u.completed {
		return nil
	}
	u.finished = true
	// Parts still in flight would otherwise be uploaded after the abort.
	_ = u.g.Wait()

	u.store.metrics.uploadAborted()
	level.Debug(u.logger).Log("msg", "aborting upload")
	_, err := u.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.store.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	return ioerr.Storage(err, "abort upload of "+u.key)
}
