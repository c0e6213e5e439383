// Package storage resolves object locations to the stores that hold them and
// exposes ranged reads and multi-part uploads over them.
package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// Object store settings understood by Resolve.
const (
	OptionAccessKey       = "fs.s3a.access.key"
	OptionAccessSecret    = "fs.s3a.access.secret"
	OptionEndpoint        = "fs.s3a.endpoint"
	OptionRegion          = "fs.s3a.region"
	OptionBucket          = "fs.s3a.bucket"
	OptionPathStyleAccess = "fs.s3a.path.style.access"
)

const (
	// MinPartSize is the smallest part S3 accepts for all but the last part
	// of a multi-part upload.
	MinPartSize = 5 << 20

	DefaultPartSize    = 8 << 20
	DefaultConcurrency = 4
)

// Object is an opened object, read with byte-range requests.
type Object struct {
	io.ReaderAt
	Size int64
}

// Upload is a multi-part upload of a single object. Nothing is visible at the
// destination until Complete returns.
type Upload interface {
	// Write hands p to the upload. It blocks while the upload has no room for
	// more in-flight data, and returns the first background failure.
	Write(ctx context.Context, p []byte) error
	Complete(ctx context.Context) error
	// Abort discards everything written so far. It is safe to call after a
	// failed Write or Complete.
	Abort(ctx context.Context) error
}

// Store is an object store addressed by key.
type Store interface {
	Open(ctx context.Context, key string) (*Object, error)
	NewUpload(ctx context.Context, key string) (Upload, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type Options struct {
	// Settings holds the fs.s3a.* settings.
	Settings    map[string]string
	PartSize    int64
	Concurrency int
	Logger      log.Logger
	Metrics     *Metrics
}

func (o Options) withDefaults() Options {
	if o.PartSize <= 0 {
		o.PartSize = DefaultPartSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return o
}

func (o Options) setting(key string) string {
	return strings.TrimSpace(o.Settings[key])
}

func (o Options) pathStyle() (bool, error) {
	v := o.setting(OptionPathStyleAccess)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, ioerr.Configuration(err, OptionPathStyleAccess)
	}
	return b, nil
}

var memBuckets = struct {
	sync.Mutex
	buckets map[string]*objstore.InMemBucket
}{buckets: map[string]*objstore.InMemBucket{}}

// MemBucket returns the process wide in-memory bucket that mem://name/...
// locations resolve to.
func MemBucket(name string) *objstore.InMemBucket {
	memBuckets.Lock()
	defer memBuckets.Unlock()
	b, ok := memBuckets.buckets[name]
	if !ok {
		b = objstore.NewInMemBucket()
		memBuckets.buckets[name] = b
	}
	return b
}

// Resolve returns the store holding location and the object's key in it.
//
//	/path, file:///path    local filesystem
//	mem://bucket/key       in-memory bucket
//	s3://bucket/key        AWS S3
//	s3a://bucket/key       S3 compatible endpoint through the MinIO client
func Resolve(ctx context.Context, location string, opts Options) (Store, string, error) {
	opts = opts.withDefaults()
	if location == "" {
		return nil, "", ioerr.Configurationf("empty object location")
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including windows drive letters.
		return resolveLocal(location, opts)
	}

	switch u.Scheme {
	case "file":
		return resolveLocal(u.Path, opts)
	case "mem":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, "", ioerr.Configurationf("mem location %q needs a bucket and a key", location)
		}
		return NewBucketStore(MemBucket(u.Host), opts), key, nil
	case "s3":
		bucket, key, err := bucketAndKey(u, opts)
		if err != nil {
			return nil, "", err
		}
		store, err := newS3StoreFromSettings(ctx, bucket, opts)
		if err != nil {
			return nil, "", err
		}
		return store, key, nil
	case "s3a":
		bucket, key, err := bucketAndKey(u, opts)
		if err != nil {
			return nil, "", err
		}
		store, err := newMinioStoreFromSettings(bucket, opts)
		if err != nil {
			return nil, "", err
		}
		return store, key, nil
	default:
		return nil, "", ioerr.Configurationf("unsupported object store scheme %q", u.Scheme)
	}
}

func bucketAndKey(u *url.URL, opts Options) (string, string, error) {
	bucket := u.Host
	if bucket == "" {
		bucket = opts.setting(OptionBucket)
	}
	if bucket == "" {
		return "", "", ioerr.Configurationf("missing bucket for %s://%s, set %s", u.Scheme, u.Path, OptionBucket)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", ioerr.Configurationf("missing object key in %s", u.String())
	}
	return bucket, key, nil
}

func resolveLocal(path string, opts Options) (Store, string, error) {
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return nil, "", ioerr.Configurationf("%q is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", ioerr.Configuration(err, "resolve local path")
	}
	dir, name := filepath.Split(abs)
	bkt, err := filesystem.NewBucket(dir)
	if err != nil {
		return nil, "", ioerr.Storage(err, "open local directory")
	}
	store := NewBucketStore(bkt, opts)
	// Renames within one directory replace the destination atomically.
	store.rename = func(from, to string) error {
		return os.Rename(filepath.Join(dir, from), filepath.Join(dir, to))
	}
	return store, name, nil
}
