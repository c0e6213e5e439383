package nativeio

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lakesoul-io/nativeio/dynparquet"
	"github.com/lakesoul-io/nativeio/filter"
	"github.com/lakesoul-io/nativeio/internal/extsort"
	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow"
	"github.com/lakesoul-io/nativeio/storage"
)

const (
	DefaultBatchSize      = pqarrow.DefaultBatchSize
	DefaultMaxRowGroupLen = pqarrow.DefaultMaxRowGroupLength
	DefaultThreadNum      = 2
	DefaultSortBufferRows = extsort.DefaultBufferRows
)

// Config describes what a Reader reads or a Writer writes. It is built once
// with NewConfig and not modified afterwards, so it can be shared.
type Config struct {
	files       []string
	primaryKeys []string
	columns     []string
	filters     []string
	filterTypes map[string]string

	batchSize       int
	maxRowGroupSize int
	schema          *arrow.Schema
	objectStore     map[string]string
	defaults        map[string]string
	threadNum       int

	spillDir           string
	sortBufferRows     int
	spillCodec         extsort.Codec
	partSize           int64
	uploadConcurrency  int
	allowDuplicateKeys bool

	logger    log.Logger
	reg       prometheus.Registerer
	tracer    trace.Tracer
	allocator memory.Allocator
	metrics   *metrics

	// Derived by NewConfig.
	filterExpr filter.Expr
	pkSchema   *dynparquet.Schema
}

type Option func(*Config) error

func NewConfig(options ...Option) (*Config, error) {
	c := &Config{
		batchSize:         DefaultBatchSize,
		maxRowGroupSize:   DefaultMaxRowGroupLen,
		threadNum:         DefaultThreadNum,
		sortBufferRows:    DefaultSortBufferRows,
		spillCodec:        extsort.CodecZstd,
		partSize:          storage.DefaultPartSize,
		objectStore:       map[string]string{},
		defaults:          map[string]string{},
		filterTypes:       map[string]string{},
		logger:            log.NewNopLogger(),
		tracer:            noop.NewTracerProvider().Tracer(""),
		allocator:         memory.DefaultAllocator,
		uploadConcurrency: storage.DefaultConcurrency,
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}

	if c.reg == nil {
		c.reg = prometheus.NewRegistry()
	}
	c.metrics = newMetrics(reusableRegistryFor(c.reg))

	if c.schema != nil {
		if len(c.primaryKeys) > 0 {
			s, err := dynparquet.NewSchema(c.schema, c.primaryKeys)
			if err != nil {
				return nil, err
			}
			c.pkSchema = s
		}
		for _, col := range c.columns {
			if len(c.schema.FieldIndices(col)) == 0 {
				return nil, ioerr.Schemaf("projected column %q is not in the schema", col)
			}
		}
		if err := c.parseFilters(c.schema); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// parseFilters parses the configured filters against s, combined with and.
func (c *Config) parseFilters(s *arrow.Schema) error {
	hints, err := filter.ParseTypes(c.filterTypes)
	if err != nil {
		return err
	}
	types := filter.TypesFromSchema(s).Merge(hints)

	exprs := make([]filter.Expr, 0, len(c.filters))
	for _, f := range c.filters {
		e, err := filter.Parse(f, types)
		if err != nil {
			return err
		}
		exprs = append(exprs, e)
	}
	c.filterExpr = filter.And(exprs...)
	return nil
}

func (c *Config) Files() []string       { return c.files }
func (c *Config) PrimaryKeys() []string { return c.primaryKeys }
func (c *Config) Columns() []string     { return c.columns }
func (c *Config) Schema() *arrow.Schema { return c.schema }
func (c *Config) BatchSize() int        { return c.batchSize }
func (c *Config) ThreadNum() int        { return c.threadNum }

func (c *Config) storageOptions() storage.Options {
	return storage.Options{
		Settings:    c.objectStore,
		PartSize:    c.partSize,
		Concurrency: c.uploadConcurrency,
		Logger:      c.logger,
		Metrics:     c.metrics.storage,
	}
}

// WithFiles appends files to read. For a writer the single file is the
// destination.
func WithFiles(files ...string) Option {
	return func(c *Config) error {
		for _, f := range files {
			if strings.TrimSpace(f) == "" {
				return ioerr.Configurationf("empty file location")
			}
		}
		c.files = append(c.files, files...)
		return nil
	}
}

func WithFile(file string) Option {
	return WithFiles(file)
}

// WithPrimaryKeys declares the primary key columns. Readers merge rows with
// equal keys, writers sort by them before writing.
func WithPrimaryKeys(keys ...string) Option {
	return func(c *Config) error {
		c.primaryKeys = append(c.primaryKeys, keys...)
		return nil
	}
}

// WithColumns projects the read records onto columns. Projection happens
// after merging, so primary keys need not be projected.
func WithColumns(columns ...string) Option {
	return func(c *Config) error {
		c.columns = append(c.columns, columns...)
		return nil
	}
}

// WithFilters adds row filters in the prefix-call grammar, e.g.
// and(gt(a, 1), eq(b, null)). Multiple filters must all match.
func WithFilters(filters ...string) Option {
	return func(c *Config) error {
		c.filters = append(c.filters, filters...)
		return nil
	}
}

// WithFilterTypes sets the type filter literals of a column are parsed as,
// for columns the schema does not describe.
func WithFilterTypes(types map[string]string) Option {
	return func(c *Config) error {
		for k, v := range types {
			c.filterTypes[k] = v
		}
		return nil
	}
}

func WithBatchSize(size int) Option {
	return func(c *Config) error {
		if size <= 0 {
			return ioerr.Configurationf("batch size must be positive, got %d", size)
		}
		c.batchSize = size
		return nil
	}
}

func WithMaxRowGroupSize(size int) Option {
	return func(c *Config) error {
		if size <= 0 {
			return ioerr.Configurationf("max row group size must be positive, got %d", size)
		}
		c.maxRowGroupSize = size
		return nil
	}
}

func WithSchema(schema *arrow.Schema) Option {
	return func(c *Config) error {
		c.schema = schema
		return nil
	}
}

// WithSchemaJSON sets the schema from its JSON description.
func WithSchemaJSON(data string) Option {
	return func(c *Config) error {
		s, err := dynparquet.ParseArrowSchemaJSON([]byte(data))
		if err != nil {
			return err
		}
		c.schema = s
		return nil
	}
}

// WithObjectStoreOption sets one of the fs.s3a.* object store settings.
func WithObjectStoreOption(key, value string) Option {
	return func(c *Config) error {
		c.objectStore[key] = value
		return nil
	}
}

// WithDefaultColumnValue fills column with value in sources that lack it.
func WithDefaultColumnValue(column, value string) Option {
	return func(c *Config) error {
		c.defaults[column] = value
		return nil
	}
}

func WithThreadNum(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return ioerr.Configurationf("thread num must be positive, got %d", n)
		}
		c.threadNum = n
		return nil
	}
}

func WithLogger(logger log.Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) error {
		c.reg = reg
		return nil
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) error {
		c.tracer = tracer
		return nil
	}
}

func WithAllocator(mem memory.Allocator) Option {
	return func(c *Config) error {
		c.allocator = mem
		return nil
	}
}

// WithSpillDir sets the directory sorted runs spill to. Defaults to the
// system temp directory.
func WithSpillDir(dir string) Option {
	return func(c *Config) error {
		c.spillDir = dir
		return nil
	}
}

// WithSortBufferRows sets how many rows the sorting writer buffers before
// it spills a sorted run.
func WithSortBufferRows(rows int) Option {
	return func(c *Config) error {
		if rows <= 0 {
			return ioerr.Configurationf("sort buffer rows must be positive, got %d", rows)
		}
		c.sortBufferRows = rows
		return nil
	}
}

func WithSpillCodec(codec string) Option {
	return func(c *Config) error {
		cc, err := extsort.ParseCodec(codec)
		if err != nil {
			return err
		}
		c.spillCodec = cc
		return nil
	}
}

// WithUploadPartSize sets the multi-part upload part size. S3 stores raise
// it to storage.MinPartSize.
func WithUploadPartSize(size int64) Option {
	return func(c *Config) error {
		if size <= 0 {
			return ioerr.Configurationf("upload part size must be positive, got %d", size)
		}
		c.partSize = size
		return nil
	}
}

func WithUploadConcurrency(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return ioerr.Configurationf("upload concurrency must be positive, got %d", n)
		}
		c.uploadConcurrency = n
		return nil
	}
}

// WithAllowDuplicateKeys lets a single source hold a primary key more than
// once when merging. The last such row wins. Without it duplicates within
// a source are a configuration error.
func WithAllowDuplicateKeys() Option {
	return func(c *Config) error {
		c.allowDuplicateKeys = true
		return nil
	}
}
