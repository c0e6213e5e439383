package nativeio

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lakesoul-io/nativeio/dynparquet"
	"github.com/lakesoul-io/nativeio/filter"
	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow"
	"github.com/lakesoul-io/nativeio/pqarrow/arrowutils"
	"github.com/lakesoul-io/nativeio/storage"
)

// Reader reads the configured files as one stream of records. With primary
// keys the files are merged on read: every file must be sorted by the key,
// later files override earlier ones, and each key is returned once. Without
// primary keys the files are returned one after another.
//
// Filters and the column projection apply to the merged rows.
type Reader struct {
	cfg    *Config
	logger log.Logger

	stores   []storage.Store
	scanners []*pqarrow.Scanner
	merge    *arrowutils.MergeIterator
	it       arrowutils.RecordIterator

	schema  *arrow.Schema
	project []int
	filter  filter.Expr

	merged, overridden int64
	done               bool
}

func NewReader(cfg *Config) *Reader {
	return &Reader{
		cfg:    cfg,
		logger: cfg.logger,
	}
}

// Start opens every file and sets up the merge.
func (r *Reader) Start(ctx context.Context) (err error) {
	if r.it != nil {
		return ioerr.Invariantf("reader already started")
	}
	if len(r.cfg.files) == 0 {
		return ioerr.Configurationf("reader needs at least one file")
	}

	ctx, span := r.cfg.tracer.Start(ctx, "Reader/Start")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(r.cfg.files)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			_ = r.Close()
		}
	}()

	schemas := make([]*arrow.Schema, 0, len(r.cfg.files))
	for _, file := range r.cfg.files {
		store, key, err := storage.Resolve(ctx, file, r.cfg.storageOptions())
		if err != nil {
			return err
		}
		r.stores = append(r.stores, store)
		obj, err := store.Open(ctx, key)
		if err != nil {
			return err
		}
		sc, err := pqarrow.NewScanner(ctx, obj, obj.Size, pqarrow.ScanOptions{
			BatchSize: int64(r.cfg.batchSize),
			Allocator: r.cfg.allocator,
		})
		if err != nil {
			return errors.Wrapf(err, "open %s", file)
		}
		r.scanners = append(r.scanners, sc)
		schemas = append(schemas, sc.Schema())
	}

	target := r.cfg.schema
	if target == nil {
		if target, err = arrowutils.UnifySchemas(schemas); err != nil {
			return err
		}
	}

	sources := make([]arrowutils.RowSource, len(r.scanners))
	for i, sc := range r.scanners {
		sources[i] = arrowutils.RowSource{
			Records: &alignedIterator{
				it:       sc,
				target:   target,
				defaults: r.cfg.defaults,
				cfg:      r.cfg,
			},
			Version: int64(i),
		}
	}

	pks := r.cfg.primaryKeys
	if len(pks) == 0 {
		pks = dynparquet.PrimaryKeysFromMetadata(schemas[0])
	}
	if len(pks) > 0 {
		pkSchema, err := dynparquet.NewSchema(target, pks)
		if err != nil {
			return err
		}
		var opts []arrowutils.MergeOption
		if r.cfg.allowDuplicateKeys {
			opts = append(opts, arrowutils.WithAllowDuplicateKeys())
		}
		merger, err := arrowutils.NewMerger(target, sources, pkSchema.SortingColumns(), opts...)
		if err != nil {
			return err
		}
		r.merge, err = arrowutils.NewMergeIterator(target, merger, r.cfg.batchSize)
		if err != nil {
			return err
		}
		r.it = r.merge
	} else {
		r.it = &concatIterator{sources: sources}
	}

	if r.filter, err = r.parseFilter(target); err != nil {
		return err
	}
	if r.schema, r.project, err = projection(target, r.cfg.columns); err != nil {
		return err
	}
	level.Debug(r.logger).Log("msg", "reader started", "files", len(r.cfg.files), "primary_keys", len(pks))
	return nil
}

func (r *Reader) parseFilter(target *arrow.Schema) (filter.Expr, error) {
	if r.cfg.schema != nil {
		return r.cfg.filterExpr, nil
	}
	// The schema came from the files, so the filters could not be parsed
	// when the config was built.
	c := *r.cfg
	if err := c.parseFilters(target); err != nil {
		return nil, err
	}
	return c.filterExpr, nil
}

func projection(s *arrow.Schema, columns []string) (*arrow.Schema, []int, error) {
	if len(columns) == 0 {
		return s, nil, nil
	}
	fields := make([]arrow.Field, 0, len(columns))
	indices := make([]int, 0, len(columns))
	for _, col := range columns {
		idx := s.FieldIndices(col)
		if len(idx) == 0 {
			return nil, nil, ioerr.Schemaf("projected column %q not found", col)
		}
		fields = append(fields, s.Field(idx[0]))
		indices = append(indices, idx[0])
	}
	md := s.Metadata()
	return arrow.NewSchema(fields, &md), indices, nil
}

// Schema is the schema of the returned records. Valid after Start.
func (r *Reader) Schema() *arrow.Schema { return r.schema }

// Next returns the next non-empty record, which the caller must release, or
// io.EOF.
func (r *Reader) Next(ctx context.Context) (arrow.Record, error) {
	if r.it == nil {
		return nil, ioerr.Invariantf("reader not started")
	}
	if r.done {
		return nil, io.EOF
	}
	ctx = compute.WithAllocator(ctx, r.cfg.allocator)
	for {
		rec, err := r.it.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.finish()
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		r.recordMerge()

		out, err := r.filterAndProject(ctx, rec)
		rec.Release()
		if err != nil {
			return nil, err
		}
		if out.NumRows() == 0 {
			out.Release()
			continue
		}
		r.cfg.metrics.rowsRead.Add(float64(out.NumRows()))
		return out, nil
	}
}

func (r *Reader) filterAndProject(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
	filtered, err := filter.Apply(ctx, r.filter, rec)
	if err != nil {
		return nil, err
	}
	r.cfg.metrics.rowsFiltered.Add(float64(rec.NumRows() - filtered.NumRows()))
	if r.project == nil {
		return filtered, nil
	}
	defer filtered.Release()

	cols := make([]arrow.Array, len(r.project))
	for i, idx := range r.project {
		cols[i] = filtered.Column(idx)
	}
	return array.NewRecord(r.schema, cols, filtered.NumRows()), nil
}

// recordMerge adds the merger's progress to the metrics.
func (r *Reader) recordMerge() {
	if r.merge == nil {
		return
	}
	m := r.merge.Merger()
	r.cfg.metrics.rowsMerged.Add(float64(m.Rows() - r.merged))
	r.cfg.metrics.rowsOverridden.Add(float64(m.Overridden() - r.overridden))
	r.merged, r.overridden = m.Rows(), m.Overridden()
}

func (r *Reader) finish() {
	r.done = true
	r.recordMerge()
	if r.merge != nil {
		level.Debug(r.logger).Log("msg", "merge finished", "rows", r.merged, "overridden", r.overridden)
	}
}

// Close releases every open file. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.merge != nil {
		r.merge.Close()
		r.merge = nil
	}
	var errs error
	for _, sc := range r.scanners {
		errs = errors.CombineErrors(errs, sc.Close())
	}
	r.scanners = nil
	for _, s := range r.stores {
		errs = errors.CombineErrors(errs, s.Close())
	}
	r.stores = nil
	r.done = true
	return errs
}

// alignedIterator projects the records of a file onto the reader's schema.
type alignedIterator struct {
	it       arrowutils.RecordIterator
	target   *arrow.Schema
	defaults map[string]string
	cfg      *Config
}

func (a *alignedIterator) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := a.it.Next(ctx)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return arrowutils.AlignRecord(ctx, a.cfg.allocator, rec, a.target, a.defaults)
}

// concatIterator returns the records of its sources in order.
type concatIterator struct {
	sources []arrowutils.RowSource
}

func (c *concatIterator) Next(ctx context.Context) (arrow.Record, error) {
	for len(c.sources) > 0 {
		rec, err := c.sources[0].Records.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.sources = c.sources[1:]
			continue
		}
		return rec, err
	}
	return nil, io.EOF
}
