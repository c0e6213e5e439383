package nativeio

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/lakesoul-io/nativeio/internal/extsort"
	"github.com/lakesoul-io/nativeio/ioerr"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, DefaultBatchSize, cfg.BatchSize())
	require.Equal(t, DefaultThreadNum, cfg.ThreadNum())
	require.Equal(t, extsort.CodecZstd, cfg.spillCodec)
	require.Nil(t, cfg.Schema())
	require.Nil(t, cfg.filterExpr)
	require.Nil(t, cfg.pkSchema)
}

func TestNewConfig(t *testing.T) {
	cfg := testConfig(t,
		WithFiles("a.parquet", "b.parquet"),
		WithPrimaryKeys("id"),
		WithColumns("name"),
		WithFilters("gt(score, 1.5)", "noteq(name, null)"),
		WithSchema(rowSchema),
		WithBatchSize(16),
		WithThreadNum(3),
		WithObjectStoreOption("fs.s3a.region", "eu-west-1"),
	)
	require.Equal(t, []string{"a.parquet", "b.parquet"}, cfg.Files())
	require.Equal(t, []string{"id"}, cfg.PrimaryKeys())
	require.Equal(t, []string{"name"}, cfg.Columns())
	require.Equal(t, 16, cfg.BatchSize())
	require.Equal(t, 3, cfg.ThreadNum())
	require.Equal(t, "eu-west-1", cfg.storageOptions().Settings["fs.s3a.region"])
	require.NotNil(t, cfg.pkSchema)
	require.Equal(t, "and(gt(score, 1.5), noteq(name, null))", cfg.filterExpr.Name())
}

func TestNewConfigSchemaJSON(t *testing.T) {
	cfg := testConfig(t, WithSchemaJSON(`{"fields":[
		{"name":"id","type":"int64","nullable":false},
		{"name":"name","type":"utf8","nullable":true}
	]}`), WithPrimaryKeys("id"))
	require.Equal(t, 2, cfg.Schema().NumFields())
	require.NotNil(t, cfg.pkSchema)
}

func TestNewConfigErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		options []Option
		kind    error
	}{
		"empty file":            {[]Option{WithFile(" ")}, ioerr.ErrConfiguration},
		"zero batch size":       {[]Option{WithBatchSize(0)}, ioerr.ErrConfiguration},
		"negative row group":    {[]Option{WithMaxRowGroupSize(-1)}, ioerr.ErrConfiguration},
		"zero threads":          {[]Option{WithThreadNum(0)}, ioerr.ErrConfiguration},
		"zero sort buffer":      {[]Option{WithSortBufferRows(0)}, ioerr.ErrConfiguration},
		"zero part size":        {[]Option{WithUploadPartSize(0)}, ioerr.ErrConfiguration},
		"zero concurrency":      {[]Option{WithUploadConcurrency(0)}, ioerr.ErrConfiguration},
		"unknown spill codec":   {[]Option{WithSpillCodec("gzip")}, ioerr.ErrConfiguration},
		"malformed filter":      {[]Option{WithSchema(rowSchema), WithFilters("gt(score, 1")}, ioerr.ErrConfiguration},
		"bad filter literal":    {[]Option{WithSchema(rowSchema), WithFilters("gt(id, abc)")}, ioerr.ErrConfiguration},
		"unknown filter type":   {[]Option{WithSchema(rowSchema), WithFilterTypes(map[string]string{"x": "decimal"})}, ioerr.ErrConfiguration},
		"unknown primary key":   {[]Option{WithSchema(rowSchema), WithPrimaryKeys("missing")}, ioerr.ErrSchema},
		"unknown column":        {[]Option{WithSchema(rowSchema), WithColumns("missing")}, ioerr.ErrSchema},
		"invalid schema json":   {[]Option{WithSchemaJSON(`{"fields":`)}, ioerr.ErrSchema},
		"unknown schema type":   {[]Option{WithSchemaJSON(`{"fields":[{"name":"a","type":"nope"}]}`)}, ioerr.ErrSchema},
		"comparison arity":      {[]Option{WithSchema(rowSchema), WithFilters("eq(name)")}, ioerr.ErrConfiguration},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfig(tc.options...)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.kind), "unexpected error kind: %v", err)
		})
	}
}

func TestNewConfigFilterWithoutSchema(t *testing.T) {
	// Without a schema filters are parsed when the reader knows the schema
	// of its files.
	cfg := testConfig(t, WithFilters("gt(score, 1")) // malformed, but not parsed yet
	require.Nil(t, cfg.filterExpr)
}
