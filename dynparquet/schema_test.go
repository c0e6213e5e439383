package dynparquet

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/arrowutils"
)

func TestSchemaJSONRoundTrip(t *testing.T) {
	md := arrow.NewMetadata([]string{"owner"}, []string{"lakesoul"})
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "price", Type: &arrow.Decimal128Type{Precision: 10, Scale: 2}, Nullable: true},
		{Name: "ts", Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
		{Name: "day", Type: arrow.FixedWidthTypes.Date32},
		{Name: "tags", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
		{Name: "attrs", Type: arrow.MapOf(arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int32), Nullable: true},
		{Name: "point", Type: arrow.StructOf(
			arrow.Field{Name: "x", Type: arrow.PrimitiveTypes.Float64},
			arrow.Field{Name: "y", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		)},
		{Name: "vec", Type: arrow.FixedSizeListOf(3, arrow.PrimitiveTypes.Float32)},
		{Name: "hash", Type: &arrow.FixedSizeBinaryType{ByteWidth: 16}},
		{Name: "label", Type: &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int16, ValueType: arrow.BinaryTypes.String}, Nullable: true},
		{Name: "either", Type: arrow.SparseUnionOf([]arrow.Field{
			{Name: "i", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
			{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true},
		}, []arrow.UnionTypeCode{5, 7}), Nullable: true},
		{Name: "elapsed", Type: &arrow.DurationType{Unit: arrow.Nanosecond}},
		{Name: "every", Type: arrow.FixedWidthTypes.MonthDayNanoInterval},
		{Name: "nothing", Type: arrow.Null, Nullable: true},
	}, &md)

	data, err := MarshalArrowSchemaJSON(schema)
	require.NoError(t, err)

	parsed, err := ParseArrowSchemaJSON(data)
	require.NoError(t, err)
	require.True(t, schema.Equal(parsed), "want %s\ngot %s", schema, parsed)
	v, ok := parsed.Metadata().GetValue("owner")
	require.True(t, ok)
	require.Equal(t, "lakesoul", v)
}

func TestParseSchemaJSON(t *testing.T) {
	parsed, err := ParseArrowSchemaJSON([]byte(`{
		"fields": [
			{"name": "id", "type": "int64", "nullable": false},
			{"name": "ts", "type": {"name": "timestamp", "unit": "ms"}, "nullable": true}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, 2, parsed.NumFields())
	require.True(t, arrow.TypeEqual(&arrow.TimestampType{Unit: arrow.Millisecond}, parsed.Field(1).Type))

	for name, input := range map[string]string{
		"malformed":    `{"fields": [`,
		"no fields":    `{"fields": []}`,
		"unknown type": `{"fields": [{"name": "a", "type": "int128"}]}`,
		"bad unit":     `{"fields": [{"name": "a", "type": {"name": "time32", "unit": "ns"}}]}`,
		"no name":      `{"fields": [{"type": "int64"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseArrowSchemaJSON([]byte(input))
			require.True(t, errors.Is(err, ioerr.ErrSchema), "got %v", err)
		})
	}
}

func TestNewSchema(t *testing.T) {
	as := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		{Name: "b", Type: arrow.BinaryTypes.String},
		{Name: "c", Type: arrow.BinaryTypes.String},
	}, nil)

	s, err := NewSchema(as, []string{"c", "a"})
	require.NoError(t, err)
	require.True(t, s.HasPrimaryKey())
	require.Equal(t, []int{2, 0}, s.PrimaryKeyIndices())
	require.Equal(t, "nulls_first+ascending(c)", s.PrimaryKeys()[0].String())
	require.Equal(t, []arrowutils.SortingColumn{
		{Index: 2, Direction: arrowutils.Ascending, NullsFirst: true},
		{Index: 0, Direction: arrowutils.Ascending, NullsFirst: true},
	}, s.SortingColumns())

	v, ok := s.WithPrimaryKeyMetadata().Metadata().GetValue(PrimaryKeysMetadataKey)
	require.True(t, ok)
	require.Equal(t, "c,a", v)
	require.Equal(t, []string{"c", "a"}, PrimaryKeysFromMetadata(s.WithPrimaryKeyMetadata()))
	require.Nil(t, PrimaryKeysFromMetadata(as))

	rekeyed, err := NewSchema(s.WithPrimaryKeyMetadata(), []string{"a"})
	require.NoError(t, err)
	md := rekeyed.WithPrimaryKeyMetadata().Metadata()
	require.Equal(t, 1, md.Len())
	require.Equal(t, []string{"a"}, PrimaryKeysFromMetadata(rekeyed.WithPrimaryKeyMetadata()))

	_, err = NewSchema(as, []string{"missing"})
	require.True(t, errors.Is(err, ioerr.ErrSchema))
	_, err = NewSchema(as, []string{"a", "a"})
	require.True(t, errors.Is(err, ioerr.ErrSchema))

	noPK, err := NewSchema(as, nil)
	require.NoError(t, err)
	require.False(t, noPK.HasPrimaryKey())
	require.Equal(t, as, noPK.WithPrimaryKeyMetadata())
}

func TestParseTypeName(t *testing.T) {
	for name, want := range map[string]arrow.DataType{
		"float":  arrow.PrimitiveTypes.Float32,
		"double": arrow.PrimitiveTypes.Float64,
		"string": arrow.BinaryTypes.String,
		"int32":  arrow.PrimitiveTypes.Int32,
		"date32": arrow.FixedWidthTypes.Date32,
	} {
		dt, err := ParseTypeName(name)
		require.NoError(t, err)
		require.True(t, arrow.TypeEqual(want, dt), name)
	}
	_, err := ParseTypeName("timestamp")
	require.True(t, errors.Is(err, ioerr.ErrSchema))
}
