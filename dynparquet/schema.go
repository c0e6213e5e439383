package dynparquet

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/goccy/go-json"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/arrowutils"
)

// PrimaryKeysMetadataKey is the schema metadata key under which the primary
// key column names are recorded in written files.
const PrimaryKeysMetadataKey = "lakesoul.primary_keys"

type SortingColumn interface {
	fmt.Stringer
	ColumnName() string
	Descending() bool
	NullsFirst() bool
}

func Ascending(column string) SortingColumn { return ascending(column) }

func Descending(column string) SortingColumn { return descending(column) }

func NullsFirst(sortingColumn SortingColumn) SortingColumn { return nullsFirst{sortingColumn} }

type ascending string

func (asc ascending) String() string     { return fmt.Sprintf("ascending(%s)", string(asc)) }
func (asc ascending) ColumnName() string { return string(asc) }
func (asc ascending) Descending() bool   { return false }
func (asc ascending) NullsFirst() bool   { return false }

type descending string

func (desc descending) String() string     { return fmt.Sprintf("descending(%s)", string(desc)) }
func (desc descending) ColumnName() string { return string(desc) }
func (desc descending) Descending() bool   { return true }
func (desc descending) NullsFirst() bool   { return false }

type nullsFirst struct{ SortingColumn }

func (nf nullsFirst) String() string   { return fmt.Sprintf("nulls_first+%s", nf.SortingColumn) }
func (nf nullsFirst) NullsFirst() bool { return true }

// Schema is an arrow schema together with the primary key of the table it
// describes. Primary key columns sort ascending with nulls first.
type Schema struct {
	arrow       *arrow.Schema
	primaryKeys []SortingColumn
	pkIndices   []int
}

// NewSchema validates that every primary key names exactly one field of s.
func NewSchema(s *arrow.Schema, primaryKeys []string) (*Schema, error) {
	if s == nil {
		return nil, ioerr.Schemaf("no schema")
	}

	schema := &Schema{
		arrow:       s,
		primaryKeys: make([]SortingColumn, 0, len(primaryKeys)),
		pkIndices:   make([]int, 0, len(primaryKeys)),
	}
	seen := make(map[string]struct{}, len(primaryKeys))
	for _, pk := range primaryKeys {
		if _, ok := seen[pk]; ok {
			return nil, ioerr.Schemaf("primary key column %q listed twice", pk)
		}
		seen[pk] = struct{}{}

		indices := s.FieldIndices(pk)
		switch len(indices) {
		case 0:
			return nil, ioerr.Schemaf("primary key column %q not found in schema", pk)
		case 1:
		default:
			return nil, ioerr.Schemaf("primary key column %q is ambiguous", pk)
		}
		schema.primaryKeys = append(schema.primaryKeys, NullsFirst(Ascending(pk)))
		schema.pkIndices = append(schema.pkIndices, indices[0])
	}
	return schema, nil
}

func (s *Schema) Arrow() *arrow.Schema { return s.arrow }

func (s *Schema) PrimaryKeys() []SortingColumn { return s.primaryKeys }

func (s *Schema) HasPrimaryKey() bool { return len(s.primaryKeys) > 0 }

// PrimaryKeyIndices returns the field indices of the primary key columns.
func (s *Schema) PrimaryKeyIndices() []int { return s.pkIndices }

// SortingColumns returns the primary key as arrowutils sorting columns
// resolved against the schema's field positions.
func (s *Schema) SortingColumns() []arrowutils.SortingColumn {
	cols := make([]arrowutils.SortingColumn, len(s.primaryKeys))
	for i, pk := range s.primaryKeys {
		direction := arrowutils.Ascending
		if pk.Descending() {
			direction = arrowutils.Descending
		}
		cols[i] = arrowutils.SortingColumn{
			Index:      s.pkIndices[i],
			Direction:  direction,
			NullsFirst: pk.NullsFirst(),
		}
	}
	return cols
}

// WithPrimaryKeyMetadata returns the arrow schema annotated with the primary
// key column names, so files written with it are self-describing.
func (s *Schema) WithPrimaryKeyMetadata() *arrow.Schema {
	if !s.HasPrimaryKey() {
		return s.arrow
	}
	names := make([]string, len(s.primaryKeys))
	for i, pk := range s.primaryKeys {
		names[i] = pk.ColumnName()
	}
	md := s.arrow.Metadata()
	keys := make([]string, 0, md.Len()+1)
	values := make([]string, 0, md.Len()+1)
	for i, k := range md.Keys() {
		// Replaced below.
		if k == PrimaryKeysMetadataKey {
			continue
		}
		keys = append(keys, k)
		values = append(values, md.Values()[i])
	}
	keys = append(keys, PrimaryKeysMetadataKey)
	values = append(values, strings.Join(names, ","))
	meta := arrow.NewMetadata(keys, values)
	return arrow.NewSchema(s.arrow.Fields(), &meta)
}

// PrimaryKeysFromMetadata returns the primary key columns recorded in the
// metadata of s, if any.
func PrimaryKeysFromMetadata(s *arrow.Schema) []string {
	v, ok := s.Metadata().GetValue(PrimaryKeysMetadataKey)
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

type schemaJSON struct {
	Fields   []fieldJSON       `json:"fields"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type fieldJSON struct {
	Name     string          `json:"name"`
	Type     json.RawMessage `json:"type"`
	Nullable bool            `json:"nullable"`
}

// typeJSON is the object form of a type. Parameterless types are written as
// a bare string instead.
type typeJSON struct {
	Name       string          `json:"name"`
	Unit       string          `json:"unit,omitempty"`
	TimeZone   string          `json:"timezone,omitempty"`
	Precision  int32           `json:"precision,omitempty"`
	Scale      int32           `json:"scale,omitempty"`
	ByteWidth  int             `json:"byte_width,omitempty"`
	ListSize   int32           `json:"list_size,omitempty"`
	KeysSorted bool            `json:"keys_sorted,omitempty"`
	Index      string          `json:"index,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Children   []fieldJSON     `json:"children,omitempty"`
	TypeCodes  []int8          `json:"type_codes,omitempty"`
}

var simpleTypes = map[string]arrow.DataType{
	"null":         arrow.Null,
	"bool":         arrow.FixedWidthTypes.Boolean,
	"int8":         arrow.PrimitiveTypes.Int8,
	"int16":        arrow.PrimitiveTypes.Int16,
	"int32":        arrow.PrimitiveTypes.Int32,
	"int64":        arrow.PrimitiveTypes.Int64,
	"uint8":        arrow.PrimitiveTypes.Uint8,
	"uint16":       arrow.PrimitiveTypes.Uint16,
	"uint32":       arrow.PrimitiveTypes.Uint32,
	"uint64":       arrow.PrimitiveTypes.Uint64,
	"float16":      arrow.FixedWidthTypes.Float16,
	"float32":      arrow.PrimitiveTypes.Float32,
	"float64":      arrow.PrimitiveTypes.Float64,
	"utf8":         arrow.BinaryTypes.String,
	"large_utf8":   arrow.BinaryTypes.LargeString,
	"binary":       arrow.BinaryTypes.Binary,
	"large_binary": arrow.BinaryTypes.LargeBinary,
	"date32":       arrow.FixedWidthTypes.Date32,
	"date64":       arrow.FixedWidthTypes.Date64,
}

var timeUnits = map[string]arrow.TimeUnit{
	"s":  arrow.Second,
	"ms": arrow.Millisecond,
	"us": arrow.Microsecond,
	"ns": arrow.Nanosecond,
}

// ParseTypeName returns the parameterless type called name. float and double
// are accepted for float32 and float64.
func ParseTypeName(name string) (arrow.DataType, error) {
	switch name {
	case "float":
		return arrow.PrimitiveTypes.Float32, nil
	case "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "string":
		return arrow.BinaryTypes.String, nil
	}
	dt, ok := simpleTypes[name]
	if !ok {
		return nil, ioerr.Schemaf("unknown type %q", name)
	}
	return dt, nil
}

// ParseArrowSchemaJSON parses a serialized schema description. Malformed
// input yields an ioerr.ErrSchema error.
func ParseArrowSchemaJSON(data []byte) (*arrow.Schema, error) {
	var def schemaJSON
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, ioerr.Schema(err, "decode schema json")
	}
	if len(def.Fields) == 0 {
		return nil, ioerr.Schemaf("schema has no fields")
	}

	fields, err := parseFields(def.Fields)
	if err != nil {
		return nil, err
	}
	if len(def.Metadata) == 0 {
		return arrow.NewSchema(fields, nil), nil
	}
	md := arrow.MetadataFrom(def.Metadata)
	return arrow.NewSchema(fields, &md), nil
}

func parseFields(defs []fieldJSON) ([]arrow.Field, error) {
	fields := make([]arrow.Field, 0, len(defs))
	for _, f := range defs {
		if f.Name == "" {
			return nil, ioerr.Schemaf("field without name")
		}
		dt, err := parseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable})
	}
	return fields, nil
}

func parseType(raw json.RawMessage) (arrow.DataType, error) {
	if len(raw) == 0 {
		return nil, ioerr.Schemaf("missing type")
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		dt, ok := simpleTypes[name]
		if !ok {
			return nil, ioerr.Schemaf("unknown type %q", name)
		}
		return dt, nil
	}

	var t typeJSON
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, ioerr.Schema(err, "decode type")
	}

	if dt, ok := simpleTypes[t.Name]; ok {
		return dt, nil
	}

	switch t.Name {
	case "timestamp":
		unit, err := parseUnit(t.Unit)
		if err != nil {
			return nil, err
		}
		return &arrow.TimestampType{Unit: unit, TimeZone: t.TimeZone}, nil
	case "time32":
		unit, err := parseUnit(t.Unit)
		if err != nil {
			return nil, err
		}
		if unit != arrow.Second && unit != arrow.Millisecond {
			return nil, ioerr.Schemaf("time32 does not support unit %q", t.Unit)
		}
		return &arrow.Time32Type{Unit: unit}, nil
	case "time64":
		unit, err := parseUnit(t.Unit)
		if err != nil {
			return nil, err
		}
		if unit != arrow.Microsecond && unit != arrow.Nanosecond {
			return nil, ioerr.Schemaf("time64 does not support unit %q", t.Unit)
		}
		return &arrow.Time64Type{Unit: unit}, nil
	case "duration":
		unit, err := parseUnit(t.Unit)
		if err != nil {
			return nil, err
		}
		return &arrow.DurationType{Unit: unit}, nil
	case "interval":
		switch t.Unit {
		case "month":
			return arrow.FixedWidthTypes.MonthInterval, nil
		case "day_time":
			return arrow.FixedWidthTypes.DayTimeInterval, nil
		case "month_day_nano":
			return arrow.FixedWidthTypes.MonthDayNanoInterval, nil
		default:
			return nil, ioerr.Schemaf("unknown interval unit %q", t.Unit)
		}
	case "decimal", "decimal128":
		return &arrow.Decimal128Type{Precision: t.Precision, Scale: t.Scale}, nil
	case "decimal256":
		return &arrow.Decimal256Type{Precision: t.Precision, Scale: t.Scale}, nil
	case "fixed_size_binary":
		if t.ByteWidth <= 0 {
			return nil, ioerr.Schemaf("fixed_size_binary requires a positive byte_width")
		}
		return &arrow.FixedSizeBinaryType{ByteWidth: t.ByteWidth}, nil
	case "list", "large_list", "fixed_size_list":
		if len(t.Children) != 1 {
			return nil, ioerr.Schemaf("%s requires exactly one child", t.Name)
		}
		children, err := parseFields(t.Children)
		if err != nil {
			return nil, err
		}
		switch t.Name {
		case "list":
			return arrow.ListOfField(children[0]), nil
		case "large_list":
			return arrow.LargeListOfField(children[0]), nil
		default:
			if t.ListSize <= 0 {
				return nil, ioerr.Schemaf("fixed_size_list requires a positive list_size")
			}
			return arrow.FixedSizeListOfField(t.ListSize, children[0]), nil
		}
	case "map":
		if len(t.Children) != 2 {
			return nil, ioerr.Schemaf("map requires a key and a value child")
		}
		children, err := parseFields(t.Children)
		if err != nil {
			return nil, err
		}
		mt := arrow.MapOfWithMetadata(children[0].Type, children[0].Metadata, children[1].Type, children[1].Metadata)
		mt.KeysSorted = t.KeysSorted
		mt.SetItemNullable(children[1].Nullable)
		return mt, nil
	case "struct":
		children, err := parseFields(t.Children)
		if err != nil {
			return nil, err
		}
		return arrow.StructOf(children...), nil
	case "dictionary":
		index, ok := simpleTypes[t.Index]
		if !ok || !arrow.IsInteger(index.ID()) {
			return nil, ioerr.Schemaf("dictionary index type %q is not an integer type", t.Index)
		}
		value, err := parseType(t.Value)
		if err != nil {
			return nil, err
		}
		return &arrow.DictionaryType{IndexType: index, ValueType: value}, nil
	case "sparse_union", "dense_union":
		children, err := parseFields(t.Children)
		if err != nil {
			return nil, err
		}
		codes := t.TypeCodes
		if len(codes) == 0 {
			codes = make([]int8, len(children))
			for i := range codes {
				codes[i] = int8(i)
			}
		}
		if len(codes) != len(children) {
			return nil, ioerr.Schemaf("%s has %d children but %d type codes", t.Name, len(children), len(codes))
		}
		typeCodes := make([]arrow.UnionTypeCode, len(codes))
		for i, c := range codes {
			typeCodes[i] = arrow.UnionTypeCode(c)
		}
		if t.Name == "sparse_union" {
			return arrow.SparseUnionOf(children, typeCodes), nil
		}
		return arrow.DenseUnionOf(children, typeCodes), nil
	default:
		return nil, ioerr.Schemaf("unknown type %q", t.Name)
	}
}

func parseUnit(unit string) (arrow.TimeUnit, error) {
	u, ok := timeUnits[unit]
	if !ok {
		return 0, ioerr.Schemaf("unknown time unit %q", unit)
	}
	return u, nil
}

// MarshalArrowSchemaJSON serializes s in the format read by
// ParseArrowSchemaJSON.
func MarshalArrowSchemaJSON(s *arrow.Schema) ([]byte, error) {
	fields, err := marshalFields(s.Fields())
	if err != nil {
		return nil, err
	}
	def := schemaJSON{Fields: fields}
	if md := s.Metadata(); md.Len() > 0 {
		def.Metadata = make(map[string]string, md.Len())
		for i, k := range md.Keys() {
			def.Metadata[k] = md.Values()[i]
		}
	}
	return json.Marshal(def)
}

func marshalFields(fields []arrow.Field) ([]fieldJSON, error) {
	out := make([]fieldJSON, 0, len(fields))
	for _, f := range fields {
		raw, err := marshalType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out = append(out, fieldJSON{Name: f.Name, Type: raw, Nullable: f.Nullable})
	}
	return out, nil
}

func unitName(unit arrow.TimeUnit) string {
	for name, u := range timeUnits {
		if u == unit {
			return name
		}
	}
	return ""
}

func marshalType(dt arrow.DataType) (json.RawMessage, error) {
	for name, simple := range simpleTypes {
		if arrow.TypeEqual(dt, simple) {
			return json.Marshal(name)
		}
	}

	var t typeJSON
	switch dt := dt.(type) {
	case *arrow.TimestampType:
		t = typeJSON{Name: "timestamp", Unit: unitName(dt.Unit), TimeZone: dt.TimeZone}
	case *arrow.Time32Type:
		t = typeJSON{Name: "time32", Unit: unitName(dt.Unit)}
	case *arrow.Time64Type:
		t = typeJSON{Name: "time64", Unit: unitName(dt.Unit)}
	case *arrow.DurationType:
		t = typeJSON{Name: "duration", Unit: unitName(dt.Unit)}
	case *arrow.MonthIntervalType:
		t = typeJSON{Name: "interval", Unit: "month"}
	case *arrow.DayTimeIntervalType:
		t = typeJSON{Name: "interval", Unit: "day_time"}
	case *arrow.MonthDayNanoIntervalType:
		t = typeJSON{Name: "interval", Unit: "month_day_nano"}
	case *arrow.Decimal128Type:
		t = typeJSON{Name: "decimal128", Precision: dt.Precision, Scale: dt.Scale}
	case *arrow.Decimal256Type:
		t = typeJSON{Name: "decimal256", Precision: dt.Precision, Scale: dt.Scale}
	case *arrow.FixedSizeBinaryType:
		t = typeJSON{Name: "fixed_size_binary", ByteWidth: dt.ByteWidth}
	case *arrow.MapType:
		children, err := marshalFields([]arrow.Field{dt.KeyField(), dt.ItemField()})
		if err != nil {
			return nil, err
		}
		t = typeJSON{Name: "map", Children: children, KeysSorted: dt.KeysSorted}
	case *arrow.ListType:
		children, err := marshalFields([]arrow.Field{dt.ElemField()})
		if err != nil {
			return nil, err
		}
		t = typeJSON{Name: "list", Children: children}
	case *arrow.LargeListType:
		children, err := marshalFields([]arrow.Field{dt.ElemField()})
		if err != nil {
			return nil, err
		}
		t = typeJSON{Name: "large_list", Children: children}
	case *arrow.FixedSizeListType:
		children, err := marshalFields([]arrow.Field{dt.ElemField()})
		if err != nil {
			return nil, err
		}
		t = typeJSON{Name: "fixed_size_list", Children: children, ListSize: dt.Len()}
	case *arrow.StructType:
		children, err := marshalFields(dt.Fields())
		if err != nil {
			return nil, err
		}
		t = typeJSON{Name: "struct", Children: children}
	case *arrow.DictionaryType:
		index, err := marshalType(dt.IndexType)
		if err != nil {
			return nil, err
		}
		var indexName string
		if err := json.Unmarshal(index, &indexName); err != nil {
			return nil, ioerr.Schema(err, "dictionary index")
		}
		value, err := marshalType(dt.ValueType)
		if err != nil {
			return nil, err
		}
		t = typeJSON{Name: "dictionary", Index: indexName, Value: value}
	case arrow.UnionType:
		children, err := marshalFields(dt.Fields())
		if err != nil {
			return nil, err
		}
		codes := make([]int8, len(dt.TypeCodes()))
		for i, c := range dt.TypeCodes() {
			codes[i] = int8(c)
		}
		name := "sparse_union"
		if dt.Mode() == arrow.DenseMode {
			name = "dense_union"
		}
		t = typeJSON{Name: name, Children: children, TypeCodes: codes}
	default:
		return nil, ioerr.Schemaf("unsupported type %s", dt)
	}
	return json.Marshal(t)
}
