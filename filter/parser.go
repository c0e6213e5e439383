package filter

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	"github.com/lakesoul-io/nativeio/dynparquet"
	"github.com/lakesoul-io/nativeio/ioerr"
)

// Types maps column names to the types filter literals are coerced to.
type Types map[string]arrow.DataType

// TypesFromSchema collects the column types of s. Struct children are added
// under their dotted path, e.g. "point.x".
func TypesFromSchema(s *arrow.Schema) Types {
	types := Types{}
	for _, f := range s.Fields() {
		addFieldTypes(types, "", f)
	}
	return types
}

func addFieldTypes(types Types, prefix string, f arrow.Field) {
	name := prefix + f.Name
	types[name] = f.Type
	if st, ok := f.Type.(*arrow.StructType); ok {
		for _, child := range st.Fields() {
			addFieldTypes(types, name+".", child)
		}
	}
}

// ParseTypes reads explicit column type hints such as {"score": "float"}.
func ParseTypes(hints map[string]string) (Types, error) {
	types := make(Types, len(hints))
	for col, name := range hints {
		dt, err := dynparquet.ParseTypeName(strings.TrimSpace(name))
		if err != nil {
			return nil, ioerr.Configuration(err, "filter type of "+col)
		}
		types[col] = dt
	}
	return types, nil
}

// Merge returns t with the entries of other added, other taking precedence.
func (t Types) Merge(other Types) Types {
	merged := make(Types, len(t)+len(other))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Parse parses a filter. Columns compared against a literal must be present
// in types. Malformed filters yield an ioerr.ErrConfiguration error.
func Parse(filter string, types Types) (Expr, error) {
	expr, err := parse(strings.TrimSpace(filter), types)
	if err != nil {
		return nil, ioerr.Configuration(err, "parse filter "+filter)
	}
	return expr, nil
}

func parse(s string, types Types) (Expr, error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 {
		return nil, ioerr.Configurationf("expected op(args) at %q", s)
	}
	if !strings.HasSuffix(s, ")") {
		return nil, ioerr.Configurationf("unbalanced parentheses in %q", s)
	}
	name := strings.TrimSpace(s[:open])
	args, err := splitArgs(s[open+1 : len(s)-1])
	if err != nil {
		return nil, err
	}

	if name == "not" {
		if len(args) != 1 {
			return nil, ioerr.Configurationf("not takes one argument, got %d", len(args))
		}
		inner, err := parse(args[0], types)
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}

	op, ok := ops[name]
	if !ok {
		return nil, ioerr.Configurationf("unknown filter operator %q", name)
	}

	switch op {
	case OpAnd, OpOr:
		if len(args) < 2 {
			return nil, ioerr.Configurationf("%s takes at least two arguments, got %d", op, len(args))
		}
		exprs := make([]Expr, 0, len(args))
		for _, arg := range args {
			e, err := parse(arg, types)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, e)
		}
		return computeLogicalExpr(exprs, op), nil
	}

	if len(args) != 2 {
		return nil, ioerr.Configurationf("%s takes a column and a value, got %d arguments", op, len(args))
	}
	column, literal := args[0], args[1]
	if column == "" || strings.ContainsAny(column, "()") {
		return nil, ioerr.Configurationf("invalid column %q", column)
	}

	if literal == "null" {
		switch op {
		case OpEq:
			return &NullExpr{Column: column}, nil
		case OpNotEq:
			return &NullExpr{Column: column, Not: true}, nil
		default:
			return nil, ioerr.Configurationf("%s cannot compare with null", op)
		}
	}

	value, err := coerce(column, literal, types)
	if err != nil {
		return nil, err
	}
	return &BinaryExpr{Column: column, Op: op, Value: value}, nil
}

// splitArgs splits s at the commas that are outside of parentheses and
// quotes.
func splitArgs(s string) ([]string, error) {
	var (
		args  []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, ioerr.Configurationf("unbalanced parentheses in %q", s)
			}
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if depth != 0 {
		return nil, ioerr.Configurationf("unbalanced parentheses in %q", s)
	}
	if quote != 0 {
		return nil, ioerr.Configurationf("unterminated quote in %q", s)
	}
	last := strings.TrimSpace(s[start:])
	if last == "" && len(args) == 0 {
		return nil, nil
	}
	return append(args, last), nil
}

func coerce(column, literal string, types Types) (scalar.Scalar, error) {
	dt, ok := types[column]
	if !ok {
		return nil, ioerr.Configurationf("no type known for filter column %q", column)
	}
	if n := len(literal); n >= 2 && (literal[0] == '\'' || literal[0] == '"') && literal[n-1] == literal[0] {
		literal = literal[1 : n-1]
	}
	if dict, ok := dt.(*arrow.DictionaryType); ok {
		dt = dict.ValueType
	}
	v, err := scalar.ParseScalar(dt, literal)
	if err != nil {
		return nil, ioerr.Configuration(err, "coerce "+literal+" to "+dt.String()+" for column "+column)
	}
	return v, nil
}
