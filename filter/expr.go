// Package filter parses and evaluates row filters written in a prefix-call
// grammar:
//
//	and(eq(name, alice), or(lt(score, 2.5), gt(score, 4)))
//
// Comparisons take a column and a literal. The literal is coerced to the
// column's type when the filter is parsed.
package filter

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow/scalar"
)

type Op uint32

const (
	OpUnknown Op = iota
	OpEq
	OpNotEq
	OpLt
	OpLtEq
	OpGt
	OpGtEq
	OpAnd
	OpOr
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpNotEq:
		return "noteq"
	case OpLt:
		return "lt"
	case OpLtEq:
		return "lteq"
	case OpGt:
		return "gt"
	case OpGtEq:
		return "gteq"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		panic("unknown operator")
	}
}

// function is the arrow compute function implementing o.
func (o Op) function() string {
	switch o {
	case OpEq:
		return "equal"
	case OpNotEq:
		return "not_equal"
	case OpLt:
		return "less"
	case OpLtEq:
		return "less_equal"
	case OpGt:
		return "greater"
	case OpGtEq:
		return "greater_equal"
	case OpAnd:
		return "and_kleene"
	case OpOr:
		return "or_kleene"
	default:
		panic("unknown operator")
	}
}

var ops = map[string]Op{
	"eq":    OpEq,
	"noteq": OpNotEq,
	"lt":    OpLt,
	"lteq":  OpLtEq,
	"gt":    OpGt,
	"gteq":  OpGtEq,
	"and":   OpAnd,
	"or":    OpOr,
}

// Expr is a parsed filter. Name renders it back in the filter grammar.
type Expr interface {
	Name() string
	// ColumnsUsed appends the columns the expression reads to cols.
	ColumnsUsed(cols []string) []string
}

// BinaryExpr compares a column with a literal.
type BinaryExpr struct {
	Column string
	Op     Op
	Value  scalar.Scalar
}

func (e *BinaryExpr) Name() string {
	return e.Op.String() + "(" + e.Column + ", " + e.Value.String() + ")"
}

func (e *BinaryExpr) ColumnsUsed(cols []string) []string { return append(cols, e.Column) }

// LogicalExpr combines two boolean expressions with and/or.
type LogicalExpr struct {
	Left  Expr
	Op    Op
	Right Expr
}

func (e *LogicalExpr) Name() string {
	return e.Op.String() + "(" + e.Left.Name() + ", " + e.Right.Name() + ")"
}

func (e *LogicalExpr) ColumnsUsed(cols []string) []string {
	return e.Right.ColumnsUsed(e.Left.ColumnsUsed(cols))
}

type NotExpr struct {
	Expr Expr
}

func (e *NotExpr) Name() string { return "not(" + e.Expr.Name() + ")" }

func (e *NotExpr) ColumnsUsed(cols []string) []string { return e.Expr.ColumnsUsed(cols) }

// NullExpr tests a column for null, or for non-null when Not is set. It is
// what eq(col, null) and noteq(col, null) parse to.
type NullExpr struct {
	Column string
	Not    bool
}

func (e *NullExpr) Name() string {
	var sb strings.Builder
	if e.Not {
		sb.WriteString("noteq(")
	} else {
		sb.WriteString("eq(")
	}
	sb.WriteString(e.Column)
	sb.WriteString(", null)")
	return sb.String()
}

func (e *NullExpr) ColumnsUsed(cols []string) []string { return append(cols, e.Column) }

func And(exprs ...Expr) Expr {
	return computeLogicalExpr(exprs, OpAnd)
}

func Or(exprs ...Expr) Expr {
	return computeLogicalExpr(exprs, OpOr)
}

func computeLogicalExpr(exprs []Expr, op Op) Expr {
	nonNilExprs := make([]Expr, 0, len(exprs))
	for _, expr := range exprs {
		if expr != nil {
			nonNilExprs = append(nonNilExprs, expr)
		}
	}

	switch len(nonNilExprs) {
	case 0:
		return nil
	case 1:
		return nonNilExprs[0]
	default:
		return &LogicalExpr{
			Left:  nonNilExprs[0],
			Op:    op,
			Right: computeLogicalExpr(nonNilExprs[1:], op),
		}
	}
}
