package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/maneesh/labdrop/internal/common"
)

const dateLayout = "2006-01-02"

// Expression is the wire shape of a leaf condition.
type Expression struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Operand  any    `json:"operand"`
}

// Condition converts the expression, coercing JSON operands to the field's
// type. Times are ISO-8601; a bare YYYY-MM-DD date means UTC midnight.
func (e Expression) Condition() (Condition, error) {
	op, err := ParseOperator(e.Operator)
	if err != nil {
		return Condition{}, &common.InvalidPredicateError{Field: e.Field, Operator: e.Operator, Reason: "unknown operator"}
	}
	field := Field(e.Field)
	kind, ok := field.Kind()
	if !ok {
		return Condition{}, &common.InvalidPredicateError{Field: e.Field, Operator: e.Operator, Reason: "unknown field"}
	}

	operand, err := coerce(kind, e.Operand)
	if err != nil {
		return Condition{}, &common.InvalidPredicateError{Field: e.Field, Operator: e.Operator, Reason: err.Error()}
	}
	return NewCondition(field, op, operand)
}

func coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindNumber:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("operand %v is not an integer", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case KindTime:
		if s, ok := v.(string); ok {
			return ParseTime(s)
		}
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	}
	return v, nil
}

// ParseTime parses RFC 3339 timestamps and bare dates.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("operand %q is not an ISO-8601 time", s)
	}
	return t, nil
}

// Expression converts the condition back to its wire shape.
func (c Condition) Expression() Expression {
	operand := c.Operand()
	if t, ok := operand.(time.Time); ok {
		operand = t.UTC().Format(time.RFC3339Nano)
	}
	return Expression{Field: string(c.field), Operator: string(c.op), Operand: operand}
}

// Parse builds a Set from wire expressions, failing on the first invalid one.
func Parse(exprs []Expression) (Set, error) {
	preds := make([]Predicate, 0, len(exprs))
	for _, e := range exprs {
		c, err := e.Condition()
		if err != nil {
			return Set{}, err
		}
		preds = append(preds, c)
	}
	return NewSet(preds...), nil
}

// FromForm builds the set used by the search form: filename contains
// upload, shipTo equals shipTo, uploadedAt on or after the start of date.
// Empty inputs are skipped.
func FromForm(upload, shipTo, date string) (Set, error) {
	var preds []Predicate
	if upload != "" {
		c, err := NewCondition(FieldFilename, Contains, upload)
		if err != nil {
			return Set{}, err
		}
		preds = append(preds, c)
	}
	if shipTo != "" {
		c, err := NewCondition(FieldShipTo, Equals, shipTo)
		if err != nil {
			return Set{}, err
		}
		preds = append(preds, c)
	}
	if date != "" {
		start, err := ParseTime(date)
		if err != nil {
			return Set{}, &common.InvalidPredicateError{Field: string(FieldUploadedAt), Operator: string(GreaterOrEqual), Reason: err.Error()}
		}
		c, err := NewCondition(FieldUploadedAt, GreaterOrEqual, start)
		if err != nil {
			return Set{}, err
		}
		preds = append(preds, c)
	}
	return NewSet(preds...), nil
}
