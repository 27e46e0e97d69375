// Package filter implements declarative query conditions over file records.
//
// A Condition is a single (field, operator, operand) test. Conditions compose
// with And, and a Set is an ordered list of predicates that must all match.
// All values are immutable once built; construction validates that the
// operator and operand fit the field's type.
package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/models"
)

// Field names a FileRecord attribute.
type Field string

const (
	FieldID         Field = "id"
	FieldKey        Field = "key"
	FieldFilename   Field = "filename"
	FieldSize       Field = "size"
	FieldType       Field = "type"
	FieldUploadedAt Field = "uploadedAt"
	FieldOwner      Field = "owner"
	FieldShipTo     Field = "shipTo"
)

// Kind is the semantic type of a field.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindTime
)

var fieldKinds = map[Field]Kind{
	FieldID:         KindText,
	FieldKey:        KindText,
	FieldFilename:   KindText,
	FieldSize:       KindNumber,
	FieldType:       KindText,
	FieldUploadedAt: KindTime,
	FieldOwner:      KindText,
	FieldShipTo:     KindText,
}

// Kind reports the field's semantic type and whether the field is known.
func (f Field) Kind() (Kind, bool) {
	k, ok := fieldKinds[f]
	return k, ok
}

// Operator is the comparison applied by a Condition.
type Operator string

const (
	Equals         Operator = "equals"
	Contains       Operator = "contains"
	GreaterOrEqual Operator = "greaterOrEqual"
)

// ParseOperator accepts the canonical names and the short aliases
// eq, ge used by record-store filter expressions.
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "equals", "eq":
		return Equals, nil
	case "contains":
		return Contains, nil
	case "greaterOrEqual", "ge":
		return GreaterOrEqual, nil
	}
	return "", &common.InvalidPredicateError{Operator: s, Reason: "unknown operator"}
}

func (o Operator) supports(k Kind) bool {
	switch o {
	case Equals:
		return true
	case Contains:
		return k == KindText
	case GreaterOrEqual:
		return k == KindNumber || k == KindTime
	}
	return false
}

// Predicate is anything that can test a record.
type Predicate interface {
	Matches(r models.FileRecord) bool
	// Conditions returns the leaf conditions, flattened.
	Conditions() []Condition
}

// Condition is a leaf predicate.
type Condition struct {
	field Field
	op    Operator
	kind  Kind
	text  string
	num   int64
	at    time.Time
}

// NewCondition validates and builds a leaf predicate. Text fields take a
// string operand, size takes any integer, uploadedAt takes a time.Time.
func NewCondition(field Field, op Operator, operand any) (Condition, error) {
	kind, ok := field.Kind()
	if !ok {
		return Condition{}, &common.InvalidPredicateError{Field: string(field), Operator: string(op), Reason: "unknown field"}
	}
	if !op.supports(kind) {
		return Condition{}, &common.InvalidPredicateError{Field: string(field), Operator: string(op), Reason: "operator not supported for field"}
	}

	c := Condition{field: field, op: op, kind: kind}
	bad := func() (Condition, error) {
		return Condition{}, &common.InvalidPredicateError{
			Field:    string(field),
			Operator: string(op),
			Reason:   fmt.Sprintf("operand of type %T does not match field", operand),
		}
	}

	switch kind {
	case KindText:
		s, ok := operand.(string)
		if !ok {
			return bad()
		}
		c.text = s
	case KindNumber:
		switch v := operand.(type) {
		case int:
			c.num = int64(v)
		case int32:
			c.num = int64(v)
		case int64:
			c.num = v
		default:
			return bad()
		}
	case KindTime:
		t, ok := operand.(time.Time)
		if !ok {
			return bad()
		}
		c.at = t
	}
	return c, nil
}

// Field returns the record field the condition tests.
func (c Condition) Field() Field { return c.field }

// Operator returns the comparison operator.
func (c Condition) Operator() Operator { return c.op }

// Kind returns the value kind of the field.
func (c Condition) Kind() Kind { return c.kind }

// Operand returns the operand as string, int64 or time.Time.
func (c Condition) Operand() any {
	switch c.kind {
	case KindNumber:
		return c.num
	case KindTime:
		return c.at
	default:
		return c.text
	}
}

// Conditions returns c itself.
func (c Condition) Conditions() []Condition {
	return []Condition{c}
}

// Matches evaluates c against r. Records without the field never match.
func (c Condition) Matches(r models.FileRecord) bool {
	switch c.kind {
	case KindText:
		v := textValue(r, c.field)
		if c.op == Contains {
			return strings.Contains(v, c.text)
		}
		return v == c.text
	case KindNumber:
		if r.Size == nil {
			return false
		}
		if c.op == GreaterOrEqual {
			return *r.Size >= c.num
		}
		return *r.Size == c.num
	case KindTime:
		if r.UploadedAt.IsZero() {
			return false
		}
		if c.op == GreaterOrEqual {
			return !r.UploadedAt.Before(c.at)
		}
		return r.UploadedAt.Equal(c.at)
	}
	return false
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.field, c.op, c.Operand())
}

func textValue(r models.FileRecord, f Field) string {
	switch f {
	case FieldID:
		return r.ID
	case FieldKey:
		return r.Key
	case FieldFilename:
		return r.Filename
	case FieldType:
		return r.Type
	case FieldOwner:
		return r.Owner
	case FieldShipTo:
		return r.ShipTo
	}
	return ""
}

// And matches when every member matches.
type And struct {
	preds []Predicate
}

// AllOf combines predicates with AND.
func AllOf(preds ...Predicate) And {
	return And{preds: append([]Predicate(nil), preds...)}
}

// Matches reports whether every member matches r.
func (a And) Matches(r models.FileRecord) bool {
	for _, p := range a.preds {
		if !p.Matches(r) {
			return false
		}
	}
	return true
}

// Conditions returns the leaf conditions of every member.
func (a And) Conditions() []Condition {
	var out []Condition
	for _, p := range a.preds {
		out = append(out, p.Conditions()...)
	}
	return out
}
