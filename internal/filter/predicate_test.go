package filter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cond(t *testing.T, f Field, op Operator, operand any) Condition {
	t.Helper()
	c, err := NewCondition(f, op, operand)
	require.NoError(t, err)
	return c
}

func TestNewCondition_Validation(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		op      Operator
		operand any
		wantErr bool
	}{
		{"text equals", FieldShipTo, Equals, "DC-1", false},
		{"text contains", FieldFilename, Contains, "rep", false},
		{"size ge int", FieldSize, GreaterOrEqual, 10, false},
		{"size ge int64", FieldSize, GreaterOrEqual, int64(10), false},
		{"time ge", FieldUploadedAt, GreaterOrEqual, time.Now(), false},
		{"contains on time", FieldUploadedAt, Contains, "2025", true},
		{"contains on size", FieldSize, Contains, "1", true},
		{"ge on text", FieldFilename, GreaterOrEqual, "a", true},
		{"text with int operand", FieldFilename, Equals, 3, true},
		{"time with string operand", FieldUploadedAt, Equals, "2025-01-01", true},
		{"unknown field", Field("colour"), Equals, "red", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCondition(tc.field, tc.op, tc.operand)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, common.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCondition_Matches(t *testing.T) {
	at := time.Date(2025, 5, 2, 9, 30, 0, 0, time.UTC)
	r := models.FileRecord{
		ID:         "1",
		Key:        "uploads/1-report.csv",
		Filename:   "Report.csv",
		Size:       models.Int64(500),
		Type:       "text/csv",
		UploadedAt: at,
		ShipTo:     "DC-7",
	}

	assert.True(t, cond(t, FieldFilename, Contains, "port").Matches(r))
	assert.False(t, cond(t, FieldFilename, Contains, "report").Matches(r), "contains is case sensitive")
	assert.True(t, cond(t, FieldShipTo, Equals, "DC-7").Matches(r))
	assert.False(t, cond(t, FieldShipTo, Equals, "DC").Matches(r))
	assert.True(t, cond(t, FieldSize, GreaterOrEqual, 500).Matches(r))
	assert.False(t, cond(t, FieldSize, GreaterOrEqual, 501).Matches(r))
	assert.True(t, cond(t, FieldSize, Equals, 500).Matches(r))
	assert.True(t, cond(t, FieldUploadedAt, GreaterOrEqual, at).Matches(r))
	assert.True(t, cond(t, FieldUploadedAt, GreaterOrEqual, at.Add(-time.Hour)).Matches(r))
	assert.False(t, cond(t, FieldUploadedAt, GreaterOrEqual, at.Add(time.Second)).Matches(r))
	assert.True(t, cond(t, FieldUploadedAt, Equals, at.In(time.FixedZone("x", 3600))).Matches(r))

	unknownSize := r
	unknownSize.Size = nil
	assert.False(t, cond(t, FieldSize, GreaterOrEqual, 0).Matches(unknownSize))
}

func TestContains_SubstringProperty(t *testing.T) {
	names := []string{"report.csv", "a", "", "quarterly report final.xlsx", "REPORT.csv"}
	needles := []string{"", "report", "csv", "x", "final"}
	for _, name := range names {
		for _, needle := range needles {
			r := models.FileRecord{Filename: name}
			got := cond(t, FieldFilename, Contains, needle).Matches(r)
			assert.Equal(t, containsRef(name, needle), got, "%q in %q", needle, name)
		}
	}
}

func containsRef(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestAndAndSet(t *testing.T) {
	r := models.FileRecord{Filename: "report.csv", ShipTo: "DC-1"}
	a := AllOf(cond(t, FieldFilename, Contains, "report"), cond(t, FieldShipTo, Equals, "DC-1"))
	assert.True(t, a.Matches(r))
	assert.Len(t, a.Conditions(), 2)

	s := NewSet(a, cond(t, FieldType, Equals, "text/csv"))
	assert.False(t, s.Matches(r))
	assert.Len(t, s.Conditions(), 3)

	assert.True(t, Set{}.Empty())
	assert.True(t, Set{}.Matches(r))
	assert.True(t, AllOf().Matches(r))
}

func TestSet_WithDoesNotMutate(t *testing.T) {
	base := NewSet(cond(t, FieldShipTo, Equals, "A"))
	extended := base.With(cond(t, FieldFilename, Contains, "x"))
	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, extended.Len())
}

func TestSet_Apply(t *testing.T) {
	records := []models.FileRecord{{ID: "1", ShipTo: "A"}, {ID: "2", ShipTo: "B"}, {ID: "3", ShipTo: "A"}}
	got := NewSet(cond(t, FieldShipTo, Equals, "A")).Apply(records)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)

	assert.Equal(t, records, Set{}.Apply(records))
}

func TestParse_FromJSON(t *testing.T) {
	raw := `[
		{"field":"filename","operator":"contains","operand":"report"},
		{"field":"shipTo","operator":"eq","operand":"DC-1"},
		{"field":"uploadedAt","operator":"ge","operand":"2025-05-01"},
		{"field":"size","operator":"greaterOrEqual","operand":100}
	]`
	var exprs []Expression
	require.NoError(t, json.Unmarshal([]byte(raw), &exprs))

	set, err := Parse(exprs)
	require.NoError(t, err)
	require.Equal(t, 4, set.Len())

	conds := set.Conditions()
	assert.Equal(t, Equals, conds[1].Operator())
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), conds[2].Operand())
	assert.Equal(t, int64(100), conds[3].Operand())
}

func TestParse_Invalid(t *testing.T) {
	cases := [][]Expression{
		{{Field: "uploadedAt", Operator: "contains", Operand: "2025"}},
		{{Field: "filename", Operator: "like", Operand: "x"}},
		{{Field: "size", Operator: "ge", Operand: 1.5}},
		{{Field: "uploadedAt", Operator: "ge", Operand: "yesterday"}},
		{{Field: "nope", Operator: "eq", Operand: "x"}},
	}
	for _, exprs := range cases {
		_, err := Parse(exprs)
		assert.ErrorIs(t, err, common.ErrValidation, "%+v", exprs)
	}
}

func TestCondition_ExpressionRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := cond(t, FieldUploadedAt, GreaterOrEqual, at)
	back, err := c.Expression().Condition()
	require.NoError(t, err)
	assert.Equal(t, at, back.Operand())
}

func TestFromForm(t *testing.T) {
	set, err := FromForm("", "", "")
	require.NoError(t, err)
	assert.True(t, set.Empty())

	set, err = FromForm("report", "DC-9", "2025-06-01")
	require.NoError(t, err)
	conds := set.Conditions()
	require.Len(t, conds, 3)
	assert.Equal(t, FieldFilename, conds[0].Field())
	assert.Equal(t, Contains, conds[0].Operator())
	assert.Equal(t, FieldShipTo, conds[1].Field())
	assert.Equal(t, FieldUploadedAt, conds[2].Field())

	_, err = FromForm("", "", "06/01/2025")
	assert.ErrorIs(t, err, common.ErrValidation)
}
