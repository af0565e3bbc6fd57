package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCols = Columns{
	"pk":    "calc_jobs.pk",
	"label": "calc_jobs.label",
	"state": "processings.state",
}

func mustParse(t *testing.T, input string) (string, []any) {
	t.Helper()
	f, err := Parse(input, testCols)
	require.NoError(t, err)
	require.NotNil(t, f)
	return f.Clause()
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse("", testCols)
	require.NoError(t, err)
	assert.Nil(t, f, "empty input means no filter")

	f, err = Parse("   ", testCols)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestParse_StringEquality(t *testing.T) {
	sql, args := mustParse(t, "label == 'mycalc'")
	assert.Equal(t, "calc_jobs.label = ?", sql)
	assert.Equal(t, []any{"mycalc"}, args)
}

func TestParse_QuoteEscape(t *testing.T) {
	_, args := mustParse(t, "label == 'it''s fine'")
	assert.Equal(t, []any{"it's fine"}, args)
}

func TestParse_Numbers(t *testing.T) {
	sql, args := mustParse(t, "pk > 10")
	assert.Equal(t, "calc_jobs.pk > ?", sql)
	assert.Equal(t, []any{int64(10)}, args)

	_, args = mustParse(t, "pk >= 1.5")
	assert.Equal(t, []any{1.5}, args)

	_, args = mustParse(t, "pk < -3")
	assert.Equal(t, []any{int64(-3)}, args)
}

func TestParse_NotEqual(t *testing.T) {
	sql, _ := mustParse(t, "state != 'playing'")
	assert.Equal(t, "processings.state <> ?", sql)
}

func TestParse_Booleans(t *testing.T) {
	_, args := mustParse(t, "state == TRUE")
	assert.Equal(t, []any{true}, args)

	_, args = mustParse(t, "state == false")
	assert.Equal(t, []any{false}, args)
}

func TestParse_Null(t *testing.T) {
	sql, args := mustParse(t, "state == NULL")
	assert.Equal(t, "processings.state IS NULL", sql)
	assert.Empty(t, args)

	sql, _ = mustParse(t, "state != null")
	assert.Equal(t, "processings.state IS NOT NULL", sql)

	_, err := Parse("state > NULL", testCols)
	assert.Error(t, err)
}

func TestParse_Like(t *testing.T) {
	sql, args := mustParse(t, "label LIKE 'si_%'")
	assert.Equal(t, "calc_jobs.label LIKE ?", sql)
	assert.Equal(t, []any{"si_%"}, args)

	sql, _ = mustParse(t, "label NOT LIKE 'si_%'")
	assert.Equal(t, "calc_jobs.label NOT LIKE ?", sql)

	_, err := Parse("label LIKE 5", testCols)
	assert.Error(t, err, "LIKE requires a string pattern")
}

func TestParse_In(t *testing.T) {
	sql, args := mustParse(t, "state IN ('finished', 'excepted')")
	assert.Equal(t, "processings.state IN (?, ?)", sql)
	assert.Equal(t, []any{"finished", "excepted"}, args)

	sql, args = mustParse(t, "pk NOT IN (1, 2, 3)")
	assert.Equal(t, "calc_jobs.pk NOT IN (?, ?, ?)", sql)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, args)
}

func TestParse_InRequiresList(t *testing.T) {
	_, err := Parse("state IN 'finished'", testCols)
	assert.Error(t, err)

	_, err = Parse("state == ('a', 'b')", testCols)
	assert.Error(t, err)

	_, err = Parse("state IN ('a', NULL)", testCols)
	assert.Error(t, err)
}

func TestParse_NotOnlyWithLikeOrIn(t *testing.T) {
	_, err := Parse("label NOT == 'x'", testCols)
	assert.Error(t, err)
}

func TestParse_ChainsGroupLeftToRight(t *testing.T) {
	sql, args := mustParse(t, "pk > 1 AND pk < 9 OR label == 'x'")
	assert.Equal(t, "((calc_jobs.pk > ? AND calc_jobs.pk < ?) OR calc_jobs.label = ?)", sql)
	assert.Equal(t, []any{int64(1), int64(9), "x"}, args)

	// Left grouping differs from SQL precedence when OR comes first.
	sql, _ = mustParse(t, "pk > 1 OR pk < 9 AND label == 'x'")
	assert.Equal(t, "((calc_jobs.pk > ? OR calc_jobs.pk < ?) AND calc_jobs.label = ?)", sql)
}

func TestParse_KeywordsAreCaseInsensitive(t *testing.T) {
	sql, _ := mustParse(t, "pk > 1 and label like 'x%'")
	assert.Equal(t, "(calc_jobs.pk > ? AND calc_jobs.label LIKE ?)", sql)

	sql, _ = mustParse(t, "label not in ('a')")
	assert.Equal(t, "calc_jobs.label NOT IN (?)", sql)
}

func TestParse_UnknownColumn(t *testing.T) {
	_, err := Parse("secret == 'x'", testCols)
	require.Error(t, err)

	var ferr *FilterError
	require.True(t, errors.As(err, &ferr))
	assert.Contains(t, ferr.Error(), "unknown column")
	assert.Contains(t, ferr.Error(), "label, pk, state", "error should list allowed columns")
}

func TestParse_SyntaxError(t *testing.T) {
	for _, input := range []string{
		"label ==",
		"== 'x'",
		"label = 'x'",
		"label == 'x' AND",
		"(label == 'x')",
	} {
		_, err := Parse(input, testCols)
		var ferr *FilterError
		assert.True(t, errors.As(err, &ferr), "input %q should fail with FilterError", input)
	}
}
