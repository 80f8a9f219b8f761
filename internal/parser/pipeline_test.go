package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsviz/backend/internal/models"
)

func newTestAnalyzer(opts Options) *StreamAnalyzer {
	if opts.Now == nil {
		opts.Now = func() time.Time { return testAnchor }
	}
	return NewStreamAnalyzer(opts)
}

func TestAnalyze_EndToEnd(t *testing.T) {
	path := createTestFile(t, "time,a,b\n"+
		"2024-01-01T00:00:00Z,1,2\n"+
		"2024-01-01T00:01:00Z,2,\n"+
		"2024-01-01T00:02:00Z,3,4\n")

	res, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, "time", res.Columns.Time)
	assert.Equal(t, []string{"a", "b"}, res.Columns.Series)
	require.Len(t, res.Data, 3)
	assert.Equal(t, 3, res.Meta.Rows)
	assert.Equal(t, ",", res.Meta.Delimiter)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"columns": {"time": "time", "series": ["a", "b"]},
		"data": [
			{"time": "2024-01-01T00:00:00.000Z", "a": 1, "b": 2},
			{"time": "2024-01-01T00:01:00.000Z", "a": 2, "b": null},
			{"time": "2024-01-01T00:02:00.000Z", "a": 3, "b": 4}
		],
		"stats": {
			"a": {"count": 3, "min": 1, "max": 3, "mean": 2},
			"b": {"count": 2, "min": 2, "max": 4, "mean": 3}
		}
	}`, string(out))
}

func TestAnalyze_Semicolon(t *testing.T) {
	path := createTestFile(t, "\ufeffdate;temp\r\n2024-01-01;20,5%\r\n2024-01-02;21\r\n")

	res, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "date", res.Columns.Time)
	assert.Equal(t, ";", res.Meta.Delimiter)
	require.Len(t, res.Data, 2)

	// "20,5%" is not strictly numeric but still yields a value.
	v, ok := res.Data[0].Value(0)
	require.True(t, ok)
	assert.Equal(t, 205.0, v)
}

func TestAnalyze_DropsUnresolvedRows(t *testing.T) {
	path := createTestFile(t, "time,v\n"+
		"2024-01-01,1\n"+
		"2024-01-02,2\n"+
		"garbage,100\n"+
		"2024-01-03,3\n")

	res, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Len(t, res.Data, 3)
	assert.Equal(t, 1, res.Meta.Dropped)
	assert.Equal(t, 3, res.Stats["v"].Count)
	assert.Equal(t, 3.0, *res.Stats["v"].Max)
}

func TestAnalyze_RaggedAndBlankColumns(t *testing.T) {
	path := createTestFile(t, "time,,v,v\n"+
		"2024-01-01,x,1,10\n"+
		"2024-01-02,x,2\n"+
		"2024-01-03,x,3,30,extra\n")

	res, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"v", "v_2"}, res.Columns.Series)
	assert.Equal(t, 2, res.Stats["v_2"].Count)
	assert.Equal(t, 3, res.Stats["v"].Count)
}

func TestAnalyze_CompositeExcludesDateParts(t *testing.T) {
	path := createTestFile(t, "year,month,day,value\n2024,1,15,10\n2024,1,16,11\n")

	res, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TimeComposite, res.Columns.Time)
	assert.Equal(t, []string{"value"}, res.Columns.Series)
	assert.Equal(t, "2024-01-15T00:00:00.000Z", models.FormatTime(res.Data[0].Time))
}

func TestAnalyze_RowIndexFallback(t *testing.T) {
	path := createTestFile(t, "name,value\nalpha,1\nbeta,2\n")

	res, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TimeRowIndex, res.Columns.Time)
	assert.Equal(t, []string{"value"}, res.Columns.Series)
	require.Len(t, res.Data, 2)
	assert.Equal(t, testAnchor.Add(time.Second), res.Data[0].Time)
	assert.Equal(t, testAnchor.Add(2*time.Second), res.Data[1].Time)
}

func TestAnalyze_NoTimeColumn(t *testing.T) {
	profile := DefaultProfile()
	profile.AllowRowIndex = false
	path := createTestFile(t, "name,value\nalpha,1\n")

	_, err := newTestAnalyzer(Options{Profile: profile}).Analyze(context.Background(), path, nil)
	assert.ErrorIs(t, err, ErrNoTimeColumn)
}

func TestAnalyze_NoNumericSeries(t *testing.T) {
	path := createTestFile(t, "time\n2024-01-01\n")

	_, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	assert.ErrorIs(t, err, ErrNoNumericSeries)
}

func TestAnalyze_EmptyFile(t *testing.T) {
	path := createTestFile(t, "")

	_, err := newTestAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	assert.ErrorIs(t, err, ErrNoTimeColumn)
}

func TestAnalyze_Decimates(t *testing.T) {
	var b strings.Builder
	b.WriteString("time,v\n")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2500; i++ {
		fmt.Fprintf(&b, "%d,%d\n", base.Add(time.Duration(i)*time.Second).UnixMilli(), i)
	}
	path := createTestFile(t, b.String())

	var last Progress
	calls := 0
	res, err := newTestAnalyzer(Options{MaxPoints: 100}).Analyze(context.Background(), path, func(p Progress) {
		assert.GreaterOrEqual(t, p.BytesRead, last.BytesRead)
		last = p
		calls++
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(res.Data), 100)
	assert.Equal(t, 2500, res.Stats["v"].Count)
	assert.Equal(t, 2499.0, *res.Stats["v"].Max)
	assert.Greater(t, calls, 0)
	assert.Equal(t, int64(len(b.String())), last.BytesRead)
	assert.Equal(t, 2500, last.Rows)
}

func TestAnalyze_Canceled(t *testing.T) {
	path := createTestFile(t, "time,v\n2024-01-01,1\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestAnalyzer(Options{}).Analyze(ctx, path, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyze_Idempotent(t *testing.T) {
	path := createTestFile(t, "name,value\nalpha,1\nbeta,2\n")

	first, err := NewStreamAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)
	second, err := NewStreamAnalyzer(Options{}).Analyze(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Columns, second.Columns)
	assert.Equal(t, first.Stats, second.Stats)
}
