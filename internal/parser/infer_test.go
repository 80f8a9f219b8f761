package parser

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsviz/backend/internal/models"
)

var testAnchor = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleOf(headers []string, rows ...[]string) *Sample {
	s := &Sample{Schema: NewSchema(',', headers)}
	for _, r := range rows {
		s.Rows = append(s.Rows, s.Schema.Project(r, nil))
	}
	return s
}

func testContext() InferContext {
	return InferContext{Profile: DefaultProfile(), Location: time.UTC, Anchor: testAnchor}
}

func TestInferTime_Direct(t *testing.T) {
	s := sampleOf([]string{"value", "recorded_at"},
		[]string{"1", "2024-01-01T00:00:00Z"},
		[]string{"2", "2024-01-01T00:01:00Z"},
		[]string{"3", "2024-01-01T00:02:00Z"},
	)
	strategy, err := InferTime(s, testContext())
	require.NoError(t, err)
	assert.Equal(t, "recorded_at", strategy.Column())
	assert.Equal(t, []int{1}, strategy.Consumes())

	ts, ok := strategy.Resolve(s.Rows[1], 2)
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T00:01:00.000Z", models.FormatTime(ts))
}

func TestInferTime_TieKeepsHeaderOrder(t *testing.T) {
	s := sampleOf([]string{"start", "end", "v"},
		[]string{"2024-01-01", "2024-01-02", "1"},
		[]string{"2024-01-03", "2024-01-04", "2"},
	)
	strategy, err := InferTime(s, testContext())
	require.NoError(t, err)
	assert.Equal(t, "start", strategy.Column())
}

func TestInferTime_NameBonus(t *testing.T) {
	rows := make([][]string, 0, 10)
	for i := 0; i < 10; i++ {
		cell := "n/a"
		if i < 4 {
			cell = fmt.Sprintf("2024-01-%02d", i+1)
		}
		rows = append(rows, []string{cell, fmt.Sprint(i)})
	}

	// 0.4 coverage plus the bonus clears 0.5.
	hinted := sampleOf([]string{"ts", "value"}, rows...)
	strategy, err := InferTime(hinted, testContext())
	require.NoError(t, err)
	assert.Equal(t, "ts", strategy.Column())

	// The same coverage without a hinted name does not.
	plain := sampleOf([]string{"recorded", "value"}, rows...)
	strategy, err = InferTime(plain, testContext())
	require.NoError(t, err)
	assert.Equal(t, models.TimeRowIndex, strategy.Column())

	// Names merely containing a hint get no bonus.
	for _, name := range []string{"status", "uptime"} {
		s := sampleOf([]string{name, "value"}, rows...)
		strategy, err = InferTime(s, testContext())
		require.NoError(t, err)
		assert.Equal(t, models.TimeRowIndex, strategy.Column(), name)
	}
}

func TestInferTime_Composite(t *testing.T) {
	s := sampleOf([]string{"year", "month", "day", "value"},
		[]string{"2024", "1", "15", "10"},
		[]string{"2024", "1", "16", "11"},
	)
	strategy, err := InferTime(s, testContext())
	require.NoError(t, err)
	assert.Equal(t, models.TimeComposite, strategy.Column())
	assert.ElementsMatch(t, []int{0, 1, 2}, strategy.Consumes())

	ts, ok := strategy.Resolve(s.Rows[0], 1)
	require.True(t, ok)
	assert.Equal(t, "2024-01-15T00:00:00.000Z", models.FormatTime(ts))

	_, ok = strategy.Resolve([]string{"x", "1", "15", "10"}, 3)
	assert.False(t, ok)
}

func TestInferTime_CompositeWithTimeParts(t *testing.T) {
	s := sampleOf([]string{"yr", "mon", "dd", "hour", "minute", "v"},
		[]string{"2024", "2", "29", "13", "45", "1"},
	)
	strategy, err := InferTime(s, testContext())
	require.NoError(t, err)
	assert.Equal(t, models.TimeComposite, strategy.Column())
	assert.Len(t, strategy.Consumes(), 5)

	ts, ok := strategy.Resolve(s.Rows[0], 1)
	require.True(t, ok)
	assert.Equal(t, "2024-02-29T13:45:00.000Z", models.FormatTime(ts))
}

func TestInferTime_Clock(t *testing.T) {
	rows := [][]string{
		{"00:00:01", "1"},
		{"00:00:02", "2"},
		{"00:00:03.500", "3"},
		{"00:01:00", "4"},
		{"bad", "5"},
	}
	s := sampleOf([]string{"clock", "value"}, rows...)
	strategy, err := InferTime(s, testContext())
	require.NoError(t, err)
	assert.Equal(t, models.TimeClock, strategy.Column())

	var prev time.Time
	for i, r := range rows[:4] {
		ts, ok := strategy.Resolve(r, i+1)
		require.True(t, ok)
		assert.True(t, ts.After(prev), "row %d not increasing", i)
		prev = ts
	}
	first, _ := strategy.Resolve(rows[0], 1)
	assert.Equal(t, testAnchor.Add(time.Second), first)

	_, ok := strategy.Resolve(rows[4], 5)
	assert.False(t, ok)
}

func TestInferTime_ClockBelowThreshold(t *testing.T) {
	s := sampleOf([]string{"clock", "value"},
		[]string{"00:00:01", "1"},
		[]string{"later", "2"},
	)
	strategy, err := InferTime(s, testContext())
	require.NoError(t, err)
	assert.Equal(t, models.TimeRowIndex, strategy.Column())
}

func TestInferTime_RowIndex(t *testing.T) {
	s := sampleOf([]string{"name", "value"},
		[]string{"alpha", "1"},
		[]string{"beta", "2"},
	)
	strategy, err := InferTime(s, testContext())
	require.NoError(t, err)
	assert.Equal(t, models.TimeRowIndex, strategy.Column())
	assert.Empty(t, strategy.Consumes())

	ts, ok := strategy.Resolve(nil, 3)
	require.True(t, ok)
	assert.Equal(t, testAnchor.Add(3*time.Second), ts)
}

func TestInferTime_RowIndexDisabled(t *testing.T) {
	ic := testContext()
	ic.Profile.AllowRowIndex = false

	s := sampleOf([]string{"name", "value"}, []string{"alpha", "1"})
	_, err := InferTime(s, ic)
	assert.ErrorIs(t, err, ErrNoTimeColumn)
}

func TestInferTime_TierOrder(t *testing.T) {
	names := []string{}
	for _, tier := range TimeInferrers(DefaultProfile()) {
		names = append(names, tier.Name)
	}
	assert.Equal(t, []string{"direct", "composite", "clock", "row_index"}, names)
}

func TestSelectSeries(t *testing.T) {
	t.Run("coverage threshold", func(t *testing.T) {
		rows := make([][]string, 10)
		for i := range rows {
			a, b, c := "x", "x", fmt.Sprint(i)
			if i < 3 {
				a = fmt.Sprint(i)
			}
			if i < 2 {
				b = fmt.Sprint(i)
			}
			rows[i] = []string{"2024-01-01", a, b, c}
		}
		s := sampleOf([]string{"time", "a", "b", "c"}, rows...)
		got, err := SelectSeries(s, []int{0}, 0.3)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3}, got)
	})

	t.Run("falls back to every column", func(t *testing.T) {
		s := sampleOf([]string{"time", "label", "note"}, []string{"2024-01-01", "on", "ok"})
		got, err := SelectSeries(s, []int{0}, 0.3)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, got)
	})

	t.Run("empty sample keeps everything", func(t *testing.T) {
		s := sampleOf([]string{"time", "a"})
		got, err := SelectSeries(s, []int{0}, 0.3)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, got)
	})

	t.Run("no columns left", func(t *testing.T) {
		s := sampleOf([]string{"time"}, []string{"2024-01-01"})
		_, err := SelectSeries(s, []int{0}, 0.3)
		assert.ErrorIs(t, err, ErrNoNumericSeries)
	})
}
