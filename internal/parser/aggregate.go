package parser

import (
	"math"
	"time"

	"github.com/tsviz/backend/internal/models"
)

// DefaultMaxPoints caps the emitted point list.
const DefaultMaxPoints = 200000

type runningStat struct {
	count    int
	sum      float64
	min, max float64
}

func (r *runningStat) add(v float64) {
	if r.count == 0 {
		r.min, r.max = v, v
	} else {
		r.min = math.Min(r.min, v)
		r.max = math.Max(r.max, v)
	}
	r.count++
	r.sum += v
}

func (r *runningStat) stats() models.SeriesStats {
	if r.count == 0 {
		return models.SeriesStats{}
	}
	mean := r.sum / float64(r.count)
	lo, hi := r.min, r.max
	return models.SeriesStats{Count: r.count, Min: &lo, Max: &hi, Mean: &mean}
}

// Aggregator folds resolved rows into running statistics and a decimated
// point list. Statistics see every row; only the point list is decimated.
//
// A point is kept when its row index is a multiple of step. When the list
// grows past maxPoints, step becomes the smallest multiple of the current
// step that is at least ceil(index/maxPoints) and the kept points are thinned
// to the new multiples, so the list never exceeds maxPoints and stays evenly
// spaced by index.
type Aggregator struct {
	series    []string
	stats     []runningStat
	points    []models.DataPoint
	maxPoints int
	step      int
	rows      int
}

// NewAggregator creates an aggregator for the named series.
func NewAggregator(series []string, maxPoints int) *Aggregator {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Aggregator{
		series:    series,
		stats:     make([]runningStat, len(series)),
		maxPoints: maxPoints,
		step:      1,
	}
}

// Add folds one resolved row. values is aligned with the series and uses NaN
// for unparsable cells; it is copied if the row is kept.
func (a *Aggregator) Add(index int, ts time.Time, values []float64) {
	a.rows++
	for k, v := range values {
		if !math.IsNaN(v) {
			a.stats[k].add(v)
		}
	}

	if index%a.step != 0 {
		return
	}
	a.points = append(a.points, models.DataPoint{
		Index:  index,
		Time:   ts,
		Values: append([]float64(nil), values...),
	})
	if len(a.points) > a.maxPoints {
		a.rescale(index)
	}
}

func (a *Aggregator) rescale(index int) {
	need := (index + a.maxPoints - 1) / a.maxPoints
	a.step = ((need + a.step - 1) / a.step) * a.step

	kept := a.points[:0]
	for _, p := range a.points {
		if p.Index%a.step == 0 {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(a.points); i++ {
		a.points[i] = models.DataPoint{}
	}
	a.points = kept
}

// Step returns the current decimation step.
func (a *Aggregator) Step() int {
	return a.step
}

// Rows returns how many rows were folded.
func (a *Aggregator) Rows() int {
	return a.rows
}

// Result finalizes the aggregation under the given time column name.
func (a *Aggregator) Result(timeColumn string) *models.Result {
	stats := make(map[string]models.SeriesStats, len(a.series))
	for k, name := range a.series {
		stats[name] = a.stats[k].stats()
	}
	data := a.points
	if data == nil {
		data = []models.DataPoint{}
	}
	return &models.Result{
		Columns: models.ColumnSpec{Time: timeColumn, Series: a.series},
		Data:    data,
		Stats:   stats,
	}
}
