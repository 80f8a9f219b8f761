package parser

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/tsviz/backend/internal/models"
)

const (
	// DefaultSampleRows bounds the inference sample.
	DefaultSampleRows = 1000
	// RowTick is how often, in rows, progress is reported regardless of bytes.
	RowTick = 10000
)

// Options configures a StreamAnalyzer.
type Options struct {
	SampleRows int
	MaxPoints  int
	Profile    *Profile
	Location   *time.Location
	// Now anchors synthetic clocks; defaults to time.Now.
	Now func() time.Time
}

// StreamAnalyzer samples a file, infers its schema and folds the whole file
// through an Aggregator in a single forward pass.
type StreamAnalyzer struct {
	opts Options
}

// NewStreamAnalyzer fills unset options with defaults.
func NewStreamAnalyzer(opts Options) *StreamAnalyzer {
	if opts.SampleRows <= 0 {
		opts.SampleRows = DefaultSampleRows
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultMaxPoints
	}
	if opts.Profile == nil {
		opts.Profile = DefaultProfile()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StreamAnalyzer{opts: opts}
}

// Plan is the outcome of inference on a sample.
type Plan struct {
	Schema *Schema
	Time   TimeStrategy
	Series []int
}

// SeriesNames returns the header names of the selected series.
func (p *Plan) SeriesNames() []string {
	names := make([]string, len(p.Series))
	for i, k := range p.Series {
		names[i] = p.Schema.Headers[k]
	}
	return names
}

// Infer builds a Plan from a sample.
func (a *StreamAnalyzer) Infer(s *Sample, anchor time.Time) (*Plan, error) {
	strategy, err := InferTime(s, InferContext{
		Profile:  a.opts.Profile,
		Location: a.opts.Location,
		Anchor:   anchor,
	})
	if err != nil {
		return nil, err
	}
	series, err := SelectSeries(s, strategy.Consumes(), a.opts.Profile.SeriesCoverage)
	if err != nil {
		return nil, err
	}
	return &Plan{Schema: s.Schema, Time: strategy, Series: series}, nil
}

// Analyze implements Analyzer.
func (a *StreamAnalyzer) Analyze(ctx context.Context, filePath string, onProgress ProgressFunc) (*models.Result, error) {
	anchor := a.opts.Now().Truncate(time.Millisecond)

	sample, err := SniffFile(filePath, a.opts.SampleRows)
	if err != nil {
		return nil, err
	}
	plan, err := a.Infer(sample, anchor)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	counter := &countingReader{ctx: ctx, r: file}
	counter.onRead = func(total int64) {
		onProgress(Progress{BytesRead: total, Rows: counter.rows})
	}

	result, err := a.fold(plan, newCSVReader(OpenText(counter), plan.Schema.Delimiter), counter)
	if err != nil {
		return nil, fmt.Errorf("streaming %s: %w", filePath, err)
	}
	onProgress(Progress{BytesRead: counter.total, Rows: counter.rows})
	result.Meta.Delimiter = string(plan.Schema.Delimiter)
	return result, nil
}

func (a *StreamAnalyzer) fold(plan *Plan, reader *csv.Reader, counter *countingReader) (*models.Result, error) {
	if _, err := readHeader(reader); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: file has no header row", ErrNoTimeColumn)
		}
		return nil, err
	}

	agg := NewAggregator(plan.SeriesNames(), a.opts.MaxPoints)
	row := make([]string, len(plan.Schema.Headers))
	values := make([]float64, len(plan.Series))
	var meta models.ResultMeta

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				meta.Skipped++
				continue
			}
			return nil, err
		}

		meta.Rows++
		counter.rows = meta.Rows
		if meta.Rows%RowTick == 0 {
			counter.tick()
		}

		row = plan.Schema.Project(rec, row)
		ts, ok := plan.Time.Resolve(row, meta.Rows)
		if !ok {
			meta.Dropped++
			continue
		}
		for i, k := range plan.Series {
			if v, ok := ParseLooseNumber(row[k]); ok {
				values[i] = v
			} else {
				values[i] = math.NaN()
			}
		}
		agg.Add(meta.Rows, ts, values)
	}

	result := agg.Result(plan.Time.Column())
	meta.Step = agg.Step()
	result.Meta = meta
	return result, nil
}

// countingReader reports cumulative bytes read and aborts once ctx is done.
type countingReader struct {
	ctx    context.Context
	r      io.Reader
	total  int64
	rows   int
	onRead func(total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.onRead != nil {
			c.onRead(c.total)
		}
	}
	return n, err
}

func (c *countingReader) tick() {
	if c.onRead != nil {
		c.onRead(c.total)
	}
}
