package parser

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tsviz/backend/internal/models"
)

// TimeStrategy resolves one timestamp per row.
type TimeStrategy interface {
	// Column is the ColumnSpec.Time value: a header or a sentinel.
	Column() string
	// Consumes lists the header indexes read by Resolve.
	Consumes() []int
	// Resolve returns the row timestamp; index is the 1-based running row index.
	Resolve(row []string, index int) (time.Time, bool)
}

// InferContext carries what a TimeInferrer may depend on besides the sample.
type InferContext struct {
	Profile  *Profile
	Location *time.Location
	// Anchor is the processing start; synthetic clocks count from it.
	Anchor time.Time
}

// TimeInferrer is one tier of time-column inference.
type TimeInferrer struct {
	Name  string
	Infer func(s *Sample, ic InferContext) (TimeStrategy, bool)
}

// TimeInferrers returns the tiers in the order they must be tried:
// direct, composite, clock, row index. Each tier assumes the earlier ones failed.
func TimeInferrers(p *Profile) []TimeInferrer {
	tiers := []TimeInferrer{
		{Name: "direct", Infer: inferDirect},
		{Name: "composite", Infer: inferComposite},
		{Name: "clock", Infer: inferClock},
	}
	if p.AllowRowIndex {
		tiers = append(tiers, TimeInferrer{Name: "row_index", Infer: inferRowIndex})
	}
	return tiers
}

// InferTime walks the tiers and returns the first strategy found.
func InferTime(s *Sample, ic InferContext) (TimeStrategy, error) {
	if ic.Profile == nil {
		ic.Profile = DefaultProfile()
	}
	if ic.Location == nil {
		ic.Location = time.UTC
	}
	for _, tier := range TimeInferrers(ic.Profile) {
		if strategy, ok := tier.Infer(s, ic); ok {
			return strategy, nil
		}
	}
	return nil, fmt.Errorf("%w: no column parses as a timestamp", ErrNoTimeColumn)
}

type columnScore struct {
	index int
	score float64
}

// scoreColumns returns match coverage per header, best first; ties keep header order.
func scoreColumns(s *Sample, match func(string) bool) []columnScore {
	scores := make([]columnScore, len(s.Schema.Headers))
	n := s.Len()
	for k := range s.Schema.Headers {
		ok := 0
		for _, row := range s.Rows {
			if match(row[k]) {
				ok++
			}
		}
		scores[k] = columnScore{index: k}
		if n > 0 {
			scores[k].score = float64(ok) / float64(n)
		}
	}
	return scores
}

func sortScores(scores []columnScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})
}

// Direct tier

type directStrategy struct {
	index int
	name  string
	loc   *time.Location
}

func (d *directStrategy) Column() string  { return d.name }
func (d *directStrategy) Consumes() []int { return []int{d.index} }

func (d *directStrategy) Resolve(row []string, _ int) (time.Time, bool) {
	return ParseTimeValue(row[d.index], d.loc)
}

func inferDirect(s *Sample, ic InferContext) (TimeStrategy, bool) {
	headers := s.Schema.Headers
	if len(headers) == 0 {
		return nil, false
	}
	scores := scoreColumns(s, func(v string) bool {
		_, ok := ParseTimeValue(v, ic.Location)
		return ok
	})
	for i := range scores {
		if ic.Profile.nameHint(headers[scores[i].index]) {
			scores[i].score += ic.Profile.NameBonus
		}
	}
	sortScores(scores)

	top := scores[0]
	if top.score < ic.Profile.DirectThreshold {
		return nil, false
	}
	return &directStrategy{index: top.index, name: headers[top.index], loc: ic.Location}, true
}

// Composite tier

type compositeStrategy struct {
	year, month, day     int
	hour, minute, second int // -1 when absent
	loc                  *time.Location
}

func (c *compositeStrategy) Column() string { return models.TimeComposite }

func (c *compositeStrategy) Consumes() []int {
	cols := []int{c.year, c.month, c.day}
	for _, k := range []int{c.hour, c.minute, c.second} {
		if k >= 0 {
			cols = append(cols, k)
		}
	}
	return cols
}

func (c *compositeStrategy) Resolve(row []string, _ int) (time.Time, bool) {
	y, ok := ParseNumber(row[c.year])
	if !ok {
		return time.Time{}, false
	}
	m, ok := ParseNumber(row[c.month])
	if !ok {
		return time.Time{}, false
	}
	d, ok := ParseNumber(row[c.day])
	if !ok {
		return time.Time{}, false
	}
	return time.Date(int(y), time.Month(int(m)), int(d),
		optionalPart(row, c.hour), optionalPart(row, c.minute), optionalPart(row, c.second), 0, c.loc), true
}

// optionalPart reads an hour/minute/second column; absent or unparsable is 0.
func optionalPart(row []string, k int) int {
	if k < 0 {
		return 0
	}
	v, ok := ParseNumber(row[k])
	if !ok {
		return 0
	}
	return int(v)
}

// findHeader returns the first header equal to or containing any token, or -1.
func findHeader(headers []string, tokens []string) int {
	for i, h := range headers {
		lower := strings.ToLower(h)
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				return i
			}
		}
	}
	return -1
}

func inferComposite(s *Sample, ic InferContext) (TimeStrategy, bool) {
	headers := s.Schema.Headers
	tokens := ic.Profile.Composite
	c := &compositeStrategy{
		year:   findHeader(headers, tokens.Year),
		month:  findHeader(headers, tokens.Month),
		day:    findHeader(headers, tokens.Day),
		hour:   findHeader(headers, tokens.Hour),
		minute: findHeader(headers, tokens.Minute),
		second: findHeader(headers, tokens.Second),
		loc:    ic.Location,
	}
	if c.year < 0 || c.month < 0 || c.day < 0 {
		return nil, false
	}
	return c, true
}

// Clock tier

type clockStrategy struct {
	index  int
	anchor time.Time
}

func (c *clockStrategy) Column() string  { return models.TimeClock }
func (c *clockStrategy) Consumes() []int { return []int{c.index} }

func (c *clockStrategy) Resolve(row []string, _ int) (time.Time, bool) {
	offset, ok := ParseClock(row[c.index])
	if !ok {
		return time.Time{}, false
	}
	return c.anchor.Add(offset), true
}

func inferClock(s *Sample, ic InferContext) (TimeStrategy, bool) {
	if len(s.Schema.Headers) == 0 {
		return nil, false
	}
	scores := scoreColumns(s, isClockLike)
	sortScores(scores)
	if scores[0].score < ic.Profile.ClockThreshold {
		return nil, false
	}
	return &clockStrategy{index: scores[0].index, anchor: ic.Anchor}, true
}

// Row index tier

type rowIndexStrategy struct {
	anchor time.Time
}

func (r *rowIndexStrategy) Column() string  { return models.TimeRowIndex }
func (r *rowIndexStrategy) Consumes() []int { return nil }

func (r *rowIndexStrategy) Resolve(_ []string, index int) (time.Time, bool) {
	return r.anchor.Add(time.Duration(index) * time.Second), true
}

func inferRowIndex(_ *Sample, ic InferContext) (TimeStrategy, bool) {
	return &rowIndexStrategy{anchor: ic.Anchor}, true
}
