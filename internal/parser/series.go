package parser

import "fmt"

// SelectSeries returns the indexes of numeric series columns: every column not
// in exclude whose sampled values parse as finite numbers with at least the
// given coverage. An empty sample keeps every candidate. When nothing clears
// the bar every candidate is kept; with no candidates at all it fails with
// ErrNoNumericSeries.
func SelectSeries(s *Sample, exclude []int, coverage float64) ([]int, error) {
	skip := make(map[int]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}

	var candidates, series []int
	n := s.Len()
	for k := range s.Schema.Headers {
		if _, ok := skip[k]; ok {
			continue
		}
		candidates = append(candidates, k)

		if n == 0 {
			series = append(series, k)
			continue
		}
		ok := 0
		for _, row := range s.Rows {
			if _, isNum := ParseNumber(row[k]); isNum {
				ok++
			}
		}
		if float64(ok)/float64(n) >= coverage {
			series = append(series, k)
		}
	}

	if len(series) == 0 {
		series = candidates
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no columns besides the time column", ErrNoNumericSeries)
	}
	return series, nil
}
