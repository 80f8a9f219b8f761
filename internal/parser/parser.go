// Package parser infers the schema of delimited time-series files and reduces
// them to a downsampled, pre-aggregated result in one streaming pass.
package parser

import (
	"context"
	"errors"

	"github.com/tsviz/backend/internal/models"
)

// Conditions surfaced to users instead of a generic failure.
var (
	ErrNoTimeColumn    = errors.New("no_time_column")
	ErrNoNumericSeries = errors.New("no_numeric_series")
)

// Progress is the cumulative state of a streaming pass.
type Progress struct {
	BytesRead int64
	Rows      int
}

// ProgressFunc is called as input bytes are consumed and every RowTick rows.
type ProgressFunc func(Progress)

// Analyzer turns a file on disk into a Result.
type Analyzer interface {
	Analyze(ctx context.Context, filePath string, onProgress ProgressFunc) (*models.Result, error)
}
