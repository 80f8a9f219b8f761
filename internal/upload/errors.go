package upload

import (
	"errors"

	"github.com/tsviz/backend/internal/parser"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidState  = errors.New("invalid job state")
	ErrInvalidChunk  = errors.New("invalid chunk")
	ErrMissingChunks = errors.New("missing_chunks")
	ErrStalled       = errors.New("stalled")
	ErrBadEncoding   = errors.New("invalid_encoding")
	ErrInvalidInput  = errors.New("invalid input")
)

// Condition codes stored on failed jobs.
const (
	CodeMissingChunks   = "missing_chunks"
	CodeNoTimeColumn    = "no_time_column"
	CodeNoNumericSeries = "no_numeric_series"
	CodeStalled         = "stalled"
	CodeInvalidEncoding = "invalid_encoding"
	CodeInternal        = "internal_error"
	CodeFailed          = "processing_failed"
)

// MissingChunksError lists the chunk indices absent at completion.
type MissingChunksError struct {
	Total   int
	Missing []int
}

func (e *MissingChunksError) Error() string {
	return "missing_chunks"
}

func (e *MissingChunksError) Unwrap() error {
	return ErrMissingChunks
}

// Code maps an error to the condition code reported to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingChunks):
		return CodeMissingChunks
	case errors.Is(err, parser.ErrNoTimeColumn):
		return CodeNoTimeColumn
	case errors.Is(err, parser.ErrNoNumericSeries):
		return CodeNoNumericSeries
	case errors.Is(err, ErrStalled):
		return CodeStalled
	case errors.Is(err, ErrBadEncoding):
		return CodeInvalidEncoding
	default:
		return CodeFailed
	}
}
