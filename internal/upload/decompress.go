package upload

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
)

// EncodingGzip marks a chunked upload whose merged payload is gzip compressed.
const EncodingGzip = "gzip"

type progressReader struct {
	ctx    context.Context
	r      io.Reader
	n      int64
	report func(n int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.n += int64(n)
	if n > 0 && p.report != nil {
		p.report(p.n)
	}
	return n, err
}

// decompressFile replaces a gzip file with its decompressed contents,
// reporting compressed bytes consumed. A file without the gzip magic is left
// as is and reported as not compressed. expected, when positive, must match
// the decompressed size.
func decompressFile(ctx context.Context, path string, expected int64, report func(n int64)) (bool, int64, error) {
	compressed, err := os.Open(path)
	if err != nil {
		return false, 0, err
	}
	defer compressed.Close()

	br := bufio.NewReader(&progressReader{ctx: ctx, r: compressed, report: report})
	magic, err := br.Peek(2)
	if err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
		return false, 0, nil
	}

	reader, err := gzip.NewReader(br)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	defer reader.Close()

	tempPath := path + ".decompressing"
	out, err := os.Create(tempPath)
	if err != nil {
		return false, 0, err
	}

	written, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		if ctx.Err() != nil {
			return false, 0, err
		}
		return false, 0, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}

	if expected > 0 && written != expected {
		os.Remove(tempPath)
		return false, 0, fmt.Errorf("%w: decompressed size mismatch: got %d bytes, expected %d bytes", ErrBadEncoding, written, expected)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return false, 0, err
	}
	return true, written, nil
}
