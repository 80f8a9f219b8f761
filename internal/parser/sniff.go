package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// SniffBytes is how much of a file is inspected for the delimiter.
const SniffBytes = 4096

// blankPrefix marks generated names for blank headers; such columns are dropped.
const blankPrefix = "__blank__"

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// OpenText strips a leading byte order mark and decodes the stream as UTF-8
// (or UTF-16 when the BOM says so).
func OpenText(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// DetectDelimiter picks the candidate with the most occurrences in the first
// line. Ties go to the earlier candidate, so ',' wins any tie; a line with no
// candidate at all also yields ','.
func DetectDelimiter(firstLine string) rune {
	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if c := strings.Count(firstLine, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

// FirstLine returns the text before the first line break of prefix.
func FirstLine(prefix []byte) string {
	if i := bytes.IndexByte(prefix, '\n'); i >= 0 {
		prefix = prefix[:i]
	}
	return strings.TrimSuffix(string(prefix), "\r")
}

// SanitizeHeaders trims names, gives blank names a placeholder and renames
// duplicates to name_2, name_3, ... so every key is unique. Order is kept.
func SanitizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	taken := make(map[string]struct{}, len(raw))
	seen := make(map[string]int, len(raw))

	for i, h := range raw {
		base := strings.TrimSpace(h)
		if base == "" {
			base = blankPrefix + strconv.Itoa(i)
		}
		key := base
		if _, clash := taken[key]; clash {
			n := max(seen[base], 1)
			for {
				n++
				key = base + "_" + strconv.Itoa(n)
				if _, clash := taken[key]; !clash {
					break
				}
			}
			seen[base] = n
		} else {
			seen[base] = 1
		}
		taken[key] = struct{}{}
		out[i] = key
	}
	return out
}

// IsBlankPlaceholder reports whether a sanitized header was generated for a blank name.
func IsBlankPlaceholder(h string) bool {
	return strings.HasPrefix(h, blankPrefix)
}

// Schema maps sanitized, non-blank headers onto record positions.
type Schema struct {
	Delimiter rune
	Headers   []string
	positions []int
}

// NewSchema sanitizes the raw header record and drops blank columns.
func NewSchema(delim rune, rawHeader []string) *Schema {
	s := &Schema{Delimiter: delim}
	for pos, h := range SanitizeHeaders(rawHeader) {
		if IsBlankPlaceholder(h) {
			continue
		}
		s.Headers = append(s.Headers, h)
		s.positions = append(s.positions, pos)
	}
	return s
}

// Index returns the column index of a header, or -1.
func (s *Schema) Index(name string) int {
	for i, h := range s.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

// Project copies the trimmed values of record into dst, one per header.
// Short records leave the missing cells empty; extra cells are ignored.
func (s *Schema) Project(record []string, dst []string) []string {
	if cap(dst) < len(s.Headers) {
		dst = make([]string, len(s.Headers))
	}
	dst = dst[:len(s.Headers)]
	for i, pos := range s.positions {
		if pos < len(record) {
			dst[i] = strings.TrimSpace(record[pos])
		} else {
			dst[i] = ""
		}
	}
	return dst
}

// Sample is the schema plus a prefix of projected rows.
type Sample struct {
	Schema *Schema
	Rows   [][]string
}

// Len returns the number of sampled rows.
func (s *Sample) Len() int {
	return len(s.Rows)
}

func newCSVReader(r io.Reader, delim rune) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true
	return reader
}

// readHeader returns the first well-formed record.
func readHeader(reader *csv.Reader) ([]string, error) {
	for {
		rec, err := reader.Read()
		if err == nil {
			return append([]string(nil), rec...), nil
		}
		var pe *csv.ParseError
		if !errors.As(err, &pe) {
			return nil, err
		}
	}
}

// ReadSample parses the header and up to n rows. Malformed records are skipped.
func ReadSample(r io.Reader, delim rune, n int) (*Sample, error) {
	reader := newCSVReader(OpenText(r), delim)

	header, err := readHeader(reader)
	if err == io.EOF {
		return nil, fmt.Errorf("%w: file has no header row", ErrNoTimeColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	sample := &Sample{Schema: NewSchema(delim, header)}
	for len(sample.Rows) < n {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return nil, fmt.Errorf("reading sample: %w", err)
		}
		sample.Rows = append(sample.Rows, sample.Schema.Project(rec, nil))
	}
	return sample, nil
}

// SniffFile detects the delimiter from the file prefix, then samples up to n rows.
func SniffFile(filePath string, n int) (*Sample, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	prefix := make([]byte, SniffBytes)
	read, err := io.ReadFull(OpenText(file), prefix)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("reading prefix: %w", err)
	}
	delim := DetectDelimiter(FirstLine(prefix[:read]))

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return ReadSample(file, delim, n)
}
