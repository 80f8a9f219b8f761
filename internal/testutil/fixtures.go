// fixtures.go - Shared CSV fixtures and request helpers for package tests
package testutil

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"mime/multipart"
	"strings"
	"testing"
	"time"
)

// SampleCSV is the three row time,a,b file whose analysis is
// columns {time, [a b]}, stats a {3,1,3,2} and b {2,2,4,3}.
const SampleCSV = "time,a,b\n" +
	"2024-01-01T00:00:00Z,1,2\n" +
	"2024-01-01T00:00:01Z,2,x\n" +
	"2024-01-01T00:00:02Z,3,4\n"

// GenerateCSV builds a time,value,load file with one row per second starting
// at 2024-01-01T00:00:00Z.
func GenerateCSV(rows int) string {
	var sb strings.Builder
	sb.WriteString("time,value,load\n")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "%s,%d,%d.5\n", base.Add(time.Duration(i)*time.Second).Format(time.RFC3339), i, i%10)
	}
	return sb.String()
}

// Gzip compresses data.
func Gzip(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Split cuts content into chunkSize pieces; the last may be shorter.
func Split(content []byte, chunkSize int) [][]byte {
	var parts [][]byte
	for len(content) > 0 {
		n := min(chunkSize, len(content))
		parts = append(parts, content[:n])
		content = content[n:]
	}
	return parts
}

// MultipartBody builds a multipart/form-data body holding one file part and
// the given plain fields. It returns the body and its Content-Type.
func MultipartBody(t *testing.T, fileField, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}
