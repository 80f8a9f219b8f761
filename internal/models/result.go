package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Sentinel values for ColumnSpec.Time when no real header holds timestamps.
const (
	TimeComposite = "__composite__"
	TimeClock     = "__clock__"
	TimeRowIndex  = "__row_index__"
)

// TimeLayout is the ISO-8601 form emitted for every data point.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout (always UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ColumnSpec names the time column (or a sentinel) and the series columns.
type ColumnSpec struct {
	Time   string   `json:"time" msgpack:"time"`
	Series []string `json:"series" msgpack:"series"`
}

// DataPoint is one retained row. Values is aligned with ColumnSpec.Series;
// NaN marks a value that did not parse and is emitted as null.
type DataPoint struct {
	Index  int
	Time   time.Time
	Values []float64
}

// Value returns the k-th series value and whether it is present.
func (p DataPoint) Value(k int) (float64, bool) {
	if k >= len(p.Values) || math.IsNaN(p.Values[k]) {
		return 0, false
	}
	return p.Values[k], true
}

// SeriesStats are computed over every observation of the full pass.
// Min, Max and Mean are nil when Count is zero.
type SeriesStats struct {
	Count int      `json:"count" msgpack:"count"`
	Min   *float64 `json:"min" msgpack:"min"`
	Max   *float64 `json:"max" msgpack:"max"`
	Mean  *float64 `json:"mean" msgpack:"mean"`
}

// Result is the output of one ingestion: schema, decimated points, statistics.
type Result struct {
	Columns ColumnSpec
	Data    []DataPoint
	Stats   map[string]SeriesStats
	Meta    ResultMeta
}

// ResultMeta describes the pass that produced a Result. It is not part of
// the wire encoding.
type ResultMeta struct {
	Delimiter string
	Rows      int // records read after the header
	Dropped   int // rows without a resolvable timestamp
	Skipped   int // malformed records
	Step      int // final decimation step
}

// MarshalJSON writes {columns, data, stats} with each point flattened to
// {"time": ..., "<series>": number|null}. Points are streamed into one buffer
// rather than built as maps.
func (r Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	cols, err := json.Marshal(r.Columns)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`{"columns":`)
	buf.Write(cols)

	keys := make([][]byte, len(r.Columns.Series))
	for k, name := range r.Columns.Series {
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		keys[k] = append(key, ':')
	}

	buf.WriteString(`,"data":[`)
	num := make([]byte, 0, 32)
	for i, p := range r.Data {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"time":"`)
		buf.WriteString(FormatTime(p.Time))
		buf.WriteByte('"')
		for k := range r.Columns.Series {
			buf.WriteByte(',')
			buf.Write(keys[k])
			v, ok := p.Value(k)
			if !ok {
				buf.WriteString("null")
				continue
			}
			num = strconv.AppendFloat(num[:0], v, 'g', -1, 64)
			buf.Write(num)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	stats := r.Stats
	if stats == nil {
		stats = map[string]SeriesStats{}
	}
	encoded, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`,"stats":`)
	buf.Write(encoded)
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// EncodeMsgpack mirrors MarshalJSON for clients asking for application/msgpack.
func (r Result) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString("columns"); err != nil {
		return err
	}
	if err := enc.Encode(r.Columns); err != nil {
		return err
	}

	if err := enc.EncodeString("data"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(r.Data)); err != nil {
		return err
	}
	for _, p := range r.Data {
		if err := enc.EncodeMapLen(1 + len(r.Columns.Series)); err != nil {
			return err
		}
		if err := enc.EncodeString("time"); err != nil {
			return err
		}
		if err := enc.EncodeString(FormatTime(p.Time)); err != nil {
			return err
		}
		for k, name := range r.Columns.Series {
			if err := enc.EncodeString(name); err != nil {
				return err
			}
			v, ok := p.Value(k)
			if !ok {
				if err := enc.EncodeNil(); err != nil {
					return err
				}
				continue
			}
			if err := enc.EncodeFloat64(v); err != nil {
				return err
			}
		}
	}

	if err := enc.EncodeString("stats"); err != nil {
		return err
	}
	return enc.Encode(r.Stats)
}
