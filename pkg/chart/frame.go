package chart

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// DateLayout is the timestamp format of time-series records, e.g. 14-Oct-26-10:00:00.
const DateLayout = "02-Jan-06-15:04:05"

var ErrMalformed = errors.New("chart: payload is not an array of records")

type Series struct {
	Name   string
	Values []float64
}

// Frame is one decoded payload. Labels line up with every series' Values.
// Times is set only for date-keyed records.
type Frame struct {
	Labels []string
	Times  []time.Time
	Series []Series
}

func (f Frame) Len() int {
	return len(f.Labels)
}

func (f Frame) Timed() bool {
	return len(f.Times) > 0
}

// Decode reads an array of keyed records ({"key":..,"val":..}) or dated
// records ({"date":..,<series>:..}). Every other field of a record is a
// numeric series; series are ordered by name.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return Frame{}, ErrMalformed
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return Frame{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if len(records) == 0 {
		return Frame{}, nil
	}

	labelField := "key"
	if _, ok := records[0]["key"]; !ok {
		if _, ok := records[0]["date"]; !ok {
			return Frame{}, errors.Wrap(ErrMalformed, "records carry neither key nor date")
		}
		labelField = "date"
	}

	var names []string
	for name := range records[0] {
		if name != labelField {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	f := Frame{Series: make([]Series, len(names))}
	for i, name := range names {
		f.Series[i] = Series{Name: name, Values: make([]float64, 0, len(records))}
	}
	for i, rec := range records {
		label, err := text(rec[labelField])
		if err != nil {
			return Frame{}, errors.Wrapf(ErrMalformed, "record %d: %s", i, labelField)
		}
		f.Labels = append(f.Labels, label)
		if labelField == "date" {
			ts, err := time.ParseInLocation(DateLayout, label, time.Local)
			if err != nil {
				return Frame{}, errors.Wrapf(ErrMalformed, "record %d: date %q", i, label)
			}
			f.Times = append(f.Times, ts)
		}
		for j, name := range names {
			v, err := number(rec[name])
			if err != nil {
				return Frame{}, errors.Wrapf(ErrMalformed, "record %d: field %s", i, name)
			}
			f.Series[j].Values = append(f.Series[j].Values, v)
		}
	}
	return f, nil
}

// FromData accepts what a fetcher or a live message hands to a renderer.
func FromData(v any) (Frame, error) {
	switch d := v.(type) {
	case Frame:
		return d, nil
	case *Frame:
		if d == nil {
			return Frame{}, ErrMalformed
		}
		return *d, nil
	case json.RawMessage:
		return Decode(d)
	case []byte:
		return Decode(d)
	case string:
		return Decode([]byte(d))
	default:
		return Frame{}, errors.Wrapf(ErrMalformed, "unsupported payload %T", v)
	}
}

func text(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// number also accepts numeric strings, which the monitor backend emits for
// some counters.
func number(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing")
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}
