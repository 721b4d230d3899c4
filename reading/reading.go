package reading

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/segmentio/encoding/json"
)

// Well-known document fields
const (
	FieldSensorType = "sensorType"
	FieldTimestamp  = "timestamp"
	FieldID         = "_id"
)

// isoLayout matches the naive ISO-8601 form the read side has always served
const isoLayout = "2006-01-02T15:04:05"

// Epoch seconds of 0001-01-01T00:00:00Z and 10000-01-01T00:00:00Z; FormatISO
// only renders four-digit years.
const (
	minISOSeconds = -62135596800
	maxISOSeconds = 253402300800
)

var (
	// ErrInvalidUTF8 is returned for payloads that are not UTF-8 text
	ErrInvalidUTF8 = errors.New("reading: payload is not valid UTF-8")

	// ErrNotObject is returned for valid JSON that is not an object
	ErrNotObject = errors.New("reading: payload is not a JSON object")
)

// Reading is one sensor observation. Besides sensorType and timestamp it carries
// any device specific fields untouched.
type Reading map[string]interface{}

// SensorType returns the sensorType field, or "" when absent or not a string
func (r Reading) SensorType() string {
	s, _ := r[FieldSensorType].(string)

	return s
}

// Timestamp returns the timestamp field as seconds since the epoch
func (r Reading) Timestamp() (float64, bool) {
	return Number(r[FieldTimestamp])
}

// Clone returns a shallow copy of the reading
func (r Reading) Clone() Reading {
	c := make(Reading, len(r))
	for k, v := range r {
		c[k] = v
	}

	return c
}

// Decode parses a payload into a Reading. Integers stay integers so the stored
// document keeps the shape the device sent. Parsing is strict RFC 8259: NaN
// and Infinity literals are malformed.
func Decode(payload []byte) (Reading, error) {
	if !utf8.Valid(payload) {
		return nil, ErrInvalidUTF8
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("reading: malformed JSON (%d bytes)", len(payload))
	}

	var doc interface{}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}

	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, ErrNotObject
	}

	return Reading(normalize(obj).(map[string]interface{})), nil
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}

// Number converts the numeric types produced by the JSON decoder and the store
// drivers into a float64.
func Number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Time converts epoch seconds into a UTC time with microsecond precision. It
// reports false for NaN, infinities and anything outside years 1 to 9999.
func Time(ts float64) (time.Time, bool) {
	if math.IsNaN(ts) || ts < minISOSeconds || ts >= maxISOSeconds {
		return time.Time{}, false
	}

	return time.UnixMicro(int64(math.Round(ts * 1e6))).UTC(), true
}

// FormatISO renders epoch seconds as an ISO-8601 date-time in UTC without an
// offset. Microseconds are only printed when non-zero. Out of range values
// (e.g. milliseconds sent as seconds) report false.
func FormatISO(ts float64) (string, bool) {
	t, ok := Time(ts)
	if !ok {
		return "", false
	}

	if t.Nanosecond() != 0 {
		return t.Format(isoLayout + ".000000"), true
	}

	return t.Format(isoLayout), true
}
