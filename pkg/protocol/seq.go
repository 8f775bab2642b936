package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// SeqValue is a sequence number as sent by an observer. Clients are not
// trusted to send well-formed integers, so decoding accepts numbers,
// numeric strings, "NaN", "Infinity" and null. Anything that does not
// parse as a number decodes to NaN, which NormalizeSeq maps to 0.
type SeqValue float64

// UnmarshalJSON implements json.Unmarshaler.
func (s *SeqValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}

	text := string(data)
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			*s = SeqValue(math.NaN())
			return nil
		}
		text = strings.TrimSpace(str)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		*s = SeqValue(math.NaN())
		return nil
	}
	*s = SeqValue(v)
	return nil
}

// Int returns the normalized integer value.
func (s SeqValue) Int() int64 {
	return NormalizeSeq(float64(s))
}

// NormalizeSeq maps an arbitrary client-supplied sequence number onto a
// valid one. NaN, infinities and negative values become 0; fractional
// values are floored.
func NormalizeSeq(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Floor(v))
}
