package dto

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FrozenNumber is a price-bearing JSON field. Decoding never fails: a string,
// boolean or null is kept as present-but-invalid so validation can report
// every bad field at once instead of aborting on the first.
type FrozenNumber struct {
	Value   float64
	Present bool
	Valid   bool
}

func Num(v float64) FrozenNumber {
	return FrozenNumber{Value: v, Present: true, Valid: true}
}

func (n *FrozenNumber) UnmarshalJSON(b []byte) error {
	n.Present = true
	n.Valid = false
	n.Value = 0

	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] == '"' || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil
	}
	n.Value = f
	n.Valid = true
	return nil
}

func (n FrozenNumber) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(n.Value, 'f', -1, 64)), nil
}

// Or returns the value when valid, def otherwise.
func (n FrozenNumber) Or(def float64) float64 {
	if n.Valid {
		return n.Value
	}
	return def
}
