package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrCorruptIdentifier is returned when a stored identifier column holds a non-integer value.
var ErrCorruptIdentifier = errors.New("corrupt stored identifier")

// NullID is a nullable integer identifier (packet, chat or message ID).
//
// Scanning is strict: anything that is not an integer is reported as
// ErrCorruptIdentifier instead of being coerced to zero.
type NullID struct {
	Int64 int64
	Valid bool
}

// SomeID wraps v as a valid NullID.
func SomeID[T ~int | ~int32 | ~int64 | ~uint32](v T) NullID {
	return NullID{Int64: int64(v), Valid: true}
}

// IDFromPtr converts an optional value into a NullID.
func IDFromPtr(v *int64) NullID {
	if v == nil {
		return NullID{}
	}
	return NullID{Int64: *v, Valid: true}
}

func (n NullID) Ptr() *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (n NullID) String() string {
	if !n.Valid {
		return "<nil>"
	}
	return strconv.FormatInt(n.Int64, 10)
}

func (n *NullID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*n = NullID{}
		return nil
	case int64:
		*n = NullID{Int64: v, Valid: true}
		return nil
	case float64:
		if v != math.Trunc(v) {
			return fmt.Errorf("%w: %v", ErrCorruptIdentifier, v)
		}
		*n = NullID{Int64: int64(v), Valid: true}
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrCorruptIdentifier, value)
	}
}

func (n *NullID) parse(s string) error {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrCorruptIdentifier, s)
	}
	*n = NullID{Int64: i, Valid: true}
	return nil
}

func (n NullID) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Int64, nil
}

func (n NullID) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Int64)
}

func (n *NullID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = NullID{}
		return nil
	}
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = NullID{Int64: v, Valid: true}
	return nil
}
