// Package ident holds the canonical identifier used for accounts and jobs.
//
// Account and preset identifiers reach the orchestrator from several places:
// HTTP paths, JSON request bodies, the persisted session file, and helper
// stdout. JSON round-tripping through file storage turns numeric keys into
// strings (and sometimes strings into numbers), so every identifier is
// normalised exactly once at ingress and compared only in canonical form
// afterwards.
package ident

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// ErrEmpty is returned when an identifier is missing or blank.
var ErrEmpty = errors.New("identifier is empty")

// ID is a canonical account or job identifier.
type ID string

// Parse converts an identifier of any supported shape to its canonical form.
// Integral floats (as produced by encoding/json into interface{}) collapse to
// their integer spelling so 12, 12.0, "12" and json.Number("12") are equal.
func Parse(v any) (ID, error) {
	switch t := v.(type) {
	case nil:
		return "", ErrEmpty
	case ID:
		return canonicalString(string(t))
	case string:
		return canonicalString(t)
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return canonicalString(t.String())
		}
		if f, err := t.Float64(); err == nil {
			return canonicalFloat(f)
		}
		return canonicalString(t.String())
	case float64:
		return canonicalFloat(t)
	case float32:
		return canonicalFloat(float64(t))
	}

	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("unsupported identifier %T: %w", v, err)
	}
	return canonicalString(s)
}

// MustParse is Parse for identifiers known to be valid, such as test fixtures.
func MustParse(v any) ID {
	id, err := Parse(v)
	if err != nil {
		panic(err)
	}
	return id
}

func canonicalFloat(f float64) (ID, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("invalid numeric identifier %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return ID(strconv.FormatInt(int64(f), 10)), nil
	}
	return ID(strconv.FormatFloat(f, 'f', -1, 64)), nil
}

func canonicalString(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmpty
	}
	return ID(s), nil
}

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool { return id == "" }

// Int returns the identifier as an integer when it is numeric.
func (id ID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

// MarshalJSON writes numeric identifiers back as JSON numbers so helpers that
// expect a numeric jobId keep receiving one.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, ok := id.Int(); ok && strconv.FormatInt(n, 10) == string(id) {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			*id = ""
			return nil
		}
		return err
	}
	*id = parsed
	return nil
}

// Lookup finds key in a map whose keys were not normalised, trying the exact
// key, then its string form, then its numeric form.
func Lookup[V any](m map[string]V, key any) (V, bool) {
	var zero V
	if s, ok := key.(string); ok {
		if v, found := m[s]; found {
			return v, true
		}
	}

	s, err := cast.ToStringE(key)
	if err == nil {
		if v, found := m[s]; found {
			return v, true
		}
		s = strings.TrimSpace(s)
		if v, found := m[s]; found {
			return v, true
		}
	}

	if f, err := cast.ToFloat64E(key); err == nil {
		if id, err := canonicalFloat(f); err == nil {
			if v, found := m[string(id)]; found {
				return v, true
			}
		}
	}
	return zero, false
}
