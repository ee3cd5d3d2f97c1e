// ABOUTME: Payload map with typed accessors and the failure taxonomy
// ABOUTME: Replies carry success/error/kind so callers can tell failures apart

package message

import (
	"math"
	"strconv"
	"strings"
)

// Payload is the free-form body of a message. Values follow JSON decoding
// conventions: numbers may arrive as float64, lists as []any.
type Payload map[string]any

// Kind classifies a failed reply.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindAuthorization   Kind = "authorization"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

// OK marks fields as a successful reply payload.
func OK(fields Payload) Payload {
	p := make(Payload, len(fields)+1)
	for k, v := range fields {
		p[k] = v
	}
	p["success"] = true
	return p
}

// Fail builds a failed reply payload.
func Fail(kind Kind, msg string) Payload {
	return Payload{
		"success": false,
		"error":   msg,
		"kind":    string(kind),
	}
}

// With returns a copy of p with the extra fields set.
func (p Payload) With(fields Payload) Payload {
	out := make(Payload, len(p)+len(fields))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Success reports the "success" flag.
func (p Payload) Success() bool {
	return p.Bool("success")
}

// ErrorText returns the "error" field, if any.
func (p Payload) ErrorText() string {
	return p.String("error")
}

// Kind returns the failure kind, or "" for successful payloads.
func (p Payload) Kind() Kind {
	return Kind(p.String("kind"))
}

// Has reports whether key is present with a non-nil value.
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns the string at key, trimmed of surrounding whitespace.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

// RawString returns the string at key without trimming.
func (p Payload) RawString(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Bool returns the bool at key, false when absent or not a bool.
func (p Payload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Int returns the integer at key. JSON numbers and numeric strings are
// accepted; ok is false when the key is missing, not numeric or has a
// fractional part.
func (p Payload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return wholeNumber(v)
	case float32:
		return wholeNumber(float64(v))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func wholeNumber(f float64) (int, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int(f), true
}

// IntOr returns the integer at key or def.
func (p Payload) IntOr(key string, def int) int {
	if n, ok := p.Int(key); ok {
		return n
	}
	return def
}

// Map returns the nested object at key.
func (p Payload) Map(key string) map[string]any {
	switch v := p[key].(type) {
	case map[string]any:
		return v
	case Payload:
		return v
	default:
		return nil
	}
}
