// Package contextdata implements the hit wire-format encoder.
//
// The collector parses `&`-joined key=value pairs with a narrow reserved
// escape set ({&, =, %} plus all non-ASCII bytes). net/url.QueryEscape
// escapes a superset (spaces, '+', '/') and would change bytes on the
// wire, so escaping is implemented directly against the reserved set.
//
// Output order is insertion order of the input map, never sorted. Go's
// builtin map randomizes iteration, so Map keeps an explicit key list.
package contextdata

import (
	"strconv"
	"strings"

	"github.com/solatis/hitkeeper/internal/types"
)

// CustomerIDKey is the top-level key wrapping encoded visitor identifiers.
const CustomerIDKey = "cid"

// Map is an order-preserving mapping from string keys to either a string
// value or a nested *Map. Nested maps represent dotted hierarchical keys
// (e.g. "a.b.id"); Encode flattens them by joining with '.'.
type Map struct {
	keys []string
	vals map[string]any
}

// New returns an empty Map.
func New() *Map {
	return &Map{vals: make(map[string]any)}
}

// Set stores a string value or nested *Map under key.
// Re-setting an existing key replaces the value but keeps the original
// insertion position, so encoded output stays stable across updates.
func (m *Map) Set(key string, value any) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = value
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Len returns the number of top-level entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns top-level keys in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Encode serializes the map as escaped key=value pairs joined by '&'.
// Nested maps are flattened by joining parent and child keys with '.'.
// Empty maps encode to "". Empty string values are still emitted as
// "key=". No leading or trailing '&'.
func Encode(m *Map) string {
	var b strings.Builder
	encodeInto(&b, "", m)
	return b.String()
}

func encodeInto(b *strings.Builder, prefix string, m *Map) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := m.vals[k].(type) {
		case string:
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			escapeInto(b, key)
			b.WriteByte('=')
			escapeInto(b, v)
		case *Map:
			encodeInto(b, key, v)
		}
	}
}

// EncodeIdentifiers serializes visitor identifiers as a customer-ID
// fragment: cid.{type}.id={identifier}&cid.{type}.as={ordinal}.
//
// Nil entries and entries with an empty Type are skipped. An empty or
// nil list returns "" immediately; no "cid" key is emitted. The ordinal
// mapping of AuthenticationState is wire format (see types).
func EncodeIdentifiers(ids []*types.Identifiable) string {
	if len(ids) == 0 {
		return ""
	}

	inner := New()
	for _, id := range ids {
		if id == nil || id.Type == "" {
			continue
		}
		inner.Set(id.Type+".id", id.Identifier)
		inner.Set(id.Type+".as", strconv.Itoa(int(id.AuthenticationState)))
	}
	if inner.Len() == 0 {
		return ""
	}

	wrapped := New()
	wrapped.Set(CustomerIDKey, inner)
	return Encode(wrapped)
}

// escapeInto percent-escapes the reserved set {&, =, %} and every
// non-ASCII byte. All other ASCII bytes pass through unchanged; the
// collector tolerates unescaped spaces and punctuation.
func escapeInto(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '&' || c == '=' || c == '%' || c >= 0x80 {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
}

const upperhex = "0123456789ABCDEF"

// Escape returns s with the reserved set percent-escaped.
// Exposed for callers that append pre-encoded fragments to a hit body.
func Escape(s string) string {
	var b strings.Builder
	escapeInto(&b, s)
	return b.String()
}
