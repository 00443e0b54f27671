// Package headers models browser header profiles per request role and
// rebuilds outbound header sets that replay a captured browser identity.
package headers

import (
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// Header is a single name/value pair.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Set is an ordered header list with case-insensitive names.
// Order is part of a browser fingerprint and is preserved by every operation.
// The zero value is an empty set.
type Set []Header

// FromMap builds a Set from m in sorted name order.
func FromMap(m map[string]string) Set {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	s := make(Set, 0, len(m))
	for _, name := range names {
		s = s.With(name, m[name])
	}
	return s
}

// FromHTTP builds a Set from h in sorted canonical name order, joining
// repeated values with ", ".
func FromHTTP(h http.Header) Set {
	m := make(map[string]string, len(h))
	for name, values := range h {
		m[name] = strings.Join(values, ", ")
	}
	return FromMap(m)
}

func (s Set) index(name string) int {
	for i, h := range s {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

// Lookup returns the value for name and whether it is present.
func (s Set) Lookup(name string) (string, bool) {
	if i := s.index(name); i >= 0 {
		return s[i].Value, true
	}
	return "", false
}

// Get returns the value for name, or "" if absent.
func (s Set) Get(name string) string {
	v, _ := s.Lookup(name)
	return v
}

// Has reports whether name is present.
func (s Set) Has(name string) bool {
	return s.index(name) >= 0
}

// With returns a copy of s with name set to value. An existing header keeps
// its position and original spelling; a new one is appended.
func (s Set) With(name, value string) Set {
	out := s.Clone()
	if i := out.index(name); i >= 0 {
		out[i].Value = value
		return out
	}
	return append(out, Header{Name: name, Value: value})
}

// Without returns a copy of s with name removed.
func (s Set) Without(name string) Set {
	out := make(Set, 0, len(s))
	for _, h := range s {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}

// Merge returns s overlaid with other: values from other win, positions from
// s are kept, and headers new in other are appended in other's order.
func (s Set) Merge(other Set) Set {
	out := s.Clone()
	for _, h := range other {
		if i := out.index(h.Name); i >= 0 {
			out[i].Value = h.Value
			continue
		}
		out = append(out, h)
	}
	return out
}

// Filter returns the headers for which keep returns true.
func (s Set) Filter(keep func(Header) bool) Set {
	out := make(Set, 0, len(s))
	for _, h := range s {
		if keep(h) {
			out = append(out, h)
		}
	}
	return out
}

// Clone returns a copy of s. Clone of nil is nil.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return append(make(Set, 0, len(s)), s...)
}

// Names returns the header names in order.
func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, h := range s {
		names[i] = h.Name
	}
	return names
}

// Map returns the headers as a plain map keyed by the stored spelling.
func (s Set) Map() map[string]string {
	m := make(map[string]string, len(s))
	for _, h := range s {
		m[h.Name] = h.Value
	}
	return m
}

// Apply writes the headers onto h, replacing existing values. net/http sends
// headers in its own order; the Set order is kept in the stored profile.
func (s Set) Apply(h http.Header) {
	for _, hdr := range s {
		h.Set(textproto.CanonicalMIMEHeaderKey(hdr.Name), hdr.Value)
	}
}

// Equal reports whether s and other hold the same headers in the same order.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !strings.EqualFold(s[i].Name, other[i].Name) || s[i].Value != other[i].Value {
			return false
		}
	}
	return true
}
