package httpwire

import (
	"github.com/indigo-web/utils/strcomp"
)

// Pair is a single header entry, keeping the original casing it arrived
// with, as the wire format requires ("Name: value").
type Pair struct {
	Key, Value string
}

// Headers is an ordered, case-insensitive multimap. Insertion order is
// retained so serialization round-trips the way a request was received,
// and duplicate header lines are preserved rather than collapsed.
//
// Grounded on the teacher's kv.Storage / internal/datastruct.KeyValue,
// generalized to also satisfy the §8 round-trip invariant (serialize,
// re-parse, headers compare equal).
type Headers struct {
	pairs      []Pair
	valuesBuff []string
	keysBuff   []string
}

// NewHeaders returns an empty Headers with room for n entries.
func NewHeaders(n int) *Headers {
	return &Headers{pairs: make([]Pair, 0, n)}
}

// Add appends a new pair, preserving any existing entries under the same
// (case-insensitively compared) key.
func (h *Headers) Add(key, value string) *Headers {
	h.pairs = append(h.pairs, Pair{Key: key, Value: value})
	return h
}

// Value returns the first value stored under key, or "" if absent.
func (h *Headers) Value(key string) string {
	return h.ValueOr(key, "")
}

// ValueOr returns the first value under key, or the fallback if absent.
func (h *Headers) ValueOr(key, or string) string {
	for _, pair := range h.pairs {
		if strcomp.EqualFold(pair.Key, key) {
			return pair.Value
		}
	}

	return or
}

// Values returns every value stored under key, in insertion order.
//
// WARNING: the returned slice is reused by the next call; callers that
// need to retain it across calls must copy it.
func (h *Headers) Values(key string) []string {
	h.valuesBuff = h.valuesBuff[:0]

	for _, pair := range h.pairs {
		if strcomp.EqualFold(pair.Key, key) {
			h.valuesBuff = append(h.valuesBuff, pair.Value)
		}
	}

	if len(h.valuesBuff) == 0 {
		return nil
	}

	return h.valuesBuff
}

// Has reports whether key is present, regardless of case.
func (h *Headers) Has(key string) bool {
	for _, pair := range h.pairs {
		if strcomp.EqualFold(pair.Key, key) {
			return true
		}
	}

	return false
}

// Keys returns the unique header names, in first-seen order.
//
// WARNING: the returned slice is reused by the next call.
func (h *Headers) Keys() []string {
	h.keysBuff = h.keysBuff[:0]

	for _, pair := range h.pairs {
		if contains(h.keysBuff, pair.Key) {
			continue
		}

		h.keysBuff = append(h.keysBuff, pair.Key)
	}

	return h.keysBuff
}

// Each calls fn for every pair, in insertion order. Used by the response
// serializer, which must emit headers in the order a handler set them.
func (h *Headers) Each(fn func(key, value string)) {
	for _, pair := range h.pairs {
		fn(pair.Key, pair.Value)
	}
}

// Len reports the number of pairs stored, including duplicates.
func (h *Headers) Len() int {
	return len(h.pairs)
}

// Reset empties the map without releasing the backing array, so it can be
// reused for the next request on a keep-alive connection.
func (h *Headers) Reset() {
	h.pairs = h.pairs[:0]
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strcomp.EqualFold(s, needle) {
			return true
		}
	}

	return false
}
