// Package store - Hash data type implementation.
//
// A Hash is a map of field->value pairs stored under a single key.
package store

// Hash stores field-value pairs under a single key. It is not
// thread-safe; concurrency is managed by the owning engine.
type Hash struct {
	fields map[string][]byte
}

// NewHash creates a new empty Hash.
func NewHash() *Hash {
	return &Hash{fields: make(map[string][]byte)}
}

// Set sets field to value. Returns true if the field is new.
func (h *Hash) Set(field string, value []byte) bool {
	_, existed := h.fields[field]
	h.fields[field] = append([]byte(nil), value...)
	return !existed
}

// Get returns the value of a field.
func (h *Hash) Get(field string) ([]byte, bool) {
	val, exists := h.fields[field]
	if !exists {
		return nil, false
	}
	result := make([]byte, len(val))
	copy(result, val)
	return result, true
}

// Del removes one or more fields, returning the count removed.
func (h *Hash) Del(fields ...string) int {
	removed := 0
	for _, f := range fields {
		if _, exists := h.fields[f]; exists {
			delete(h.fields, f)
			removed++
		}
	}
	return removed
}

// Exists returns whether a field exists in the hash.
func (h *Hash) Exists(field string) bool {
	_, exists := h.fields[field]
	return exists
}

// Len returns the number of fields in the hash.
func (h *Hash) Len() int {
	return len(h.fields)
}

// HashFieldValue is a field-value pair in a hash.
type HashFieldValue struct {
	Field string
	Value []byte
}

// GetAll returns all field-value pairs, in unspecified order.
func (h *Hash) GetAll() []HashFieldValue {
	result := make([]HashFieldValue, 0, len(h.fields))
	for field, value := range h.fields {
		val := make([]byte, len(value))
		copy(val, value)
		result = append(result, HashFieldValue{Field: field, Value: val})
	}
	return result
}
