package schema

import (
	"bytes"
	"encoding/json"
)

// Optional distinguishes an absent JSON field from an explicit null and from a value.
// Use with the `omitzero` tag option so that an unset Optional is omitted.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: &v}
}

// Null returns an Optional that is present but explicitly null.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

// IsZero reports whether the field was never set.
func (o Optional[T]) IsZero() bool {
	return !o.Set
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}
