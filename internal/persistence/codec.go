package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// EncodeValue serializes an arbitrary Go value with encoding/gob.
// The value is encoded as an interface so it can be decoded without the
// caller knowing its concrete type; custom types must be gob.Register'ed.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue reverses EncodeValue. Empty input decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return zero, fmt.Errorf("decode value: %w", err)
	}
	if iv == nil {
		return zero, nil
	}
	v, ok := iv.(T)
	if !ok {
		return zero, fmt.Errorf("decode value: payload of type %T is not a %T", iv, zero)
	}
	return v, nil
}

// errorText and errorFromText round-trip the instance error through storage.
// Only the message survives.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errorFromText(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}
