package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fields is the schemaless document form records take inside a rendezvous
// store. Numbers are normalized to int64 when integral, float64 otherwise.
type Fields map[string]interface{}

func ToFields(v interface{}) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	return DecodeFields(data)
}

// DecodeFields parses a JSON object into normalized Fields.
func DecodeFields(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return Fields(normalizeMap(raw)), nil
}

func (f Fields) Decode(v interface{}) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	return nil
}

// Merge returns a copy of f with every key of patch overwritten.
func (f Fields) Merge(patch Fields) Fields {
	out := make(Fields, len(f)+len(patch))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Clone deep-copies f through its JSON form.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	c, err := ToFields(map[string]interface{}(f))
	if err != nil {
		return f.Merge(nil)
	}
	return c
}

// NormalizeValue converts v to the representation it would have after a
// round trip through a store.
func NormalizeValue(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return normalize(out)
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = normalize(v)
	}
	return m
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		return normalizeMap(t)
	case []interface{}:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
