// Package canonjson produces the canonical JSON form hashes are computed
// over: object keys sorted, no insignificant whitespace, no HTML escaping.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ToMap round-trips v through JSON into a generic value. Numbers stay
// json.Number so integer precision survives.
func ToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

// Marshal encodes v canonically after removing the top-level keys in strip.
func Marshal(v any, strip ...string) ([]byte, error) {
	m, err := ToMap(v)
	if err != nil {
		return nil, err
	}
	for _, k := range strip {
		delete(m, k)
	}
	return Encode(m)
}

// Encode writes an already generic value canonically. encoding/json sorts
// map keys, so only escaping and the trailing newline need handling.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// StripKeysDeep removes every object member named in keys at any depth.
func StripKeysDeep(v any, keys ...string) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range keys {
			delete(t, k)
		}
		for _, child := range t {
			StripKeysDeep(child, keys...)
		}
	case []any:
		for _, child := range t {
			StripKeysDeep(child, keys...)
		}
	}
}
