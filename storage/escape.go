package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EscapeKeys rewrites every object key containing '.' in raw, at any depth, replacing the dots with '_'.
// Values and array order are preserved and numbers keep their original text.
func EscapeKeys(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	out, err := json.Marshal(escapeValue(v))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

func escapeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		escaped := make(map[string]any, len(val))
		for k, child := range val {
			escaped[strings.ReplaceAll(k, ".", "_")] = escapeValue(child)
		}
		return escaped
	case []any:
		for i, child := range val {
			val[i] = escapeValue(child)
		}
		return val
	default:
		return v
	}
}
