package storage

import (
	"encoding/json"
	"testing"
)

func TestEscapeKeys(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "nested keys",
			in:   `{"a.b":{"c.d":1,"e":[{"f.g":"h.i"}]}}`,
			want: `{"a_b":{"c_d":1,"e":[{"f_g":"h.i"}]}}`,
		},
		{
			name: "numbers keep their text",
			in:   `{"price.value":812.50,"id":123456789012345678}`,
			want: `{"id":123456789012345678,"price_value":812.50}`,
		},
		{
			name: "array order preserved",
			in:   `[{"x.y":1},{"x.y":2},3]`,
			want: `[{"x_y":1},{"x_y":2},3]`,
		},
		{
			name: "scalar",
			in:   `"a.b"`,
			want: `"a.b"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EscapeKeys(json.RawMessage(tt.in))
			if err != nil {
				t.Fatalf("EscapeKeys() error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("EscapeKeys() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEscapeKeysInvalid(t *testing.T) {
	if _, err := EscapeKeys(json.RawMessage(`{"a":`)); err == nil {
		t.Error("EscapeKeys() should reject malformed JSON")
	}
}
