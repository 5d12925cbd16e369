package sessiontier

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ChatMessage
	}{
		{name: "empty message", msg: ChatMessage{}},
		{name: "type only", msg: ChatMessage{Type: "system"}},
		{name: "empty content is kept", msg: ChatMessage{Type: "human", Content: StringPtr("")}},
		{name: "example false is kept", msg: ChatMessage{Type: "human", Example: BoolPtr(false)}},
		{name: "unicode content", msg: ChatMessage{Type: "ai", Content: StringPtr("héllo 世界 \"quoted\"\n")}},
		{name: "null map value", msg: ChatMessage{Type: "ai", AdditionalKwargs: map[string]interface{}{"k": nil, "b": true}}},
	}
	for i, m := range sampleMessages() {
		tests = append(tests, struct {
			name string
			msg  ChatMessage
		}{name: "sample " + string(rune('a'+i)), msg: m})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeMessage(tt.msg)
			require.NoError(t, err)

			got, err := DecodeMessage(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestEncodeMessage_Layout(t *testing.T) {
	raw, err := EncodeMessage(ChatMessage{Type: "human", Content: StringPtr("hi")})
	require.NoError(t, err)

	var rec map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.JSONEq(t, `"human"`, string(rec["type"]))

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec["data"], &data))
	assert.Equal(t, "hi", data["content"])
	assert.Equal(t, "human", data["type"])
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantType  string
		wantError bool
	}{
		{name: "top-level type wins", raw: `{"type":"ai","data":{"type":"human","content":"x"}}`, wantType: "ai"},
		{name: "falls back to data type", raw: `{"data":{"type":"tool"}}`, wantType: "tool"},
		{name: "null data", raw: `{"type":"human","data":null}`, wantType: "human"},
		{name: "not json", raw: `not json`, wantError: true},
		{name: "data is not an object", raw: `{"type":"ai","data":[1,2]}`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeMessage(tt.raw)
			if tt.wantError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedData))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, m.Type)
		})
	}
}
