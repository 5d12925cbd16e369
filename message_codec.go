package sessiontier

import (
	"encoding/json"
	"fmt"
)

// messageRecord is the cache-tier list entry for one ChatMessage.
type messageRecord struct {
	Type *string         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeMessage renders m as the record stored in a cache-tier message list:
// {"type": ..., "data": {...message fields...}}.
func EncodeMessage(m ChatMessage) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message data: %w", err)
	}

	msgType := m.Type
	raw, err := json.Marshal(messageRecord{Type: &msgType, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message record: %w", err)
	}
	return string(raw), nil
}

// DecodeMessage parses a record produced by EncodeMessage. The top-level
// type wins over data.type when both are present.
func DecodeMessage(raw string) (ChatMessage, error) {
	var rec messageRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: message record: %v", ErrMalformedData, err)
	}

	var m ChatMessage
	if len(rec.Data) > 0 && string(rec.Data) != "null" {
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return ChatMessage{}, fmt.Errorf("%w: message data: %v", ErrMalformedData, err)
		}
	}
	if rec.Type != nil {
		m.Type = *rec.Type
	}
	return m, nil
}

func encodeMessages(msgs []ChatMessage) ([]string, error) {
	out := make([]string, 0, len(msgs))
	for i, m := range msgs {
		enc, err := EncodeMessage(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message %d: %w", i, err)
		}
		out = append(out, enc)
	}
	return out, nil
}
