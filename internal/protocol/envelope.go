package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var emptyPayload = json.RawMessage(`{}`)

// Envelope is the single wire message wrapper used for every request,
// response and notification.
type Envelope struct {
	Type      Kind            `json:"type"`
	ReqID     string          `json:"req_id"`
	Timestamp int64           `json:"ts"`
	DeviceID  string          `json:"device_id"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an envelope stamped with the current time. payload may be a
// typed payload struct, a map, raw JSON or nil.
func New(kind Kind, reqID, deviceID string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{
		Type:      kind,
		ReqID:     reqID,
		Timestamp: time.Now().Unix(),
		DeviceID:  deviceID,
		Payload:   raw,
	}, nil
}

// NewError builds a generic error envelope correlated to reqID.
func NewError(reqID, deviceID string, code ErrorCode, message, path string) Envelope {
	// ErrorPayload only holds strings, so marshaling cannot fail.
	raw, _ := json.Marshal(ErrorPayload{
		Code:    code,
		Message: message,
		ReqID:   reqID,
		Path:    path,
	})
	return Envelope{
		Type:      KindError,
		ReqID:     reqID,
		Timestamp: time.Now().Unix(),
		DeviceID:  deviceID,
		Payload:   raw,
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyPayload, nil
	case json.RawMessage:
		return normalizePayload(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return normalizePayload(data), nil
}

func normalizePayload(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptyPayload
	}
	return raw
}

// Encode serializes an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, &ErrUnknownKind{Token: env.Type.String()}
	}
	env.Payload = normalizePayload(env.Payload)
	return json.Marshal(env)
}

// Decode parses a wire frame. An unknown kind token fails the whole envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == 0 {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	env.Payload = normalizePayload(env.Payload)
	if bytes.TrimSpace(env.Payload)[0] != '{' {
		return Envelope{}, errors.New("decode envelope: payload is not an object")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(normalizePayload(e.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
