package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedEnvelope indicates a frame that is not a JSON event envelope.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
)

// Envelope frames every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope. A nil payload produces an envelope without data.
func Encode(event string, payload any) ([]byte, error) {
	envelope := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
		}
		envelope.Data = data
	}
	return json.Marshal(envelope)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(event string, payload any) []byte {
	frame, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(envelope.Event) == "" {
		return Envelope{}, fmt.Errorf("%w: event name required", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// DecodeData unmarshals the envelope data into target.
func (e Envelope) DecodeData(target any) error {
	if !HasPayload(e.Data) {
		return fmt.Errorf("%w: %s requires data", ErrMalformedEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, e.Event, err)
	}
	return nil
}
