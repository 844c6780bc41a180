package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Signature is the marker key every protocol message carries.
// Presence of the key is what counts, not its value.
const Signature = "lanternNetwork"

// MessageType discriminates envelopes on the relay protocol.
type MessageType string

// Message types understood by statebus contexts.
const (
	// MessageTypePopupOpened announces that the counterpart context is open.
	// Relays consume it and never forward it.
	MessageTypePopupOpened MessageType = "popupOpened"
	MessageTypeStorageGet  MessageType = "storageGet"
	MessageTypeStorageSet  MessageType = "storageSet"
	MessageTypeWasmStart   MessageType = "wasmStart"
	MessageTypeWasmStop    MessageType = "wasmStop"
	MessageTypeStateUpdate MessageType = "stateUpdate"
	// MessageTypeHydrateState asks the headless context to resend every value.
	MessageTypeHydrateState MessageType = "hydrateState"
)

// ErrUnsigned is returned for messages without the Signature key.
var ErrUnsigned = errors.New("message is not signed")

// Envelope is the uniform cross-context message.
type Envelope struct {
	Type MessageType
	Data map[string]any
}

// NewEnvelope builds an envelope, defaulting Data to an empty object.
func NewEnvelope(t MessageType, data map[string]any) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return &Envelope{Type: t, Data: data}
}

// MarshalJSON renders the wire form {"lanternNetwork": true, "type": ..., "data": ...}.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(map[string]any{
		Signature: true,
		"type":    e.Type,
		"data":    data,
	})
}

// Encode returns the wire bytes of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// DecodeEnvelope parses wire bytes into an Envelope.
// Returns ErrUnsigned when the message is an object without the Signature key,
// and a wrapped decode error when the bytes are not a JSON object at all.
func DecodeEnvelope(msg []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if raw == nil {
		return nil, ErrUnsigned
	}
	if _, ok := raw[Signature]; !ok {
		return nil, ErrUnsigned
	}

	env := &Envelope{Data: map[string]any{}}
	if t, ok := raw["type"].(string); ok {
		env.Type = MessageType(t)
	}
	if data, ok := raw["data"].(map[string]any); ok {
		env.Data = data
	}
	return env, nil
}

// DecodeData decodes a loosely typed payload value (as produced by JSON
// decoding) into out, which must be a pointer.
func DecodeData(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
