// Package transport implements the real-time document session: a single
// websocket per document/user pair, the JSON message envelope, and typed
// inbound dispatch. Reconnect policy lives with the caller, not here.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Type string

const (
	TypeUserJoin       Type = "UserJoin"
	TypeUserLeave      Type = "UserLeave"
	TypeDocumentUpdate Type = "DocumentUpdate"
	TypeSync           Type = "Sync"
	TypeAwareness      Type = "Awareness"
	TypeCursor         Type = "Cursor"
	TypePing           Type = "Ping"
	TypePong           Type = "Pong"
)

// Envelope is the wire frame shared by every message in both directions.
// Timestamps are RFC 3339 in UTC; payload byte fields travel as base64.
type Envelope struct {
	Type       Type            `json:"type"`
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  string          `json:"timestamp"`
}

type UpdatePayload struct {
	Update []byte `json:"update"`
}

type SyncPayload struct {
	Update      []byte `json:"update,omitempty"`
	StateVector []byte `json:"state_vector,omitempty"`
}

type CursorPayload struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	SelectionStart *int    `json:"selection_start,omitempty"`
	SelectionEnd   *int    `json:"selection_end,omitempty"`
}

// Message is a parsed inbound frame. Exactly one of the typed payload
// fields is set for the types that carry one; the raw envelope is always
// present for generic consumers.
type Message struct {
	Envelope  Envelope
	Update    *UpdatePayload
	Sync      *SyncPayload
	Cursor    *CursorPayload
	Awareness map[string]any
}

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "document_id", "user_id", "payload", "timestamp"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "document_id": {"type": "string"},
    "user_id": {"type": "string"},
    "payload": {"type": "object"},
    "timestamp": {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func envelopeValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("mem://message-envelope.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("mem://message-envelope.json")
	})
	return schema, schemaErr
}

// NewEnvelope builds an outbound envelope with the payload marshaled in
// place and the timestamp stamped in UTC.
func NewEnvelope(t Type, documentID, userID string, payload any, now time.Time) (Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		Type:       t,
		DocumentID: documentID,
		UserID:     userID,
		Payload:    raw,
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Parse validates a raw inbound frame against the envelope schema and
// decodes the type-specific payload. Any error means the frame must be
// dropped; peers can send anything and none of it may take the session
// down.
func Parse(data []byte) (Message, error) {
	validator, err := envelopeValidator()
	if err != nil {
		return Message{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := validator.Validate(inst); err != nil {
		return Message{}, fmt.Errorf("invalid envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	msg := Message{Envelope: env}
	switch env.Type {
	case TypeDocumentUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		msg.Update = &p
	case TypeSync:
		var p SyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		msg.Sync = &p
	case TypeCursor:
		var p CursorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		msg.Cursor = &p
	case TypeAwareness:
		var p map[string]any
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		msg.Awareness = p
	}
	return msg, nil
}
