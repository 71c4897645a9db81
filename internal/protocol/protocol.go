// Package protocol is the message set exchanged between page contexts, the
// control surface and the background service. Every kind is either "fire"
// (no reply) or "call" (exactly one reply).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names a command.
type Kind string

const (
	KindFetch           Kind = "fetch"
	KindGetStatus       Kind = "get-status"
	KindExtensionEnable Kind = "extension-enable"
	KindSiteEnable      Kind = "site-enable"
	KindTabEnable       Kind = "tab-enable"
	KindOnline          Kind = "online"
	KindShallRegister   Kind = "shall-register"
	KindShallUnregister Kind = "shall-unregister"
)

var (
	// ErrUnknownKind is returned for a message whose kind is not in the set.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrClosed is returned to a caller whose transport closed before the
	// reply arrived. Callers must treat the request as failed and not retry.
	ErrClosed = errors.New("protocol: transport closed")
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFetch, KindGetStatus, KindExtensionEnable, KindSiteEnable,
		KindTabEnable, KindOnline, KindShallRegister, KindShallUnregister:
		return true
	}
	return false
}

// IsCall reports whether k expects exactly one reply.
func (k Kind) IsCall() bool {
	return k == KindFetch || k == KindGetStatus
}

// IsPush reports whether k travels from the background to a page.
func (k Kind) IsPush() bool {
	return k == KindShallRegister || k == KindShallUnregister
}

// Message is one request. Tab is the sender tab for page messages; control
// surface messages may leave it empty to address the active tab.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Tab     string          `json:"tab,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers a call. Error is set instead of Payload when the handler failed.
type Reply struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewMessage builds a message, encoding payload when non-nil.
func NewMessage(kind Kind, tab string, payload any) (Message, error) {
	msg := Message{Kind: kind, Tab: tab}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: encode %s payload: %w", kind, err)
	}
	msg.Payload = raw
	return msg, nil
}

// DecodeBool reads a boolean payload.
func DecodeBool(msg Message) (bool, error) {
	var v bool
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return false, fmt.Errorf("protocol: %s payload must be a boolean: %w", msg.Kind, err)
	}
	return v, nil
}

// DecodeString reads a string payload.
func DecodeString(msg Message) (string, error) {
	var v string
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return "", fmt.Errorf("protocol: %s payload must be a string: %w", msg.Kind, err)
	}
	return v, nil
}

// Decode unmarshals a reply payload into out.
func (r Reply) Decode(out any) error {
	if r.Error != "" {
		return fmt.Errorf("protocol: %s failed: %s", r.Kind, r.Error)
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("protocol: decode %s reply: %w", r.Kind, err)
	}
	return nil
}
