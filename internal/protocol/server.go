package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Handler serves protocol messages in the background context.
type Handler interface {
	HandleFire(ctx context.Context, msg Message) error
	HandleCall(ctx context.Context, msg Message) (any, error)
}

// Conn is the caller side of the protocol, whatever the transport.
type Conn interface {
	Fire(ctx context.Context, msg Message) error
	Call(ctx context.Context, msg Message) (Reply, error)
}

// Server routes messages to a Handler and enforces the reply discipline.
type Server struct {
	h Handler
}

// NewServer returns a Server backed by h.
func NewServer(h Handler) *Server {
	return &Server{h: h}
}

// Dispatch handles one message. For call kinds it returns exactly one reply
// (ok is true) even when the handler fails; fire kinds never produce one.
func (s *Server) Dispatch(ctx context.Context, msg Message) (reply Reply, ok bool, err error) {
	if !msg.Kind.Valid() || msg.Kind.IsPush() {
		slog.Warn("Dropped message of unknown kind", "kind", msg.Kind, "tab_id", msg.Tab)
		return Reply{}, false, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}

	if !msg.Kind.IsCall() {
		if err := s.h.HandleFire(ctx, msg); err != nil {
			slog.Warn("Fire handler failed", "kind", msg.Kind, "tab_id", msg.Tab, "error", err)
			return Reply{}, false, err
		}
		return Reply{}, false, nil
	}

	reply = Reply{ID: msg.ID, Kind: msg.Kind}
	result, err := s.h.HandleCall(ctx, msg)
	if err != nil {
		slog.Warn("Call handler failed", "kind", msg.Kind, "tab_id", msg.Tab, "error", err)
		reply.Error = err.Error()
		return reply, true, nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		reply.Error = fmt.Sprintf("encode reply: %v", err)
		return reply, true, nil
	}
	reply.Payload = raw
	return reply, true, nil
}
