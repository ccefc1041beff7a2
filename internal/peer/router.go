package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/reposync/internal/askpass"
	"github.com/dshills/reposync/internal/gitbackend"
	"github.com/dshills/reposync/internal/gitstore"
)

// Handler processes one inbound message. The returned value, if non-nil, is
// marshaled as the response payload. Notifications ignore the return value.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Router maps message types to handlers. All handlers are registered once
// at construction; registration order carries no meaning and there is no
// ambient global table.
type Router struct {
	handlers map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a handler to a message type, replacing any previous one.
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// Dispatch routes one message. Unknown types are an error so protocol
// drift is caught instead of silently ignored.
func (r *Router) Dispatch(ctx context.Context, msgType string, payload json.RawMessage) (any, error) {
	h, ok := r.handlers[msgType]
	if !ok {
		return nil, fmt.Errorf("no handler for message type %q", msgType)
	}
	return h(ctx, payload)
}

// errorCode classifies an error for the wire.
func errorCode(err error) string {
	switch {
	case errors.Is(err, gitstore.ErrRepositoryNotFound):
		return CodeNotFound
	case errors.Is(err, gitbackend.ErrAuthenticationFailed), errors.Is(err, askpass.ErrNoDelegate):
		return CodeAuth
	default:
		return CodeInternal
	}
}

// errorFromCode reverses errorCode on the receiving side so callers can
// test with errors.Is against the package sentinels.
func errorFromCode(code, msg string) error {
	switch code {
	case CodeNotFound:
		return fmt.Errorf("%s: %w", msg, gitstore.ErrRepositoryNotFound)
	case CodeAuth:
		return fmt.Errorf("%s: %w", msg, gitbackend.ErrAuthenticationFailed)
	default:
		return errors.New(msg)
	}
}
