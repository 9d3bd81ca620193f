package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"quest/internal/domain"
)

// Request is what a handler sees of an incoming message.
type Request struct {
	Action  domain.Action
	Sender  domain.ContextName
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return domain.NewError(domain.ErrorKindInvalidInput, "%s: missing payload", r.Action)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return domain.WrapError(domain.ErrorKindInvalidInput, err, fmt.Sprintf("%s: malformed payload", r.Action))
	}
	return nil
}

// HandlerFunc answers one action. The returned value becomes the response
// result; a returned error becomes the response error field.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Mux maps actions to handlers.
type Mux struct {
	mu       sync.RWMutex
	handlers map[domain.Action]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[domain.Action]HandlerFunc)}
}

// Handle registers handler for action, replacing any earlier one.
func (m *Mux) Handle(action domain.Action, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[action] = handler
}

func (m *Mux) dispatch(ctx context.Context, req Request) (result json.RawMessage, wireErr *WireError) {
	m.mu.RLock()
	handler, ok := m.handlers[req.Action]
	m.mu.RUnlock()
	if !ok {
		return nil, &WireError{Kind: domain.ErrorKindRemoteError, Message: fmt.Sprintf("no handler for action %q", req.Action)}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			wireErr = &WireError{Kind: domain.ErrorKindRemoteError, Message: fmt.Sprintf("handler for %q panicked: %v", req.Action, recovered)}
		}
	}()

	value, err := handler(ctx, req)
	if err != nil {
		return nil, toWireError(err)
	}
	encoded, err := encodePayload(value)
	if err != nil {
		return nil, toWireError(err)
	}
	return encoded, nil
}
