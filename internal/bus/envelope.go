package bus

import (
	"encoding/json"
	"errors"

	"quest/internal/domain"
)

// Envelope is the single wire frame exchanged between contexts. A frame with
// an action is a request; a frame without one is the response to CorrelationID.
type Envelope struct {
	Action        domain.Action      `json:"action,omitempty"`
	CorrelationID string             `json:"correlationId"`
	Sender        domain.ContextName `json:"sender,omitempty"`
	Target        domain.ContextName `json:"target,omitempty"`
	Notify        bool               `json:"notify,omitempty"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Error         *WireError         `json:"error,omitempty"`
}

// IsResponse reports whether the frame answers an earlier request.
func (e Envelope) IsResponse() bool {
	return e.Action == ""
}

// WireError is the serializable form of a handler failure.
type WireError struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	kind := w.Kind
	if kind == "" {
		kind = domain.ErrorKindRemoteError
	}
	return domain.NewError(kind, "%s", w.Message)
}

func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	message := err.Error()
	var kindErr *domain.Error
	if errors.As(err, &kindErr) && kindErr.Message != "" {
		message = kindErr.Message
	}
	return &WireError{Kind: domain.KindOf(err), Message: message}
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindInvalidInput, err, "payload is not serializable")
	}
	return data, nil
}
