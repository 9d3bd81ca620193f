package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"quest/internal/domain"
	"quest/internal/observability"
)

// Hub is the background context's router. Every other context attaches one
// Conn; requests are forwarded to their target and responses routed back.
type Hub struct {
	self domain.ContextName
	mux  *Mux
	log  *slog.Logger

	mu       sync.Mutex
	peers    map[domain.ContextName]*peer
	inflight map[routeKey]*peer
	closed   bool
}

type peer struct {
	name domain.ContextName
	conn Conn
}

type routeKey struct {
	origin domain.ContextName
	id     string
}

func NewHub(self domain.ContextName, logger *slog.Logger) *Hub {
	if self == "" {
		self = domain.ContextBackground
	}
	return &Hub{
		self:     self,
		mux:      NewMux(),
		log:      observability.Default(logger).With("component", "hub"),
		peers:    make(map[domain.ContextName]*peer),
		inflight: make(map[routeKey]*peer),
	}
}

// Handle registers a handler for requests addressed to the hub's own context.
func (h *Hub) Handle(action domain.Action, handler HandlerFunc) {
	h.mux.Handle(action, handler)
}

// Connected reports whether a context is currently attached.
func (h *Hub) Connected(name domain.ContextName) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[name]
	return ok
}

// Attach serves conn as context name until it is torn down. A newer
// connection for the same name replaces the older one.
func (h *Hub) Attach(ctx context.Context, name domain.ContextName, conn Conn) error {
	if name == "" || name == h.self {
		_ = conn.Close()
		return fmt.Errorf("invalid context name %q", name)
	}

	p := &peer{name: name, conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	previous := h.peers[name]
	h.peers[name] = p
	h.mu.Unlock()

	if previous != nil {
		h.log.Info("context replaced", "context", string(name))
		_ = previous.conn.Close()
	}
	h.log.Debug("context attached", "context", string(name))

	defer h.detach(p)

	for {
		env, err := conn.Receive()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		env.Sender = name

		if env.IsResponse() {
			h.routeResponse(env)
			continue
		}
		if env.Target == "" || env.Target == h.self {
			go h.serveLocal(ctx, p, env)
			continue
		}
		h.forward(p, env)
	}
}

// Close detaches every context.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	return nil
}

func (h *Hub) forward(origin *peer, env Envelope) {
	h.mu.Lock()
	target := h.peers[env.Target]
	if target != nil && !env.Notify {
		h.inflight[routeKey{origin: origin.name, id: env.CorrelationID}] = target
	}
	h.mu.Unlock()

	if target == nil {
		h.log.Debug("no route", "action", string(env.Action), "target", string(env.Target))
		if !env.Notify {
			h.replyError(origin, env.CorrelationID, domain.NewError(domain.ErrorKindChannelClosed, "no %s context connected", env.Target))
		}
		return
	}

	if err := target.conn.Send(env); err != nil {
		h.mu.Lock()
		delete(h.inflight, routeKey{origin: origin.name, id: env.CorrelationID})
		h.mu.Unlock()
		if !env.Notify {
			h.replyError(origin, env.CorrelationID, domain.WrapError(domain.ErrorKindChannelClosed, err, fmt.Sprintf("deliver to %s", env.Target)))
		}
	}
}

func (h *Hub) routeResponse(env Envelope) {
	h.mu.Lock()
	delete(h.inflight, routeKey{origin: env.Target, id: env.CorrelationID})
	origin := h.peers[env.Target]
	h.mu.Unlock()

	if origin == nil {
		h.log.Debug("dropping response for detached context", "target", string(env.Target), "correlation_id", env.CorrelationID)
		return
	}
	if err := origin.conn.Send(env); err != nil {
		h.log.Debug("response delivery failed", "target", string(env.Target), "error", err)
	}
}

func (h *Hub) serveLocal(ctx context.Context, origin *peer, env Envelope) {
	result, wireErr := h.mux.dispatch(ctx, Request{Action: env.Action, Sender: env.Sender, Payload: env.Payload})
	if wireErr != nil {
		h.log.Debug("handler failed", "action", string(env.Action), "kind", string(wireErr.Kind), "error", wireErr.Message)
	}
	if env.Notify {
		return
	}
	reply := Envelope{
		CorrelationID: env.CorrelationID,
		Sender:        h.self,
		Target:        origin.name,
		Result:        result,
		Error:         wireErr,
	}
	if err := origin.conn.Send(reply); err != nil {
		h.log.Debug("response dropped", "action", string(env.Action), "error", err)
	}
}

func (h *Hub) replyError(origin *peer, correlationID string, err error) {
	reply := Envelope{
		CorrelationID: correlationID,
		Sender:        h.self,
		Target:        origin.name,
		Error:         toWireError(err),
	}
	if sendErr := origin.conn.Send(reply); sendErr != nil {
		h.log.Debug("error reply dropped", "target", string(origin.name), "error", sendErr)
	}
}

// detach removes p and fails every request still waiting on it.
func (h *Hub) detach(p *peer) {
	type orphan struct {
		origin *peer
		id     string
	}

	h.mu.Lock()
	if h.peers[p.name] == p {
		delete(h.peers, p.name)
	}
	var orphans []orphan
	for key, target := range h.inflight {
		switch {
		case target == p:
			delete(h.inflight, key)
			if origin := h.peers[key.origin]; origin != nil {
				orphans = append(orphans, orphan{origin: origin, id: key.id})
			}
		case key.origin == p.name && h.peers[p.name] == nil:
			delete(h.inflight, key)
		}
	}
	h.mu.Unlock()

	_ = p.conn.Close()
	h.log.Debug("context detached", "context", string(p.name), "orphaned", len(orphans))

	for _, o := range orphans {
		h.replyError(o.origin, o.id, domain.NewError(domain.ErrorKindChannelClosed, "%s context closed before responding", p.name))
	}
}
