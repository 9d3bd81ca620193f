package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quest/internal/domain"
	"quest/internal/observability"
)

// DefaultTimeout bounds how long Send waits for a correlated response.
const DefaultTimeout = 10 * time.Second

type timeoutKey struct{}

// WithCallTimeout overrides the response timeout for calls made with ctx.
func WithCallTimeout(ctx context.Context, timeout time.Duration) context.Context {
	if timeout <= 0 {
		return ctx
	}
	return context.WithValue(ctx, timeoutKey{}, timeout)
}

func callTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if timeout, ok := ctx.Value(timeoutKey{}).(time.Duration); ok && timeout > 0 {
		return timeout
	}
	return fallback
}

// Options tunes a Bus endpoint.
type Options struct {
	Timeout time.Duration
	NewID   func() string
	Logger  *slog.Logger
}

// Bus is one context's endpoint on the message channel. It correlates
// responses to requests by ID and serves registered handlers.
type Bus struct {
	self    domain.ContextName
	conn    Conn
	mux     *Mux
	timeout time.Duration
	newID   func() string
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

func New(self domain.ContextName, conn Conn, opts Options) *Bus {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Bus{
		self:    self,
		conn:    conn,
		mux:     NewMux(),
		timeout: opts.Timeout,
		newID:   opts.NewID,
		log:     observability.Default(opts.Logger).With("component", "bus", "context", string(self)),
		pending: make(map[string]chan Envelope),
		done:    make(chan struct{}),
	}
}

// Self returns the context this endpoint speaks for.
func (b *Bus) Self() domain.ContextName {
	return b.self
}

// Handle registers a handler for requests addressed to this context.
func (b *Bus) Handle(action domain.Action, handler HandlerFunc) {
	b.mux.Handle(action, handler)
}

// Start runs the read loop in the background.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		_ = b.Run(ctx)
	}()
}

// Run reads frames until the channel is torn down, then fails every pending
// request with channel_closed.
func (b *Bus) Run(ctx context.Context) error {
	defer b.shutdown()

	for {
		env, err := b.conn.Receive()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			b.log.Debug("channel read ended", "error", err)
			return err
		}

		if env.IsResponse() {
			b.resolve(env)
			continue
		}
		go b.serve(ctx, env)
	}
}

// Done is closed once the channel is gone.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close tears the channel down.
func (b *Bus) Close() error {
	err := b.conn.Close()
	b.shutdown()
	return err
}

// Send issues a request to target and waits for the correlated response.
func (b *Bus) Send(ctx context.Context, target domain.ContextName, action domain.Action, payload any) (json.RawMessage, error) {
	encoded, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	id, ch, err := b.register()
	if err != nil {
		return nil, err
	}

	env := Envelope{
		Action:        action,
		CorrelationID: id,
		Sender:        b.self,
		Target:        target,
		Payload:       encoded,
	}
	if err := b.conn.Send(env); err != nil {
		b.forget(id)
		return nil, domain.WrapError(domain.ErrorKindChannelClosed, err, fmt.Sprintf("send %s to %s", action, target))
	}

	timeout := callTimeout(ctx, b.timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, domain.NewError(domain.ErrorKindChannelClosed, "%s: channel to %s closed before response", action, target)
		}
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	case <-timer.C:
		b.forget(id)
		return nil, domain.NewError(domain.ErrorKindChannelTimeout, "%s: no response from %s within %s", action, target, timeout)
	case <-ctx.Done():
		b.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.WrapError(domain.ErrorKindChannelTimeout, ctx.Err(), fmt.Sprintf("%s: waiting for %s", action, target))
		}
		return nil, ctx.Err()
	}
}

// Call is Send followed by decoding the result into out. A nil out discards it.
func (b *Bus) Call(ctx context.Context, target domain.ContextName, action domain.Action, payload any, out any) error {
	result, err := b.Send(ctx, target, action, payload)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return domain.WrapError(domain.ErrorKindRemoteError, err, fmt.Sprintf("%s: malformed response", action))
	}
	return nil
}

// Notify sends a one-way message; the receiver produces no response.
func (b *Bus) Notify(_ context.Context, target domain.ContextName, action domain.Action, payload any) error {
	encoded, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if b.isClosed() {
		return domain.NewError(domain.ErrorKindChannelClosed, "%s: channel closed", action)
	}

	env := Envelope{
		Action:        action,
		CorrelationID: b.newID(),
		Sender:        b.self,
		Target:        target,
		Notify:        true,
		Payload:       encoded,
	}
	if err := b.conn.Send(env); err != nil {
		return domain.WrapError(domain.ErrorKindChannelClosed, err, fmt.Sprintf("notify %s to %s", action, target))
	}
	return nil
}

func (b *Bus) register() (string, chan Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", nil, domain.NewError(domain.ErrorKindChannelClosed, "channel closed")
	}

	for attempt := 0; attempt < 3; attempt++ {
		id := b.newID()
		if _, taken := b.pending[id]; taken {
			b.log.Warn("correlation id collision", "correlation_id", id)
			continue
		}
		ch := make(chan Envelope, 1)
		b.pending[id] = ch
		return id, ch, nil
	}
	return "", nil, domain.NewError(domain.ErrorKindRemoteError, "could not allocate a unique correlation id")
}

func (b *Bus) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

func (b *Bus) resolve(env Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.CorrelationID]
	if ok {
		delete(b.pending, env.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.log.Warn("discarding unmatched response", "correlation_id", env.CorrelationID, "sender", string(env.Sender))
		return
	}
	ch <- env
}

func (b *Bus) serve(ctx context.Context, env Envelope) {
	result, wireErr := b.mux.dispatch(ctx, Request{Action: env.Action, Sender: env.Sender, Payload: env.Payload})
	if wireErr != nil {
		b.log.Debug("handler failed", "action", string(env.Action), "kind", string(wireErr.Kind), "error", wireErr.Message)
	}
	if env.Notify {
		return
	}

	reply := Envelope{
		CorrelationID: env.CorrelationID,
		Sender:        b.self,
		Target:        env.Sender,
		Result:        result,
		Error:         wireErr,
	}
	if err := b.conn.Send(reply); err != nil {
		b.log.Debug("response dropped", "action", string(env.Action), "error", err)
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) shutdown() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for id, ch := range b.pending {
			close(ch)
			delete(b.pending, id)
		}
		b.mu.Unlock()
		close(b.done)
	})
}
