package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"quest/internal/domain"
	"quest/internal/observability"
	"quest/internal/ports"
)

const readChunkSize = 4096

// Capture owns the microphone for the page context. Each Start opens one
// hardware stream and buffers it in memory until the handle is stopped.
type Capture struct {
	source ports.AudioSource
	cfg    ports.AudioConfig
	log    *slog.Logger
	newID  func() string

	mu     sync.Mutex
	live   map[string]*recording
	closed bool
}

// CaptureOption customizes a Capture.
type CaptureOption func(*Capture)

func WithLogger(logger *slog.Logger) CaptureOption {
	return func(c *Capture) {
		c.log = observability.Default(logger).With("component", "audio_capture")
	}
}

func WithIDGenerator(newID func() string) CaptureOption {
	return func(c *Capture) {
		if newID != nil {
			c.newID = newID
		}
	}
}

func NewCapture(source ports.AudioSource, cfg ports.AudioConfig, opts ...CaptureOption) *Capture {
	c := &Capture{
		source: source,
		cfg:    withDefaults(cfg),
		log:    observability.Default(nil).With("component", "audio_capture"),
		newID:  uuid.NewString,
		live:   make(map[string]*recording),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestPermission reports whether the microphone can be opened.
func (c *Capture) RequestPermission(ctx context.Context) (domain.Permission, error) {
	if c.source == nil {
		return domain.PermissionUnsupported, nil
	}
	return c.source.Probe(ctx, c.cfg)
}

// Start opens the microphone and begins buffering.
func (c *Capture) Start(ctx context.Context) (ports.RecordingHandle, error) {
	if c.source == nil {
		return nil, domain.NewError(domain.ErrorKindUnsupported, "no audio recorder configured")
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, domain.NewError(domain.ErrorKindUnsupported, "audio capture has been shut down")
	}

	stream, err := c.source.Open(ctx, c.cfg)
	if err != nil {
		return nil, classifyOpenErr(err)
	}

	rec := &recording{
		id:      c.newID(),
		owner:   c,
		stream:  stream,
		cfg:     c.cfg,
		drained: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		rec.release()
		return nil, domain.NewError(domain.ErrorKindUnsupported, "audio capture has been shut down")
	}
	c.live[rec.id] = rec
	c.mu.Unlock()

	go rec.drain(c.log)
	c.log.Debug("recording started", "recording_id", rec.id)
	return rec, nil
}

// Close releases every live stream. Handles stay stoppable and return
// whatever was buffered before the release.
func (c *Capture) Close() error {
	c.mu.Lock()
	c.closed = true
	live := make([]*recording, 0, len(c.live))
	for _, rec := range c.live {
		live = append(live, rec)
	}
	c.mu.Unlock()

	var errs []error
	for _, rec := range live {
		if err := rec.release(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(live) > 0 {
		c.log.Info("released microphone on teardown", "streams", len(live))
	}
	return errors.Join(errs...)
}

// Live reports how many streams are currently held.
func (c *Capture) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func (c *Capture) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, id)
}

func classifyOpenErr(err error) error {
	var kindErr *domain.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.WrapError(domain.ErrorKindNoDevice, err, "could not open microphone")
}

type recording struct {
	id     string
	owner  *Capture
	stream ports.AudioStream
	cfg    ports.AudioConfig

	bufMu sync.Mutex
	pcm   bytes.Buffer

	drained chan struct{}

	releaseOnce sync.Once
	releaseErr  error

	stopOnce sync.Once
	result   domain.AudioBuffer
	stopErr  error
}

func (r *recording) ID() string {
	return r.id
}

// Stop releases the stream, encodes the buffered PCM and returns it.
// Repeated calls return the first result. A ctx that ends before the
// stream drains fails only that call.
func (r *recording) Stop(ctx context.Context) (domain.AudioBuffer, error) {
	releaseErr := r.release()
	defer r.owner.forget(r.id)

	select {
	case <-r.drained:
	case <-ctx.Done():
		return domain.AudioBuffer{}, ctx.Err()
	}

	r.stopOnce.Do(func() {
		if releaseErr != nil {
			r.owner.log.Warn("stream release reported an error", "recording_id", r.id, "error", releaseErr)
		}

		r.bufMu.Lock()
		pcm := append([]byte(nil), r.pcm.Bytes()...)
		r.bufMu.Unlock()

		data, err := EncodeWAV(pcm, r.cfg.SampleRate, r.cfg.Channels)
		if err != nil {
			r.stopErr = domain.WrapError(domain.ErrorKindNoDevice, err, "could not encode recording")
			return
		}
		r.result = domain.AudioBuffer{Data: data, MIMEType: MIMETypeWAV}
	})
	return r.result, r.stopErr
}

// release stops the hardware stream exactly once.
func (r *recording) release() error {
	r.releaseOnce.Do(func() {
		r.releaseErr = r.stream.Stop()
	})
	return r.releaseErr
}

func (r *recording) drain(log *slog.Logger) {
	defer close(r.drained)

	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.stream.Read(chunk)
		if n > 0 {
			r.bufMu.Lock()
			r.pcm.Write(chunk[:n])
			r.bufMu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug("audio stream read ended", "recording_id", r.id, "error", err)
			}
			return
		}
	}
}
