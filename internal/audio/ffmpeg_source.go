package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"quest/internal/domain"
	"quest/internal/ports"
)

const (
	defaultSampleRate = 16000
	defaultChannels   = 1

	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// FFMPEGSource opens microphone PCM streams through an ffmpeg subprocess.
type FFMPEGSource struct {
	command string
}

func NewFFMPEGSource(command string) *FFMPEGSource {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGSource{command: command}
}

// Probe opens the device and releases it straight away. ffmpeg has no
// passive permission query.
func (s *FFMPEGSource) Probe(ctx context.Context, cfg ports.AudioConfig) (domain.Permission, error) {
	stream, err := s.Open(ctx, cfg)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.ErrorKindPermissionDenied:
			return domain.PermissionDenied, nil
		case domain.ErrorKindUnsupported:
			return domain.PermissionUnsupported, nil
		default:
			return domain.PermissionUnknown, err
		}
	}
	_ = stream.Close()
	return domain.PermissionGranted, nil
}

// Open starts ffmpeg and returns its stdout as a signed 16-bit little-endian
// PCM stream. The process outlives ctx; only Stop ends it.
func (s *FFMPEGSource) Open(ctx context.Context, cfg ports.AudioConfig) (ports.AudioStream, error) {
	cfg = withDefaults(cfg)

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(s.command, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = stopGrace

	// exec copies into a writer we own, so Wait only returns once every
	// byte ffmpeg flushed has been handed to the reader.
	stdout, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrorKindUnsupported, err, "no audio recorder available")
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, domain.WrapError(domain.ErrorKindUnsupported, err, "audio recorder is not executable")
		}
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		waitErr <- err
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyEarlyExit(err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = stdout.Close()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func withDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

// classifyEarlyExit maps an ffmpeg that died during startup to an error kind.
func classifyEarlyExit(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)

	cause := err
	if cause == nil {
		cause = errors.New("ffmpeg exited before capture started")
	}

	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "access denied"):
		return domain.WrapError(domain.ErrorKindPermissionDenied, cause, "microphone access denied: "+detail)
	case strings.Contains(lower, "unknown input format"):
		return domain.WrapError(domain.ErrorKindUnsupported, cause, "audio input format not supported: "+detail)
	case strings.Contains(lower, "no such file"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open"),
		strings.Contains(lower, "input/output error"):
		return domain.WrapError(domain.ErrorKindNoDevice, cause, "no microphone available: "+detail)
	}
	if detail == "" {
		detail = "ffmpeg exited before capture started"
	}
	return domain.WrapError(domain.ErrorKindNoDevice, cause, detail)
}

type ffmpegStream struct {
	stdout *io.PipeReader
	stderr *lockedBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close discards unread audio and stops the process.
func (s *ffmpegStream) Close() error {
	_ = s.stdout.Close()
	return s.Stop()
}

func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			// Unblock the exec copier if nobody is reading.
			_ = s.stdout.Close()
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if s.stopErr != nil {
			if detail := strings.TrimSpace(s.stderr.String()); detail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, detail)
			}
		}
	})

	return s.stopErr
}

// normalizeStopErr treats a non-zero exit after an interrupt as a clean stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

// lockedBuffer lets the exec copier goroutine and Stop share stderr.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
