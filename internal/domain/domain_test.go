package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("submit: %w", NewError(ErrorKindRateLimited, "slow down"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited match")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unexpected unauthorized match")
	}
	if got := KindOf(err); got != ErrorKindRateLimited {
		t.Fatalf("unexpected kind: %s", got)
	}
}

func TestKindOfForeignError(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("boom")); got != ErrorKindRemoteError {
		t.Fatalf("expected remote_error fallback, got %s", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %s", got)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	t.Parallel()

	err := WrapError(ErrorKindNetworkError, errors.New("dial tcp"), "request failed")
	if err.Error() != "request failed: dial tcp" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if NewError(ErrorKindNoDevice, "").Error() != "no_device" {
		t.Fatalf("expected kind as fallback message")
	}
}

func TestSessionExpired(t *testing.T) {
	t.Parallel()

	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Session{IssuedAt: issued}
	if s.Expired(issued.Add(23*time.Hour), 0) {
		t.Fatalf("session should still be valid")
	}
	if !s.Expired(issued.Add(24*time.Hour), 0) {
		t.Fatalf("session should expire at ttl")
	}
}

func TestSessionDisplayName(t *testing.T) {
	t.Parallel()

	if got := (Session{Email: "ada@example.com"}).DisplayName(); got != "ada" {
		t.Fatalf("unexpected display name: %q", got)
	}
	if got := (Session{Email: "ada@example.com", Nickname: "Ada"}).DisplayName(); got != "Ada" {
		t.Fatalf("unexpected display name: %q", got)
	}
}

func TestRecordingStateBusy(t *testing.T) {
	t.Parallel()

	busy := []RecordingState{RecordingStateRequesting, RecordingStateStopping, RecordingStateTranscribing}
	for _, state := range busy {
		if !state.Busy() {
			t.Fatalf("expected %s to be busy", state)
		}
	}
	for _, state := range []RecordingState{RecordingStateIdle, RecordingStateRecording, RecordingStateFailed} {
		if state.Busy() {
			t.Fatalf("expected %s to accept toggles", state)
		}
	}
}
