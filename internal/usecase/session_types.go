package usecase

import (
	"sync"

	"quest/internal/domain"
)

// recordingSession is the coordinator's view of one recording attempt.
// A session is discarded once it completes, fails, or is abandoned.
type recordingSession struct {
	generation uint64

	mu          sync.Mutex
	recordingID string

	// complete receives the buffer pushed by recordingComplete.
	complete chan domain.RecordingComplete
}

func newRecordingSession(generation uint64) *recordingSession {
	return &recordingSession{
		generation: generation,
		complete:   make(chan domain.RecordingComplete, 1),
	}
}

func (s *recordingSession) setRecordingID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingID = id
}

func (s *recordingSession) getRecordingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingID
}

// offer hands a pushed completion to whoever is waiting. A second push for
// the same recording is dropped.
func (s *recordingSession) offer(msg domain.RecordingComplete) bool {
	select {
	case s.complete <- msg:
		return true
	default:
		return false
	}
}
