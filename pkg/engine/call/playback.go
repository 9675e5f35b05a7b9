package call

import (
	"strings"
	"sync"
)

// promptSegment tracks one outbound utterance: how much audio was handed to
// the gateway and whether the gateway acknowledged playing it out.
type promptSegment struct {
	id   string
	text string

	mu        sync.Mutex
	sentBytes int64
	frames    int64
	acked     bool
}

func newPromptSegment(id, text string) *promptSegment {
	return &promptSegment{
		id:   strings.TrimSpace(id),
		text: strings.TrimSpace(text),
	}
}

func (s *promptSegment) addFrame(ulawBytes int) {
	if s == nil || ulawBytes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentBytes += int64(ulawBytes)
	s.frames++
}

func (s *promptSegment) ack() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = true
}

func (s *promptSegment) isAcked() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// sentMS returns how much playout time has been handed to the gateway.
// One byte per sample at 8 kHz, so 8 bytes per millisecond.
func (s *promptSegment) sentMS() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentBytes / 8
}

func (s *promptSegment) frameCount() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
