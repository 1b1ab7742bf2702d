package relay

import "sync"

// recordingSink implements sse.Sink and records delivered frames.
type recordingSink struct {
	mu     sync.Mutex
	frames []string
}

func (s *recordingSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(p))
	return nil
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}
