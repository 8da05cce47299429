package audio

import (
	"sync"
	"time"
)

// Scheduler owns the playback clock used for gapless chunk scheduling.
// Each chunk starts at the later of "now" and the moment the previous chunk
// ends, so back-to-back chunks never overlap and never leave a gap.
type Scheduler struct {
	mu         sync.Mutex
	sampleRate int
	now        func() time.Time
	next       time.Time
}

func NewScheduler(sampleRate int) *Scheduler {
	return &Scheduler{
		sampleRate: sampleRate,
		now:        time.Now,
	}
}

// Schedule reserves playback time for sampleCount mono samples and returns
// the chunk's start time and duration.
func (s *Scheduler) Schedule(sampleCount int) (time.Time, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := time.Duration(sampleCount) * time.Second / time.Duration(s.sampleRate)
	now := s.now()
	start := s.next
	if start.Before(now) {
		start = now
	}
	s.next = start.Add(d)
	return start, d
}

// Pending reports how much already-scheduled audio remains after now.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next.IsZero() {
		return 0
	}
	if remaining := s.next.Sub(s.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Reset drops the cursor so the next chunk starts immediately.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = time.Time{}
}
