package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// The process gets exactly one oto context; reconnects reuse it and only
// rebuild their player.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func playbackContext(sampleRate int, buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		if buffer <= 0 {
			// Small enough for conversational latency, large enough to
			// ride out scheduler jitter.
			buffer = 100 * time.Millisecond
		}
		opts := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// Sink plays PCM16LE mono chunks gaplessly. Chunk start times come from the
// playback clock; the byte buffer feeds the device via io.Reader pull.
type Sink struct {
	sched *Scheduler
	dump  *DumpRecorder

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	playing bool
	closed  bool
	player  *oto.Player
	otoCtx  *oto.Context
}

// NewSink builds a playback sink for one connection. dump may be nil.
func (e *Engine) NewSink(dump *DumpRecorder) (*Sink, error) {
	ctx, err := playbackContext(e.sampleRate, e.playbackBuffer)
	if err != nil {
		return nil, &PlaybackError{Err: fmt.Errorf("init playback context: %w", err)}
	}
	s := &Sink{
		sched:  NewScheduler(e.sampleRate),
		dump:   dump,
		otoCtx: ctx,
		buf:    make([]byte, 0, e.sampleRate*4),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Play schedules one decoded chunk and returns its start time on the
// playback clock.
func (s *Sink) Play(pcm []byte) (time.Time, error) {
	if len(pcm) == 0 {
		return time.Time{}, nil
	}
	if s.dump != nil {
		s.dump.Append(pcm)
	}
	start, _ := s.sched.Schedule(len(pcm) / 2)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, &PlaybackError{Err: fmt.Errorf("sink is closed")}
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return start, nil
}

// Pending reports how much scheduled audio remains unplayed.
func (s *Sink) Pending() time.Duration {
	return s.sched.Pending()
}

// Read implements io.Reader for the oto player pull loop.
func (s *Sink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Feed silence so the device drains instead of underrunning.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards queued audio and resets the playback clock.
func (s *Sink) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
	s.sched.Reset()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
