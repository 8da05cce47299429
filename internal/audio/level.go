package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// LevelTap observes capture frames and exposes the most recent RMS and peak
// levels, normalized to [0, 1]. It is a read-only tap for meters; it never
// modifies or withholds frames.
type LevelTap struct {
	mu   sync.Mutex
	rms  float64
	peak float64
}

// Observe measures one PCM16LE mono frame.
func (t *LevelTap) Observe(pcm []byte) {
	n := len(pcm) / 2
	if n == 0 {
		return
	}
	var sumSquares float64
	var peak float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sumSquares += sample * sample
		if abs := math.Abs(sample); abs > peak {
			peak = abs
		}
	}

	t.mu.Lock()
	t.rms = math.Sqrt(sumSquares / float64(n))
	t.peak = peak
	t.mu.Unlock()
}

// Level returns the RMS and peak of the most recently observed frame.
func (t *LevelTap) Level() (rms, peak float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rms, t.peak
}
