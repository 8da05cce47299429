// Package audio owns the capture device, the playback sink and the playback
// clock. The session borrows the capture stream for the lifetime of one
// connection and must Release the engine before building a new one.
package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// PermissionError means the capture device could not be acquired. It is
// terminal for the connection attempt; no automatic retry.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("audio capture: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// PlaybackError means the playback side failed to start.
type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("audio playback: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Engine owns one microphone capture device under the fixed constraint
// profile: 16-bit signed PCM, mono, fixed sample rate, 20 ms periods.
// The capture backend exposes no echo-cancellation, noise-suppression or
// auto-gain controls; capture is whatever processing the OS audio stack
// applies ahead of the device.
type Engine struct {
	sampleRate     int
	playbackBuffer time.Duration

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	enabled  bool
	released bool
	frames   chan []byte
	tap      LevelTap
}

// NewEngine builds an engine for one connection. playbackBuffer sizes the
// shared playback device buffer; zero picks a conversational default.
func NewEngine(sampleRate int, playbackBuffer time.Duration) *Engine {
	return &Engine{
		sampleRate:     sampleRate,
		playbackBuffer: playbackBuffer,
		frames:         make(chan []byte, 64),
	}
}

// Acquire initializes the capture device and starts it with forwarding
// enabled. Failures are classified as PermissionError: the operator has to
// sort out the device, retrying will not help.
func (e *Engine) Acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device != nil {
		return nil
	}
	if e.released {
		return &PermissionError{Err: fmt.Errorf("engine already released")}
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	allocated, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return &PermissionError{Err: fmt.Errorf("init context: %w", err)}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(e.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			e.onCaptureFrame(pInputSamples)
		},
	}

	device, err := malgo.InitDevice(allocated.Context, deviceConfig, callbacks)
	if err != nil {
		_ = allocated.Uninit()
		allocated.Free()
		return &PermissionError{Err: fmt.Errorf("init capture device: %w", err)}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = allocated.Uninit()
		allocated.Free()
		return &PermissionError{Err: fmt.Errorf("start capture device: %w", err)}
	}

	e.ctx = allocated
	e.device = device
	e.enabled = true
	return nil
}

func (e *Engine) onCaptureFrame(in []byte) {
	if len(in) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled || e.released {
		return
	}

	e.tap.Observe(in)

	frame := make([]byte, len(in))
	copy(frame, in)
	select {
	case e.frames <- frame:
	default:
		// The consumer fell behind; dropping capture audio beats blocking
		// the device callback.
	}
}

// Frames returns the capture stream. Frames arrive only while forwarding is
// enabled.
func (e *Engine) Frames() <-chan []byte { return e.frames }

func (e *Engine) SampleRate() int { return e.sampleRate }

// SetCaptureEnabled toggles forwarding of capture frames. The device keeps
// running so re-enabling is instant.
func (e *Engine) SetCaptureEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

func (e *Engine) CaptureEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Level reports the RMS and peak of the most recent capture frame.
func (e *Engine) Level() (rms, peak float64) {
	return e.tap.Level()
}

// Release stops and tears down the capture device. The engine cannot be
// reacquired; reconnects construct a fresh one.
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.released = true
	e.enabled = false
	close(e.frames)
	if e.device != nil {
		_ = e.device.Stop()
		e.device.Uninit()
		e.device = nil
	}
	if e.ctx != nil {
		_ = e.ctx.Uninit()
		e.ctx.Free()
		e.ctx = nil
	}
}
