// Package realtime owns the lifetime of a voice session against the hosted
// realtime model: connection state, the control-channel protocol exchange,
// idle and duration policy, and reconnect behavior. Transports and audio
// devices are injected so the core is testable without hardware or network.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/birdbrainlab/birdbrain/internal/audio"
	"github.com/birdbrainlab/birdbrain/internal/broker"
	"github.com/birdbrainlab/birdbrain/internal/observability"
	"github.com/birdbrainlab/birdbrain/internal/protocol"
	"github.com/birdbrainlab/birdbrain/internal/reliability"
	"github.com/birdbrainlab/birdbrain/internal/transport"
)

// farewellPrompt is sent as a one-off response request during a graceful
// disconnect.
const farewellPrompt = "The user is leaving now. Give a short, in-character goodbye in one or two sentences, referencing the conversation if anything memorable happened."

// errStale aborts a continuation whose connection generation has been
// superseded.
var errStale = errors.New("connection superseded")

// CredentialSource mints the ephemeral secret a transport authenticates
// with. *broker.Client satisfies it.
type CredentialSource interface {
	FetchCredential(ctx context.Context) (broker.Credential, error)
}

// Microphone is one connection's capture device. *audio.Engine satisfies it.
type Microphone interface {
	Acquire() error
	Release()
	Frames() <-chan []byte
	SampleRate() int
	SetCaptureEnabled(bool)
	CaptureEnabled() bool
}

// Player is one connection's playback sink. *audio.Sink satisfies it.
type Player interface {
	Play(pcm []byte) (time.Time, error)
	Flush()
	Close() error
}

// Options carries session tunables. Zero values are filled by NewSession.
type Options struct {
	Instructions string
	Voice        string
	Temperature  float64
	// OutputFormat is the wire format of socket-path audio deltas
	// (pcm16, g711_ulaw, g711_alaw).
	OutputFormat string
	// MaxOutputTokens caps the length of each model response.
	MaxOutputTokens int

	IdleTimeout         time.Duration
	MaxSessionDuration  time.Duration
	PolicyCheckInterval time.Duration
	ConnectTimeout      time.Duration
	FarewellTimeout     time.Duration

	ReconnectMaxAttempts int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration

	Logger *log.Logger
	// Stages collects connect and turn latency diagnostics. Nil disables
	// collection.
	Stages *observability.LatencyWindow
}

// Session is a single logical voice conversation. It survives transport
// reconnects; each underlying connection is one generation.
type Session struct {
	opts          Options
	creds         CredentialSource
	newTransport  func() transport.Transport
	newMicrophone func() Microphone
	newPlayer     func() (Player, error)

	mu            sync.Mutex
	id            string
	status        Status
	gen           uint64
	tr            transport.Transport
	mic           Microphone
	player        Player
	instructions  string
	voice         string
	temperature   float64
	listening     bool
	attempts      int
	startedAt     time.Time
	lastActivity  time.Time
	lastErr       error
	parseFailures int
	disconnecting bool
	farewellDone  chan struct{}
	connBegan     time.Time
	turnBegan     time.Time
}

func NewSession(
	opts Options,
	creds CredentialSource,
	newTransport func() transport.Transport,
	newMicrophone func() Microphone,
	newPlayer func() (Player, error),
) *Session {
	if opts.OutputFormat == "" {
		opts.OutputFormat = audio.FormatPCM16
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.MaxSessionDuration <= 0 {
		opts.MaxSessionDuration = 15 * time.Minute
	}
	if opts.PolicyCheckInterval <= 0 {
		opts.PolicyCheckInterval = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.FarewellTimeout <= 0 {
		opts.FarewellTimeout = 5 * time.Second
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 4096
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = 3
	}
	if opts.ReconnectBackoffBase <= 0 {
		opts.ReconnectBackoffBase = 2 * time.Second
	}
	if opts.ReconnectBackoffCap <= 0 {
		opts.ReconnectBackoffCap = 8 * time.Second
	}
	return &Session{
		opts:          opts,
		creds:         creds,
		newTransport:  newTransport,
		newMicrophone: newMicrophone,
		newPlayer:     newPlayer,
		id:            uuid.NewString(),
		status:        StatusDisconnected,
		instructions:  opts.Instructions,
		voice:         opts.Voice,
		temperature:   opts.Temperature,
		listening:     true,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Session) Instructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instructions
}

func (s *Session) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

func (s *Session) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature
}

// LastError reports the failure that put the session into StatusError.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ParseFailures counts inbound control frames that could not be decoded.
// They are dropped, never fatal.
func (s *Session) ParseFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parseFailures
}

// Connect starts a connection attempt. It is a no-op unless the session is
// disconnected or in a terminal error state, so repeated calls are safe.
func (s *Session) Connect() error {
	s.mu.Lock()
	next, ok := Transition(s.status, SignalDial)
	if !ok || s.status == StatusConnectionFailed {
		// connection_failed is owned by the internal reconnect loop.
		s.mu.Unlock()
		return nil
	}
	s.status = next
	s.gen++
	gen := s.gen
	s.attempts = 0
	s.lastErr = nil
	s.mu.Unlock()

	go s.run(gen)
	return nil
}

// Disconnect tears the session down. When force is false the assistant is
// asked for a short farewell first, with a bounded wait, and exactly one
// reconnect is scheduled afterwards. When force is true teardown is
// immediate and final.
func (s *Session) Disconnect(force bool) error {
	s.mu.Lock()
	if s.status == StatusDisconnected || s.disconnecting {
		s.mu.Unlock()
		return nil
	}
	s.disconnecting = true
	tr := s.tr
	controlOpen := s.status == StatusConnected || s.status == StatusResponding
	var wait chan struct{}
	if !force && controlOpen && tr != nil {
		wait = make(chan struct{})
		s.farewellDone = wait
	}
	s.mu.Unlock()

	if wait != nil {
		msg := protocol.ResponseCreate{
			Type: protocol.TypeResponseCreate,
			Response: protocol.ResponseConfig{
				Modalities:   []string{"audio", "text"},
				Instructions: farewellPrompt,
			},
		}
		if err := tr.Send(msg); err != nil {
			s.logf("session %s: farewell request failed: %v", s.id, err)
		} else {
			select {
			case <-wait:
			case <-time.After(s.opts.FarewellTimeout):
			}
		}
	}

	s.mu.Lock()
	s.gen++
	tr = s.tr
	mic := s.mic
	player := s.player
	s.tr, s.mic, s.player = nil, nil, nil
	s.farewellDone = nil
	s.status = StatusDisconnected
	s.disconnecting = false
	s.mu.Unlock()

	if mic != nil {
		mic.SetCaptureEnabled(false)
		mic.Release()
	}
	if player != nil {
		player.Close()
	}
	if tr != nil {
		tr.Close()
	}

	if !force {
		go func() { _ = s.Connect() }()
	}
	return nil
}

// ToggleListening flips microphone capture and reports the new state. The
// flag persists across reconnects. A mute or unmute counts as activity for
// the idle policy.
func (s *Session) ToggleListening() bool {
	s.mu.Lock()
	s.listening = !s.listening
	on := s.listening
	mic := s.mic
	if s.controlOpenLocked() {
		s.lastActivity = time.Now().UTC()
	}
	s.mu.Unlock()
	if mic != nil {
		mic.SetCaptureEnabled(on)
	}
	return on
}

// UpdateInstructions records new instructions and, when the control channel
// is open, pushes them upstream immediately. No renegotiation and no new
// response turn.
func (s *Session) UpdateInstructions(text string) error {
	s.mu.Lock()
	s.instructions = text
	tr, open := s.tr, s.controlOpenLocked()
	s.mu.Unlock()
	if !open || tr == nil {
		return nil
	}
	v := text
	return tr.Send(protocol.SessionUpdate{
		Type:    protocol.TypeSessionUpdate,
		Session: protocol.SessionConfig{Instructions: &v},
	})
}

// SetVoice records a new voice and pushes it upstream when connected.
func (s *Session) SetVoice(voice string) error {
	s.mu.Lock()
	s.voice = voice
	tr, open := s.tr, s.controlOpenLocked()
	s.mu.Unlock()
	if !open || tr == nil {
		return nil
	}
	v := voice
	return tr.Send(protocol.SessionUpdate{
		Type:    protocol.TypeSessionUpdate,
		Session: protocol.SessionConfig{Voice: &v},
	})
}

// SetTemperature records a new sampling temperature, bounded to the range
// the upstream API accepts.
func (s *Session) SetTemperature(t float64) error {
	if t < 0.6 || t > 1.2 {
		return fmt.Errorf("temperature %.2f out of range [0.6, 1.2]", t)
	}
	s.mu.Lock()
	s.temperature = t
	tr, open := s.tr, s.controlOpenLocked()
	s.mu.Unlock()
	if !open || tr == nil {
		return nil
	}
	v := t
	return tr.Send(protocol.SessionUpdate{
		Type:    protocol.TypeSessionUpdate,
		Session: protocol.SessionConfig{Temperature: &v},
	})
}

// run is the per-generation lifecycle: one connection attempt plus the
// bounded reconnect loop that follows transport failures.
func (s *Session) run(gen uint64) {
	for {
		err := s.connectOnce(gen)
		if err == nil || errors.Is(err, errStale) {
			return
		}

		var permErr *audio.PermissionError
		var credErr *broker.CredentialError
		if errors.As(err, &permErr) || errors.As(err, &credErr) {
			s.fail(gen, err)
			return
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		if attempt > s.opts.ReconnectMaxAttempts {
			s.status = StatusError
			s.lastErr = err
			s.mu.Unlock()
			s.logf("session %s: giving up after %d reconnect attempts: %v", s.id, s.opts.ReconnectMaxAttempts, err)
			return
		}
		s.status = StatusConnectionFailed
		s.mu.Unlock()

		delay := reliability.ExponentialBackoff(attempt, s.opts.ReconnectBackoffBase, s.opts.ReconnectBackoffCap)
		s.opts.Stages.ObserveIndicator("reconnect")
		s.logf("session %s: transport lost (%v), reconnecting in %s (attempt %d/%d)", s.id, err, delay, attempt, s.opts.ReconnectMaxAttempts)
		time.Sleep(delay)

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.status = StatusConnecting
		s.mu.Unlock()
	}
}

func (s *Session) connectOnce(gen uint64) error {
	began := time.Now()
	s.mu.Lock()
	s.connBegan = began
	s.mu.Unlock()

	mic := s.newMicrophone()
	if err := mic.Acquire(); err != nil {
		return err
	}
	defer func() {
		mic.SetCaptureEnabled(false)
		mic.Release()
	}()
	if s.stale(gen) {
		return errStale
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	fetchBegan := time.Now()
	cred, err := s.creds.FetchCredential(ctx)
	cancel()
	if err != nil {
		return err
	}
	s.opts.Stages.Observe(observability.StageCredentialFetch, time.Since(fetchBegan))
	if s.stale(gen) {
		return errStale
	}

	tr := s.newTransport()
	ctx, cancel = context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	startBegan := time.Now()
	err = tr.Start(ctx, mic, cred.Value)
	cancel()
	if err != nil {
		return err
	}
	s.opts.Stages.Observe(observability.StageTransportStart, time.Since(startBegan))
	defer tr.Close()

	player, err := s.newPlayer()
	if err != nil {
		player, err = s.newPlayer()
	}
	if err != nil {
		s.logf("session %s: playback unavailable, audio will be dropped: %v", s.id, err)
		player = nil
	}
	if player != nil {
		defer player.Close()
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return errStale
	}
	s.tr = tr
	s.mic = mic
	s.player = player
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.tr, s.mic, s.player = nil, nil, nil
		}
		s.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)

	var cause error
	for ev := range tr.Events() {
		if s.stale(gen) {
			return errStale
		}
		switch ev.Kind {
		case transport.EventEstablishing:
			s.transition(gen, SignalMediaUp)
		case transport.EventControlOpen:
			s.handleControlOpen(gen, mic, tr, done)
		case transport.EventControlMessage:
			if err := s.handleControlMessage(gen, tr, player, ev.Message); err != nil {
				cause = err
				tr.Close()
			}
		case transport.EventRemoteAudio:
			s.playPCM(player, ev.PCM)
			s.touch(gen)
		case transport.EventFailure:
			cause = ev.Err
		case transport.EventClosed:
		}
	}
	if s.stale(gen) {
		return errStale
	}
	if cause == nil {
		cause = errors.New("transport closed")
	}
	s.transition(gen, SignalTransportLost)
	return cause
}

// handleControlOpen marks the connection live: reconnect counter resets,
// policy timers start, capture resumes per the listening flag, and the full
// session configuration is asserted upstream.
func (s *Session) handleControlOpen(gen uint64, mic Microphone, tr transport.Transport, done <-chan struct{}) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	next, ok := Transition(s.status, SignalControlOpen)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.status = next
	s.attempts = 0
	now := time.Now().UTC()
	s.startedAt = now
	s.lastActivity = now
	listening := s.listening
	instructions := s.instructions
	connBegan := s.connBegan
	cfg := s.sessionConfigLocked()
	s.mu.Unlock()

	if !connBegan.IsZero() {
		s.opts.Stages.Observe(observability.StageConnectTotal, time.Since(connBegan))
	}

	mic.SetCaptureEnabled(listening)
	if err := tr.Send(protocol.SessionUpdate{Type: protocol.TypeSessionUpdate, Session: cfg}); err != nil {
		s.logf("session %s: initial session.update failed: %v", s.id, err)
	}
	// The model stays silent until the first response is requested.
	opening := protocol.ResponseCreate{
		Type: protocol.TypeResponseCreate,
		Response: protocol.ResponseConfig{
			Modalities:   []string{"audio", "text"},
			Instructions: instructions,
		},
	}
	if err := tr.Send(opening); err != nil {
		s.logf("session %s: opening response.create failed: %v", s.id, err)
	}
	go s.policyLoop(gen, done)
}

// handleControlMessage dispatches one inbound control frame. A non-nil
// return means the connection cannot continue and should be refreshed.
func (s *Session) handleControlMessage(gen uint64, tr transport.Transport, player Player, raw []byte) error {
	msg, err := protocol.ParseServerEvent(raw)
	if err != nil {
		s.mu.Lock()
		s.parseFailures++
		s.mu.Unlock()
		s.opts.Stages.ObserveIndicator("parse_failure")
		if !errors.Is(err, protocol.ErrUnsupportedType) {
			s.logf("session %s: dropping malformed control frame: %v", s.id, err)
		}
		return nil
	}

	switch m := msg.(type) {
	case protocol.ResponseOutputItemAdded:
		s.transition(gen, SignalTurnStart)
		s.touch(gen)
		s.mu.Lock()
		s.turnBegan = time.Now()
		s.mu.Unlock()
	case protocol.OutputAudioStopped:
		s.transition(gen, SignalTurnEnd)
		s.touch(gen)
		s.mu.Lock()
		turnBegan := s.turnBegan
		s.turnBegan = time.Time{}
		s.mu.Unlock()
		if !turnBegan.IsZero() {
			s.opts.Stages.Observe(observability.StageTurnTotal, time.Since(turnBegan))
		}
		s.reassertInstructions(tr)
		s.signalFarewell()
	case protocol.ResponseAudioDelta:
		pcm, err := audio.DecodeBase64Audio(s.opts.OutputFormat, m.Delta)
		if err != nil {
			s.mu.Lock()
			s.parseFailures++
			s.mu.Unlock()
			s.logf("session %s: dropping undecodable audio delta: %v", s.id, err)
			return nil
		}
		s.playPCM(player, pcm)
		s.touch(gen)
	case protocol.ErrorEvent:
		s.opts.Stages.ObserveIndicator("model_error")
		if reliability.IsRetryableRealtimeErrorCode(m.Error.Code) {
			// A fresh connection clears expired or throttled sessions.
			return fmt.Errorf("recoverable model error %s: %s", m.Error.Code, m.Error.Message)
		}
		s.logf("session %s: model error %s: %s", s.id, m.Error.Code, m.Error.Message)
	}
	return nil
}

// reassertInstructions re-sends the current instructions after every
// assistant turn. The hosted model drifts off persona on long sessions
// without this.
func (s *Session) reassertInstructions(tr transport.Transport) {
	s.mu.Lock()
	text := s.instructions
	s.mu.Unlock()
	if text == "" {
		return
	}
	v := text
	if err := tr.Send(protocol.SessionUpdate{
		Type: protocol.TypeSessionUpdate,
		Session: protocol.SessionConfig{
			Instructions:            &v,
			MaxResponseOutputTokens: s.opts.MaxOutputTokens,
		},
	}); err != nil {
		s.logf("session %s: instructions re-assert failed: %v", s.id, err)
	}
}

func (s *Session) signalFarewell() {
	s.mu.Lock()
	ch := s.farewellDone
	s.farewellDone = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// policyLoop enforces the idle timeout and the session duration ceiling.
// Each crossing fires at most one graceful disconnect; the refreshed
// connection starts a fresh loop.
func (s *Session) policyLoop(gen uint64, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PolicyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			idle := time.Since(s.lastActivity)
			age := time.Since(s.startedAt)
			s.mu.Unlock()

			switch {
			case age >= s.opts.MaxSessionDuration:
				s.opts.Stages.ObserveIndicator("duration_ceiling")
				s.logf("session %s: duration ceiling reached after %s, refreshing", s.id, age.Round(time.Second))
				go func() { _ = s.Disconnect(false) }()
				return
			case idle >= s.opts.IdleTimeout:
				s.opts.Stages.ObserveIndicator("idle_refresh")
				s.logf("session %s: idle for %s, refreshing", s.id, idle.Round(time.Second))
				go func() { _ = s.Disconnect(false) }()
				return
			}
		}
	}
}

func (s *Session) sessionConfigLocked() protocol.SessionConfig {
	instructions := s.instructions
	voice := s.voice
	temperature := s.temperature
	createResponse := true
	return protocol.SessionConfig{
		Instructions:            &instructions,
		Voice:                   &voice,
		Temperature:             &temperature,
		InputAudioFormat:        audio.FormatPCM16,
		OutputAudioFormat:       s.opts.OutputFormat,
		MaxResponseOutputTokens: s.opts.MaxOutputTokens,
		TurnDetection: &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
			CreateResponse:    &createResponse,
		},
	}
}

func (s *Session) playPCM(player Player, pcm []byte) {
	if player == nil || len(pcm) == 0 {
		return
	}
	if _, err := player.Play(pcm); err != nil {
		s.opts.Stages.ObserveIndicator("playback_error")
		s.logf("session %s: playback error: %v", s.id, err)
	}
}

func (s *Session) controlOpenLocked() bool {
	return s.status == StatusConnected || s.status == StatusResponding
}

func (s *Session) transition(gen uint64, sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if next, ok := Transition(s.status, sig); ok {
		s.status = next
	}
}

func (s *Session) touch(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.lastActivity = time.Now().UTC()
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.status = StatusError
	s.lastErr = err
	s.logf("session %s: unrecoverable: %v", s.id, err)
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
