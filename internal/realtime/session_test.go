package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/birdbrainlab/birdbrain/internal/audio"
	"github.com/birdbrainlab/birdbrain/internal/broker"
	"github.com/birdbrainlab/birdbrain/internal/protocol"
	"github.com/birdbrainlab/birdbrain/internal/transport"
)

type fakeBroker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBroker) FetchCredential(ctx context.Context) (broker.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return broker.Credential{}, f.err
	}
	return broker.Credential{Value: "sek_test"}, nil
}

func (f *fakeBroker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMic struct {
	mu         sync.Mutex
	acquireErr error
	enabled    bool
	released   bool
	frames     chan []byte
}

func newFakeMic() *fakeMic { return &fakeMic{frames: make(chan []byte)} }

func (f *fakeMic) Acquire() error { return f.acquireErr }
func (f *fakeMic) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}
func (f *fakeMic) Frames() <-chan []byte { return f.frames }
func (f *fakeMic) SampleRate() int       { return 24000 }
func (f *fakeMic) SetCaptureEnabled(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = on
}
func (f *fakeMic) CaptureEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}
func (f *fakeMic) wasReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakePlayer struct {
	mu     sync.Mutex
	played [][]byte
	closed bool
}

func (f *fakePlayer) Play(pcm []byte) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, append([]byte(nil), pcm...))
	return time.Now(), nil
}
func (f *fakePlayer) Flush() {}
func (f *fakePlayer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakePlayer) playedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

type fakeTransport struct {
	mu       sync.Mutex
	startErr error
	events   chan transport.Event
	sent     []any
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Kind() transport.Kind { return transport.KindSocket }
func (f *fakeTransport) Start(ctx context.Context, local transport.LocalAudio, secret string) error {
	return f.startErr
}
func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) emit(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

func (f *fakeTransport) emitControl(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal control frame: %v", err)
	}
	f.emit(transport.Event{Kind: transport.EventControlMessage, Message: raw})
}

func (f *fakeTransport) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

// harness wires a session to fakes and records every transport and mic the
// factories hand out.
type harness struct {
	mu         sync.Mutex
	broker     *fakeBroker
	transports []*fakeTransport
	mics       []*fakeMic
	players    []*fakePlayer
	session    *Session
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{broker: &fakeBroker{}}
	h.session = NewSession(opts, h.broker,
		func() transport.Transport {
			h.mu.Lock()
			defer h.mu.Unlock()
			tr := newFakeTransport()
			h.transports = append(h.transports, tr)
			return tr
		},
		func() Microphone {
			h.mu.Lock()
			defer h.mu.Unlock()
			mic := newFakeMic()
			h.mics = append(h.mics, mic)
			return mic
		},
		func() (Player, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			p := &fakePlayer{}
			h.players = append(h.players, p)
			return p, nil
		},
	)
	t.Cleanup(func() { _ = h.session.Disconnect(true) })
	return h
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) transportAt(i int) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.transports) {
		return nil
	}
	return h.transports[i]
}

func (h *harness) micAt(i int) *fakeMic {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.mics) {
		return nil
	}
	return h.mics[i]
}

func (h *harness) playerAt(i int) *fakePlayer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.players) {
		return nil
	}
	return h.players[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastOptions() Options {
	return Options{
		Instructions:         "You are a sarcastic macaw.",
		Voice:                "shimmer",
		Temperature:          0.8,
		IdleTimeout:          time.Hour,
		MaxSessionDuration:   time.Hour,
		PolicyCheckInterval:  5 * time.Millisecond,
		ConnectTimeout:       time.Second,
		FarewellTimeout:      20 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		ReconnectBackoffBase: time.Millisecond,
		ReconnectBackoffCap:  2 * time.Millisecond,
	}
}

func connectAndOpen(t *testing.T, h *harness) *fakeTransport {
	t.Helper()
	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "transport construction", func() bool { return h.transportCount() == 1 })
	tr := h.transportAt(0)
	tr.emit(transport.Event{Kind: transport.EventControlOpen})
	waitFor(t, "connected status", func() bool { return h.session.Status() == StatusConnected })
	return tr
}

func TestConnectIsIdempotentWhileActive(t *testing.T) {
	h := newHarness(t, fastOptions())
	connectAndOpen(t, h)

	if err := h.session.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := h.transportCount(); got != 1 {
		t.Fatalf("transports constructed = %d, want 1", got)
	}
	if got := h.broker.callCount(); got != 1 {
		t.Fatalf("credential fetches = %d, want 1", got)
	}
}

func TestStatusSequenceThroughTurn(t *testing.T) {
	h := newHarness(t, fastOptions())
	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "transport construction", func() bool { return h.transportCount() == 1 })
	tr := h.transportAt(0)

	if got := h.session.Status(); got != StatusConnecting {
		t.Fatalf("status = %s, want %s", got, StatusConnecting)
	}
	tr.emit(transport.Event{Kind: transport.EventEstablishing})
	waitFor(t, "establishing", func() bool { return h.session.Status() == StatusEstablishing })
	tr.emit(transport.Event{Kind: transport.EventControlOpen})
	waitFor(t, "connected", func() bool { return h.session.Status() == StatusConnected })

	tr.emitControl(t, protocol.ResponseOutputItemAdded{
		Type: protocol.TypeResponseOutputItemAdded,
		Item: protocol.OutputItem{ID: "item_1", Type: "message"},
	})
	waitFor(t, "responding", func() bool { return h.session.Status() == StatusResponding })

	tr.emitControl(t, protocol.OutputAudioStopped{Type: protocol.TypeOutputAudioStopped})
	waitFor(t, "back to connected", func() bool { return h.session.Status() == StatusConnected })
}

func TestControlOpenSendsConfigThenResponseRequest(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)
	waitFor(t, "opening exchange", func() bool { return len(tr.sentMessages()) >= 2 })

	msgs := tr.sentMessages()
	update, ok := msgs[0].(protocol.SessionUpdate)
	if !ok {
		t.Fatalf("first sent = %T, want SessionUpdate", msgs[0])
	}
	if update.Session.Instructions == nil || *update.Session.Instructions != "You are a sarcastic macaw." {
		t.Fatalf("initial instructions = %v, want session instructions", update.Session.Instructions)
	}
	if update.Session.MaxResponseOutputTokens != 4096 {
		t.Fatalf("max output tokens = %v, want 4096", update.Session.MaxResponseOutputTokens)
	}

	rc, ok := msgs[1].(protocol.ResponseCreate)
	if !ok {
		t.Fatalf("second sent = %T, want ResponseCreate", msgs[1])
	}
	if len(rc.Response.Modalities) != 2 || rc.Response.Modalities[0] != "audio" {
		t.Fatalf("opening modalities = %v, want [audio text]", rc.Response.Modalities)
	}
	if rc.Response.Instructions != "You are a sarcastic macaw." {
		t.Fatalf("opening instructions = %q, want session instructions", rc.Response.Instructions)
	}
}

func TestInstructionsReassertedAfterTurnEnd(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)

	tr.emitControl(t, protocol.ResponseOutputItemAdded{Type: protocol.TypeResponseOutputItemAdded})
	waitFor(t, "responding", func() bool { return h.session.Status() == StatusResponding })
	before := len(tr.sentMessages())

	tr.emitControl(t, protocol.OutputAudioStopped{Type: protocol.TypeOutputAudioStopped})
	waitFor(t, "instructions re-assert", func() bool { return len(tr.sentMessages()) > before })

	msgs := tr.sentMessages()
	last, ok := msgs[len(msgs)-1].(protocol.SessionUpdate)
	if !ok {
		t.Fatalf("last sent = %T, want SessionUpdate", msgs[len(msgs)-1])
	}
	if last.Session.Instructions == nil || *last.Session.Instructions != "You are a sarcastic macaw." {
		t.Fatalf("re-asserted instructions = %v, want session instructions", last.Session.Instructions)
	}
}

func TestUpdateInstructionsPushesSessionUpdate(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)

	if err := h.session.UpdateInstructions("You are a haiku poet."); err != nil {
		t.Fatalf("UpdateInstructions: %v", err)
	}
	if got := h.session.Instructions(); got != "You are a haiku poet." {
		t.Fatalf("Instructions() = %q", got)
	}

	msgs := tr.sentMessages()
	last, ok := msgs[len(msgs)-1].(protocol.SessionUpdate)
	if !ok {
		t.Fatalf("last sent = %T, want SessionUpdate", msgs[len(msgs)-1])
	}
	if last.Session.Instructions == nil || *last.Session.Instructions != "You are a haiku poet." {
		t.Fatalf("sent instructions = %v, want update payload", last.Session.Instructions)
	}
}

func TestMutatorsRecordedWhileDisconnected(t *testing.T) {
	h := newHarness(t, fastOptions())

	if err := h.session.UpdateInstructions("offline persona"); err != nil {
		t.Fatalf("UpdateInstructions offline: %v", err)
	}
	if err := h.session.SetVoice("ballad"); err != nil {
		t.Fatalf("SetVoice offline: %v", err)
	}
	if err := h.session.SetTemperature(1.1); err != nil {
		t.Fatalf("SetTemperature offline: %v", err)
	}
	if got := h.session.Instructions(); got != "offline persona" {
		t.Fatalf("Instructions() = %q", got)
	}
	if got := h.session.Voice(); got != "ballad" {
		t.Fatalf("Voice() = %q", got)
	}
	if got := h.session.Temperature(); got != 1.1 {
		t.Fatalf("Temperature() = %v", got)
	}
	if err := h.session.SetTemperature(1.5); err == nil {
		t.Fatal("SetTemperature(1.5) accepted, want range error")
	}
}

func TestToggleListeningRoundTrip(t *testing.T) {
	h := newHarness(t, fastOptions())
	connectAndOpen(t, h)
	mic := h.micAt(0)
	waitFor(t, "capture enabled", func() bool { return mic.CaptureEnabled() })

	if on := h.session.ToggleListening(); on {
		t.Fatal("first toggle = true, want false")
	}
	if mic.CaptureEnabled() {
		t.Fatal("capture still enabled after toggle off")
	}
	if on := h.session.ToggleListening(); !on {
		t.Fatal("second toggle = false, want true")
	}
	if !mic.CaptureEnabled() {
		t.Fatal("capture not re-enabled after toggle on")
	}
}

func TestToggleListeningCountsAsActivity(t *testing.T) {
	opts := fastOptions()
	opts.IdleTimeout = 60 * time.Millisecond
	opts.PolicyCheckInterval = 5 * time.Millisecond
	h := newHarness(t, opts)
	connectAndOpen(t, h)

	// Keep toggling well past the idle threshold; an operator working the
	// mute control is not an idle session.
	for i := 0; i < 20; i++ {
		h.session.ToggleListening()
		time.Sleep(10 * time.Millisecond)
	}

	if got := h.transportCount(); got != 1 {
		t.Fatalf("transports = %d after active toggling, want 1 (no idle refresh)", got)
	}
	if got := h.session.Status(); got != StatusConnected {
		t.Fatalf("status = %s, want %s", got, StatusConnected)
	}
}

func TestAudioDeltaReachesPlayer(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)

	tr.emitControl(t, protocol.ResponseAudioDelta{
		Type:  protocol.TypeResponseAudioDelta,
		Delta: "AAABAAIA",
	})
	player := h.playerAt(0)
	waitFor(t, "audio reaches player", func() bool { return player.playedCount() == 1 })
}

func TestUnknownControlFramesAreDroppedNotFatal(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)

	tr.emit(transport.Event{Kind: transport.EventControlMessage, Message: []byte(`{"type":"conversation.item.created"}`)})
	tr.emit(transport.Event{Kind: transport.EventControlMessage, Message: []byte(`not json at all`)})
	waitFor(t, "parse failures counted", func() bool { return h.session.ParseFailures() == 2 })
	if got := h.session.Status(); got != StatusConnected {
		t.Fatalf("status = %s after garbage frames, want %s", got, StatusConnected)
	}
}

func TestExpiredSessionErrorRefreshesConnection(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)

	tr.emitControl(t, protocol.ErrorEvent{
		Type:  protocol.TypeErrorEvent,
		Error: protocol.ErrorDetail{Code: "session_expired", Message: "session is gone"},
	})
	waitFor(t, "refresh reconnect", func() bool { return h.transportCount() == 2 })
	h.transportAt(1).emit(transport.Event{Kind: transport.EventControlOpen})
	waitFor(t, "reconnected", func() bool { return h.session.Status() == StatusConnected })
}

func TestRequestScopedModelErrorKeepsConnection(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)

	tr.emitControl(t, protocol.ErrorEvent{
		Type:  protocol.TypeErrorEvent,
		Error: protocol.ErrorDetail{Code: "invalid_request_error", Message: "bad turn"},
	})
	time.Sleep(30 * time.Millisecond)
	if got := h.session.Status(); got != StatusConnected {
		t.Fatalf("status = %s after request-scoped error, want %s", got, StatusConnected)
	}
	if got := h.transportCount(); got != 1 {
		t.Fatalf("transports = %d, want 1", got)
	}
}

func TestZeroReconnectOptionGetsDefaultBound(t *testing.T) {
	opts := fastOptions()
	opts.ReconnectMaxAttempts = 0
	h := newHarness(t, opts)
	h.session.newTransport = func() transport.Transport {
		h.mu.Lock()
		defer h.mu.Unlock()
		tr := newFakeTransport()
		tr.startErr = errors.New("dial refused")
		h.transports = append(h.transports, tr)
		return tr
	}

	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "terminal error", func() bool { return h.session.Status() == StatusError })
	// Initial attempt plus the default reconnect bound of three.
	if got := h.transportCount(); got != 4 {
		t.Fatalf("connection attempts = %d, want 4", got)
	}
}

func TestForceDisconnectStopsCaptureAndStays(t *testing.T) {
	h := newHarness(t, fastOptions())
	connectAndOpen(t, h)
	mic := h.micAt(0)

	if err := h.session.Disconnect(true); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := h.session.Status(); got != StatusDisconnected {
		t.Fatalf("status = %s, want %s", got, StatusDisconnected)
	}
	if mic.CaptureEnabled() {
		t.Fatal("capture still enabled after force disconnect")
	}
	waitFor(t, "mic release", func() bool { return mic.wasReleased() })

	time.Sleep(30 * time.Millisecond)
	if got := h.transportCount(); got != 1 {
		t.Fatalf("transports after force disconnect = %d, want 1 (no reconnect)", got)
	}
}

func TestGracefulDisconnectSendsFarewellThenReconnects(t *testing.T) {
	h := newHarness(t, fastOptions())
	tr := connectAndOpen(t, h)

	done := make(chan error, 1)
	go func() { done <- h.session.Disconnect(false) }()

	waitFor(t, "farewell request", func() bool {
		for _, m := range tr.sentMessages() {
			if rc, ok := m.(protocol.ResponseCreate); ok && rc.Response.Instructions == farewellPrompt {
				return true
			}
		}
		return false
	})
	tr.emitControl(t, protocol.OutputAudioStopped{Type: protocol.TypeOutputAudioStopped})

	if err := <-done; err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, "one reconnect", func() bool { return h.transportCount() == 2 })
	h.transportAt(1).emit(transport.Event{Kind: transport.EventControlOpen})
	waitFor(t, "reconnected", func() bool { return h.session.Status() == StatusConnected })
}

func TestTransportFailureReconnectsThenSettlesInError(t *testing.T) {
	h := newHarness(t, fastOptions())
	// Every transport the factory hands out refuses to start.
	h.session.newTransport = func() transport.Transport {
		h.mu.Lock()
		defer h.mu.Unlock()
		tr := newFakeTransport()
		tr.startErr = errors.New("dial refused")
		h.transports = append(h.transports, tr)
		return tr
	}

	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "terminal error", func() bool { return h.session.Status() == StatusError })
	// Initial attempt plus the bounded reconnects.
	if got := h.transportCount(); got != 4 {
		t.Fatalf("connection attempts = %d, want 4", got)
	}
	if h.session.LastError() == nil {
		t.Fatal("LastError() = nil after retry exhaustion")
	}
}

func TestCredentialFailureIsTerminalWithoutTransport(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.broker.err = &broker.CredentialError{Err: errors.New("broker kept returning 500")}

	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "terminal error", func() bool { return h.session.Status() == StatusError })
	if got := h.transportCount(); got != 0 {
		t.Fatalf("transports constructed = %d, want 0", got)
	}
	var credErr *broker.CredentialError
	if !errors.As(h.session.LastError(), &credErr) {
		t.Fatalf("LastError() = %v, want CredentialError", h.session.LastError())
	}
}

func TestMicPermissionFailureIsTerminal(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.session.newMicrophone = func() Microphone {
		h.mu.Lock()
		defer h.mu.Unlock()
		mic := newFakeMic()
		mic.acquireErr = &audio.PermissionError{Err: errors.New("no capture device")}
		h.mics = append(h.mics, mic)
		return mic
	}

	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "terminal error", func() bool { return h.session.Status() == StatusError })
	if got := h.transportCount(); got != 0 {
		t.Fatalf("transports constructed = %d, want 0", got)
	}
}

func TestIdlePolicyRefreshesSession(t *testing.T) {
	opts := fastOptions()
	opts.IdleTimeout = 30 * time.Millisecond
	opts.PolicyCheckInterval = 5 * time.Millisecond
	opts.FarewellTimeout = 5 * time.Millisecond
	h := newHarness(t, opts)
	connectAndOpen(t, h)

	waitFor(t, "idle refresh reconnect", func() bool { return h.transportCount() == 2 })
	h.transportAt(1).emit(transport.Event{Kind: transport.EventControlOpen})
	waitFor(t, "reconnected after idle", func() bool { return h.session.Status() == StatusConnected })
}

func TestDurationCeilingRefreshesSession(t *testing.T) {
	opts := fastOptions()
	opts.MaxSessionDuration = 30 * time.Millisecond
	opts.PolicyCheckInterval = 5 * time.Millisecond
	opts.FarewellTimeout = 5 * time.Millisecond
	h := newHarness(t, opts)
	tr := connectAndOpen(t, h)

	// Keep the session non-idle so only the ceiling can fire.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				tr.emitControl(t, protocol.ResponseAudioDelta{Type: protocol.TypeResponseAudioDelta, Delta: "AAAA"})
			}
		}
	}()

	waitFor(t, "ceiling refresh reconnect", func() bool { return h.transportCount() >= 2 })
}

func TestDisconnectDuringBackoffCancelsReconnect(t *testing.T) {
	opts := fastOptions()
	opts.ReconnectBackoffBase = 50 * time.Millisecond
	opts.ReconnectBackoffCap = 100 * time.Millisecond
	h := newHarness(t, opts)
	h.session.newTransport = func() transport.Transport {
		h.mu.Lock()
		defer h.mu.Unlock()
		tr := newFakeTransport()
		tr.startErr = errors.New("dial refused")
		h.transports = append(h.transports, tr)
		return tr
	}

	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "first failure", func() bool { return h.session.Status() == StatusConnectionFailed })
	if err := h.session.Disconnect(true); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if got := h.session.Status(); got != StatusDisconnected {
		t.Fatalf("status = %s, want %s", got, StatusDisconnected)
	}
	if got := h.transportCount(); got != 1 {
		t.Fatalf("transports after cancelled backoff = %d, want 1", got)
	}
}
