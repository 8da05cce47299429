package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/birdbrainlab/birdbrain/internal/protocol"
)

// SocketConfig configures the websocket transport.
type SocketConfig struct {
	// URL is the realtime websocket endpoint without the model query.
	URL string
	// Model is appended as the ?model= query parameter.
	Model string
}

// Socket speaks the realtime protocol over a single websocket. Assistant
// audio arrives as base64 payloads inside control frames, so the socket
// variant never emits EventRemoteAudio.
type Socket struct {
	cfg  SocketConfig
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	events chan Event
}

func NewSocket(cfg SocketConfig) *Socket {
	return &Socket{
		cfg:    cfg,
		events: make(chan Event, 256),
	}
}

func (s *Socket) Kind() Kind { return KindSocket }

// Start dials the realtime endpoint. The ephemeral secret rides in the
// subprotocol list, which is the only authentication channel browsers and
// native clients share for this endpoint.
func (s *Socket) Start(ctx context.Context, local LocalAudio, secret string) error {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return &NegotiationError{Err: fmt.Errorf("parse endpoint: %w", err)}
	}
	q := u.Query()
	q.Set("model", s.cfg.Model)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Subprotocols: []string{
			"realtime",
			"openai-insecure-api-key." + secret,
			"openai-beta.realtime-v1",
		},
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &NegotiationError{Status: status, Err: fmt.Errorf("dial realtime socket: %w", err)}
	}
	s.conn = conn

	// The dialed socket is the media path, so both transports traverse the
	// same establishing step before the control channel opens.
	s.emit(Event{Kind: EventEstablishing})
	s.emit(Event{Kind: EventControlOpen})
	go s.readLoop()
	if local != nil {
		go s.captureLoop(local)
	}
	return nil
}

func (s *Socket) Send(v any) error {
	if s.conn == nil {
		return fmt.Errorf("socket transport not started")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

func (s *Socket) Events() <-chan Event { return s.events }

func (s *Socket) Close() error {
	s.safeClose()
	return nil
}

func (s *Socket) readLoop() {
	defer s.safeClose()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.emit(Event{Kind: EventFailure, Err: fmt.Errorf("read control frame: %w", err)})
			}
			return
		}
		s.emit(Event{Kind: EventControlMessage, Message: raw})
	}
}

// captureLoop forwards microphone PCM upstream as append events until the
// capture channel or the socket goes away.
func (s *Socket) captureLoop(local LocalAudio) {
	for frame := range local.Frames() {
		if s.isClosed() {
			return
		}
		msg := protocol.InputAudioAppend{
			Type:  protocol.TypeInputAudioAppend,
			Audio: base64.StdEncoding.EncodeToString(frame),
		}
		if err := s.Send(msg); err != nil {
			return
		}
	}
}

func (s *Socket) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) safeClose() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		select {
		case s.events <- Event{Kind: EventClosed}:
		default:
		}
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
