// Package transport carries one realtime connection's media and control
// traffic. Two interchangeable variants exist: a WebRTC peer connection and
// a plain websocket. Both surface the same event stream so the session core
// never branches on transport kind.
package transport

import (
	"context"
	"fmt"
)

// Kind identifies a transport variant.
type Kind string

const (
	KindPeer   Kind = "peer"
	KindSocket Kind = "socket"
)

// NegotiationError means transport setup with the upstream endpoint failed,
// for example a rejected SDP exchange or a refused websocket upgrade.
type NegotiationError struct {
	Status int
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport negotiation: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport negotiation: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// EventKind identifies transport lifecycle and traffic events.
type EventKind int

const (
	// EventEstablishing fires while the media path is still coming up
	// (ICE checking). Socket transports never emit it.
	EventEstablishing EventKind = iota
	// EventControlOpen fires when the control channel is writable.
	EventControlOpen
	// EventControlMessage carries one raw JSON control frame from the model.
	EventControlMessage
	// EventRemoteAudio carries decoded PCM16LE assistant audio from the
	// media path (peer transport only; socket audio arrives as control
	// frames).
	EventRemoteAudio
	// EventFailure signals a transport-level failure. The session decides
	// whether to reconnect.
	EventFailure
	// EventClosed signals the transport is gone, after a failure or a close.
	EventClosed
)

type Event struct {
	Kind    EventKind
	Message []byte
	PCM     []byte
	Err     error
}

// LocalAudio is the capture stream a transport borrows for the duration of
// one connection.
type LocalAudio interface {
	Frames() <-chan []byte
	SampleRate() int
}

// Transport is one realtime connection attempt. Start blocks until the
// transport is wired up or ctx expires; traffic then arrives on Events.
type Transport interface {
	Kind() Kind
	Start(ctx context.Context, local LocalAudio, secret string) error
	Send(v any) error
	Events() <-chan Event
	Close() error
}
