package realtime

// Status is the connection state of a realtime session.
type Status string

const (
	StatusDisconnected     Status = "disconnected"
	StatusConnecting       Status = "connecting"
	StatusEstablishing     Status = "establishing"
	StatusConnected        Status = "connected"
	StatusResponding       Status = "responding"
	StatusConnectionFailed Status = "connection_failed"
	StatusError            Status = "error"
)

// Signal is an input to the connection state machine.
type Signal int

const (
	// SignalDial starts a connection attempt.
	SignalDial Signal = iota
	// SignalMediaUp means the media path is negotiating (ICE checking).
	SignalMediaUp
	// SignalControlOpen means the control channel is writable.
	SignalControlOpen
	// SignalTurnStart marks the assistant beginning a response turn.
	SignalTurnStart
	// SignalTurnEnd marks the assistant's audio for a turn finishing.
	SignalTurnEnd
	// SignalTransportLost marks a recoverable transport failure.
	SignalTransportLost
	// SignalHangup is a deliberate teardown.
	SignalHangup
	// SignalFatal is an unrecoverable failure (mic, credentials, retry
	// exhaustion).
	SignalFatal
)

// Transition returns the state that follows sig from the given state and
// whether the transition is legal. Side effects live in the session run
// loop; this function only encodes the shape of the machine.
func Transition(from Status, sig Signal) (Status, bool) {
	switch sig {
	case SignalDial:
		switch from {
		case StatusDisconnected, StatusConnectionFailed, StatusError:
			return StatusConnecting, true
		}
	case SignalMediaUp:
		if from == StatusConnecting {
			return StatusEstablishing, true
		}
	case SignalControlOpen:
		switch from {
		case StatusConnecting, StatusEstablishing:
			return StatusConnected, true
		}
	case SignalTurnStart:
		if from == StatusConnected {
			return StatusResponding, true
		}
	case SignalTurnEnd:
		if from == StatusResponding {
			return StatusConnected, true
		}
	case SignalTransportLost:
		switch from {
		case StatusConnecting, StatusEstablishing, StatusConnected, StatusResponding:
			return StatusConnectionFailed, true
		}
	case SignalHangup:
		if from != StatusDisconnected {
			return StatusDisconnected, true
		}
	case SignalFatal:
		return StatusError, true
	}
	return from, false
}
