package webrtc

// State is the establisher's position in the handshake. Disconnected is
// terminal; a new attempt needs a new Establisher.
type State int

const (
	StateNew State = iota
	StateLocalDescriptionSet
	StateAwaitingRemote
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLocalDescriptionSet:
		return "local-description-set"
	case StateAwaitingRemote:
		return "awaiting-remote"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
