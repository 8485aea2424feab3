package session

import (
	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/rudransh-shrivastava/peer-sync/internal/signaling"
	rtc "github.com/rudransh-shrivastava/peer-sync/internal/transport/webrtc"
)

// event is anything the dispatcher reacts to. Events from the relay carry
// the attempt id and events from the peer connection carry the establisher
// that raised them, so leftovers from a torn down attempt are ignored.
type event interface{}

type rebuildEvent struct{}

type dialedEvent struct {
	id      string
	channel *signaling.Channel
	err     error
}

type signalEvent struct {
	id  string
	msg protocol.SignalMessage
}

type signalLostEvent struct {
	id  string
	err error
}

type stateEvent struct {
	conn  *rtc.Establisher
	state rtc.State
}

type dataEvent struct {
	conn *rtc.Establisher
	data []byte
}

type failedEvent struct {
	conn *rtc.Establisher
	err  error
}

type localChangeEvent struct {
	change filestore.Change
}

type checkEvent struct{}
