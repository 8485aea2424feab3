package protocol

import (
	"encoding/json"
	"fmt"
)

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) EncodeSignal(msg SignalMessage) ([]byte, error) {
	if msg.Event == "" {
		return nil, ErrMissingEvent
	}
	return json.Marshal(msg)
}

func (c *Codec) DecodeSignal(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("failed to decode signal message: %w", err)
	}
	if msg.Event == "" {
		return SignalMessage{}, ErrMissingEvent
	}
	return msg, nil
}

func (c *Codec) EncodeSync(msg SyncMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSync rejects unknown operate and type values so that callers only
// ever see the closed enumerations.
func (c *Codec) DecodeSync(data []byte) (SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("failed to decode sync message: %w", err)
	}
	if msg.Operate == OpUnknown {
		return SyncMessage{}, ErrUnknownOperate
	}
	return msg, nil
}

