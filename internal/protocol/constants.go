package protocol

import (
	"fmt"
	"strconv"
)

const (
	// ChunkSize is the maximum decoded payload carried by one binary chunk.
	ChunkSize = 40 * 1024
	// MaxChunkSize keeps an encoded chunk message under MaxFrameSize.
	MaxChunkSize = 45 * 1024
	// MaxFrameSize is the largest message the data channel delivers.
	MaxFrameSize = 64 * 1024

	ClientTag  = "NSC"
	StorageTag = "NSB"
	RelayTag   = "NSA"
)

type Event string

const (
	EventConnect  Event = "connect"
	EventExchange Event = "p2p-exchange"
	EventNode     Event = "p2p-node"
	EventP2PError Event = "p2p-error"
	EventError    Event = "error"
	EventRegister Event = "register"
	EventOnline   Event = "online"
)

func (e Event) String() string { return string(e) }

// Operate is the closed set of direct-channel operations.
type Operate uint8

const (
	OpUnknown Operate = iota
	OpCreate
	OpDelete
	OpUpdate
	OpRename
	OpCheck
	OpTree
	OpTreeNone
)

func (o Operate) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	case OpRename:
		return "rename"
	case OpCheck:
		return "check"
	case OpTree:
		return "tree"
	case OpTreeNone:
		return "tree-none"
	default:
		return "unknown"
	}
}

func ParseOperate(s string) (Operate, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "delete":
		return OpDelete, nil
	case "update":
		return OpUpdate, nil
	case "rename":
		return OpRename, nil
	case "check":
		return OpCheck, nil
	case "tree":
		return OpTree, nil
	case "tree-none":
		return OpTreeNone, nil
	default:
		return OpUnknown, fmt.Errorf("%w: %q", ErrUnknownOperate, s)
	}
}

func (o Operate) MarshalText() ([]byte, error) {
	if o == OpUnknown || o > OpTreeNone {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperate, o)
	}
	return []byte(o.String()), nil
}

func (o *Operate) UnmarshalText(text []byte) error {
	op, err := ParseOperate(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// ContentKind tags the payload of a sync message. KindNone is the absent type.
type ContentKind uint8

const (
	KindNone ContentKind = iota
	KindText
	KindBinary
	KindDirectory
)

func (k ContentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindDirectory:
		return "directory"
	default:
		return ""
	}
}

func ParseContentKind(s string) (ContentKind, error) {
	switch s {
	case "":
		return KindNone, nil
	case "text":
		return KindText, nil
	case "binary":
		return KindBinary, nil
	case "directory":
		return KindDirectory, nil
	default:
		return KindNone, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k ContentKind) MarshalText() ([]byte, error) {
	if k > KindDirectory {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	return []byte(k.String()), nil
}

func (k *ContentKind) UnmarshalText(text []byte) error {
	kind, err := ParseContentKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ErrorCode is a relay error as received on the signaling channel.
type ErrorCode int

const (
	ErrUnknown                  ErrorCode = 0
	ErrPassword                 ErrorCode = 1
	ErrProtocolMismatch         ErrorCode = 10001
	ErrUnsupportedAccessType    ErrorCode = 10002
	ErrUnsupportedMessageType   ErrorCode = 10003
	ErrDeviceNotFound           ErrorCode = 10004
	ErrUnsupportedCommand       ErrorCode = 10005
	ErrEmptyMessage             ErrorCode = 10006
	ErrUnsupportedMessageFormat ErrorCode = 10007
	ErrDeviceOffline            ErrorCode = 10008
)

func (e ErrorCode) String() string {
	switch e {
	case ErrPassword:
		return "PASSWORD_ERROR"
	case ErrProtocolMismatch:
		return "PROTOCOL_MISMATCH"
	case ErrUnsupportedAccessType:
		return "UNSUPPORTED_ACCESS_TYPE"
	case ErrUnsupportedMessageType:
		return "UNSUPPORTED_MESSAGE_TYPE"
	case ErrDeviceNotFound:
		return "DEVICE_NOT_FOUND"
	case ErrUnsupportedCommand:
		return "UNSUPPORTED_COMMAND"
	case ErrEmptyMessage:
		return "EMPTY_MESSAGE"
	case ErrUnsupportedMessageFormat:
		return "UNSUPPORTED_MESSAGE_FORMAT"
	case ErrDeviceOffline:
		return "DEVICE_OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Error lets a bare code be used as an errors.Is target.
func (e ErrorCode) Error() string { return e.String() }

// Wire renders the code the way the relay puts it in an error payload.
func (e ErrorCode) Wire() string { return strconv.Itoa(int(e)) }

// Description is the human readable text surfaced to the user.
func (e ErrorCode) Description() string {
	switch e {
	case ErrPassword:
		return "connection password rejected by the storage device"
	case ErrProtocolMismatch:
		return "relay rejected the connection protocol"
	case ErrUnsupportedAccessType:
		return "relay could not read the access request"
	case ErrUnsupportedMessageType:
		return "relay could not parse the access request"
	case ErrDeviceNotFound:
		return "device is not known to the relay"
	case ErrUnsupportedCommand:
		return "relay does not support this command"
	case ErrEmptyMessage:
		return "relay received an empty message"
	case ErrUnsupportedMessageFormat:
		return "relay could not parse a message"
	case ErrDeviceOffline:
		return "storage device is offline"
	default:
		return "unknown relay error"
	}
}
