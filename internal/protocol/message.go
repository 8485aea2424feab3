package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

var (
	ErrUnknownOperate   = errors.New("protocol: unknown operate")
	ErrUnknownKind      = errors.New("protocol: unknown content type")
	ErrMissingEvent     = errors.New("protocol: missing event")
	ErrMalformedChunk   = errors.New("protocol: malformed chunk")
	ErrMalformedPayload = errors.New("protocol: malformed exchange payload")
)

// SignalMessage is the unit exchanged with the relay.
type SignalMessage struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	To    string          `json:"to,omitempty"`
	From  string          `json:"from,omitempty"`
	Pass  string          `json:"pass,omitempty"`
}

// SyncMessage is the unit exchanged on the direct channel. Path is always the
// full slash separated path relative to the store root and Name its base name.
type SyncMessage struct {
	Type    ContentKind `json:"type,omitempty"`
	Operate Operate     `json:"operate"`
	Path    string      `json:"path"`
	Name    string      `json:"name"`
	Data    string      `json:"data"`
}

// TreeEntry describes one path in a listing. Directories have nil Name,
// Mtime and Size.
type TreeEntry struct {
	Path  string  `json:"path"`
	Name  *string `json:"name"`
	Mtime *int64  `json:"mtime"`
	Size  *int64  `json:"size"`
}

func FileEntry(p string, mtime, size int64) TreeEntry {
	name := path.Base(p)
	return TreeEntry{Path: p, Name: &name, Mtime: &mtime, Size: &size}
}

func DirEntry(p string) TreeEntry {
	return TreeEntry{Path: p}
}

func (e TreeEntry) IsDir() bool { return e.Name == nil }

func (e TreeEntry) ModTime() int64 {
	if e.Mtime == nil {
		return 0
	}
	return *e.Mtime
}

func (e TreeEntry) SizeBytes() int64 {
	if e.Size == nil {
		return 0
	}
	return *e.Size
}

func EncodeTree(entries []TreeEntry) (string, error) {
	if entries == nil {
		entries = []TreeEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode tree: %w", err)
	}
	return string(data), nil
}

func DecodeTree(data string) ([]TreeEntry, error) {
	var entries []TreeEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode tree: %w", err)
	}
	return entries, nil
}

// Chunk is one slice of a binary transfer. Index runs from 1 to Total.
type Chunk struct {
	Index   int
	Total   int
	Payload string
}

func (c Chunk) String() string {
	return fmt.Sprintf("%d:%d:%s", c.Index, c.Total, c.Payload)
}

func ParseChunk(data string) (Chunk, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 3 {
		return Chunk{}, fmt.Errorf("%w: expected index:total:payload", ErrMalformedChunk)
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: index %q", ErrMalformedChunk, parts[0])
	}
	total, err := strconv.Atoi(parts[1])
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: total %q", ErrMalformedChunk, parts[1])
	}
	if total < 1 || index < 1 || index > total {
		return Chunk{}, fmt.Errorf("%w: index %d out of range 1..%d", ErrMalformedChunk, index, total)
	}
	return Chunk{Index: index, Total: total, Payload: parts[2]}, nil
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Exchange is the decoded payload of a p2p-exchange message. Exactly one of
// the fields is set.
type Exchange struct {
	Description *SessionDescription
	Candidate   *ICECandidate
}

// ParseExchange accepts a bare description {type,sdp}, a wrapped one
// {"sdp":{type,sdp}} or a candidate.
func ParseExchange(data json.RawMessage) (Exchange, error) {
	var probe struct {
		Type      string          `json:"type"`
		SDP       json.RawMessage `json:"sdp"`
		Candidate *string         `json:"candidate"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Exchange{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch {
	case len(probe.SDP) > 0 && probe.SDP[0] == '{':
		var desc SessionDescription
		if err := json.Unmarshal(probe.SDP, &desc); err != nil {
			return Exchange{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Exchange{Description: &desc}, nil
	case probe.Type != "" && len(probe.SDP) > 0:
		var desc SessionDescription
		if err := json.Unmarshal(data, &desc); err != nil {
			return Exchange{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Exchange{Description: &desc}, nil
	case probe.Candidate != nil:
		cand, err := ParseCandidate(data)
		if err != nil {
			return Exchange{}, err
		}
		return Exchange{Candidate: &cand}, nil
	default:
		return Exchange{}, ErrMalformedPayload
	}
}

func ParseCandidate(data json.RawMessage) (ICECandidate, error) {
	var cand ICECandidate
	if err := json.Unmarshal(data, &cand); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return cand, nil
}

// DescriptionPayload encodes a description. The answering side wraps it in
// an sdp object.
func DescriptionPayload(desc SessionDescription, wrapped bool) (json.RawMessage, error) {
	var v any = desc
	if wrapped {
		v = map[string]SessionDescription{"sdp": desc}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode description: %w", err)
	}
	return data, nil
}

func StringPayload(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
