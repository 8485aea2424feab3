package syncer

import (
	"encoding/base64"
	"fmt"

	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
)

// SplitChunks cuts data into base64 chunks of at most size raw bytes,
// numbered from 1. Empty data still yields a single chunk.
func SplitChunks(data []byte, size int) []protocol.Chunk {
	if size <= 0 {
		size = protocol.ChunkSize
	}
	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}

	chunks := make([]protocol.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(data))
		chunks = append(chunks, protocol.Chunk{
			Index:   i + 1,
			Total:   total,
			Payload: base64.StdEncoding.EncodeToString(data[start:end]),
		})
	}
	return chunks
}

const (
	// DefaultMaxFileSize bounds what a peer may ask us to buffer for one
	// transfer.
	DefaultMaxFileSize = 1 << 30
	// maxPendingBuffers caps concurrent partial transfers. The oldest is
	// dropped first.
	maxPendingBuffers = 16
)

// MaxChunks is the largest chunk count a transfer of at most maxFileSize
// bytes needs when split at chunkSize.
func MaxChunks(maxFileSize int64, chunkSize int) int {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if chunkSize <= 0 {
		chunkSize = protocol.ChunkSize
	}
	return int((maxFileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

type bufferKey struct {
	path  string
	total int
}

type buffer struct {
	slots  [][]byte
	filled int
}

// Reassembler collects chunks per (path, total) until every slot is filled.
// It is not safe for concurrent use.
type Reassembler struct {
	maxChunks int
	buffers   map[bufferKey]*buffer
	order     []bufferKey
}

// NewReassembler accepts transfers of up to maxChunks chunks. A non-positive
// limit means MaxChunks(DefaultMaxFileSize, protocol.ChunkSize).
func NewReassembler(maxChunks int) *Reassembler {
	if maxChunks <= 0 {
		maxChunks = MaxChunks(DefaultMaxFileSize, protocol.ChunkSize)
	}
	return &Reassembler{maxChunks: maxChunks, buffers: make(map[bufferKey]*buffer)}
}

// Add stores a chunk. Once the last missing slot arrives it returns the
// joined content and true, and forgets the buffer.
func (r *Reassembler) Add(p string, c protocol.Chunk) ([]byte, bool, error) {
	if c.Total < 1 || c.Index < 1 || c.Index > c.Total {
		return nil, false, fmt.Errorf("%w: index %d of %d", protocol.ErrMalformedChunk, c.Index, c.Total)
	}
	if c.Total > r.maxChunks {
		return nil, false, fmt.Errorf("%w: %d chunks exceeds limit %d", protocol.ErrMalformedChunk, c.Total, r.maxChunks)
	}
	data, err := base64.StdEncoding.DecodeString(c.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", protocol.ErrMalformedChunk, err)
	}

	key := bufferKey{path: p, total: c.Total}
	buf, ok := r.buffers[key]
	if !ok {
		if len(r.order) >= maxPendingBuffers {
			r.forget(r.order[0])
		}
		buf = &buffer{slots: make([][]byte, c.Total)}
		r.buffers[key] = buf
		r.order = append(r.order, key)
	}
	if buf.slots[c.Index-1] == nil {
		buf.filled++
	}
	if data == nil {
		data = []byte{}
	}
	buf.slots[c.Index-1] = data

	if buf.filled < len(buf.slots) {
		return nil, false, nil
	}
	r.forget(key)

	var size int
	for _, s := range buf.slots {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range buf.slots {
		out = append(out, s...)
	}
	return out, true, nil
}

func (r *Reassembler) forget(key bufferKey) {
	delete(r.buffers, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Missing lists the 1-based indices still absent for a transfer.
func (r *Reassembler) Missing(p string, total int) []int {
	buf, ok := r.buffers[bufferKey{path: p, total: total}]
	if !ok {
		return nil
	}
	return MissingIndices(buf.slots)
}

// Pending is the number of transfers still being assembled.
func (r *Reassembler) Pending() int {
	return len(r.buffers)
}

func (r *Reassembler) Reset() {
	clear(r.buffers)
	r.order = r.order[:0]
}

func MissingIndices(slots [][]byte) []int {
	var missing []int
	for i, s := range slots {
		if s == nil {
			missing = append(missing, i+1)
		}
	}
	return missing
}

func IsComplete(slots [][]byte) bool {
	for _, s := range slots {
		if s == nil {
			return false
		}
	}
	return true
}
