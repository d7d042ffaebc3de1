package process

import (
	"sync"
	"time"
)

const defaultBufferBytes = 2 * 1024 * 1024

// OutputChunk is one read from stdout or stderr.
type OutputChunk struct {
	Seq       uint64    `json:"seq"`
	Stream    string    `json:"stream"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ringBuffer keeps the most recent output up to maxBytes, evicting whole
// chunks from the front.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	seq      uint64
	chunks   []OutputChunk
}

func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultBufferBytes
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	chunk.Seq = b.seq
	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Data))
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= int64(len(b.chunks[0].Data))
		b.chunks = b.chunks[1:]
	}
}

func (b *ringBuffer) snapshot() []OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OutputChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// since returns the buffered chunks numbered above seq. Chunks already
// evicted are skipped.
func (b *ringBuffer) since(seq uint64) []OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.chunks {
		if c.Seq > seq {
			out := make([]OutputChunk, len(b.chunks)-i)
			copy(out, b.chunks[i:])
			return out
		}
	}
	return nil
}
