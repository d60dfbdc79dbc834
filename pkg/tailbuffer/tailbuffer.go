// Package tailbuffer keeps the tail of a log stream in memory so the most
// recent engine output can be surfaced on the status route.
package tailbuffer

import (
	"bytes"
	"sync"
)

// Buffer is an io.Writer that retains only the last capacity bytes written.
// Unlike a pipe, reading the tail does not consume it.
type Buffer struct {
	mu        sync.Mutex
	buf       []byte
	capacity  int
	truncated bool
}

// New creates a tail buffer retaining up to capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Write implements io.Writer.Write. Writes never fail; older data is
// discarded to stay within capacity.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.capacity {
		b.buf = append(b.buf[:0], p[len(p)-b.capacity:]...)
		b.truncated = true
		return len(p), nil
	}
	if overflow := len(b.buf) + len(p) - b.capacity; overflow > 0 {
		b.buf = b.buf[overflow:]
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Tail returns a snapshot of the retained data. After truncation the snapshot
// starts at the first complete line so no torn half-line leads the output.
func (b *Buffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := b.buf
	if b.truncated {
		if i := bytes.IndexByte(tail, '\n'); i >= 0 && i+1 < len(tail) {
			tail = tail[i+1:]
		}
	}
	return string(tail)
}
