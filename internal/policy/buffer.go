package policy

import (
	"errors"
	"fmt"
	"sync"
)

// BufferSize is the default capacity of the policy text buffer, one page.
const BufferSize = 4096

const emptyBuffer = "No data stored.\n"

var ErrBufferFull = errors.New("policy buffer full")

// Buffer is the append-only store for raw policy text. An append that does
// not fit is rejected whole.
type Buffer struct {
	mu    sync.RWMutex
	data  []byte
	limit int
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = BufferSize
	}
	return &Buffer{limit: limit}
}

// Write appends p. It implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data)+len(p) > b.limit {
		return 0, fmt.Errorf("%w: %d + %d bytes exceeds %d", ErrBufferFull, len(b.data), len(p), b.limit)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns a copy of the stored text.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.data...)
}

// String renders the buffer the way it is shown to readers.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.data) == 0 {
		return emptyBuffer
	}
	return string(b.data)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *Buffer) Limit() int { return b.limit }

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}
