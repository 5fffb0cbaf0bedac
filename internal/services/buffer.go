package services

import "sync"

// OutputBuffer is the bounded trailing buffer of everything a session's
// process has written. It is replayed in full to every (re)attaching
// connection. When the cap is exceeded the oldest bytes are dropped, so the
// buffer always holds the most recent <=cap bytes.
type OutputBuffer struct {
	mu   sync.Mutex
	data []byte
	cap  int
}

// NewOutputBuffer creates a buffer bounded to cap bytes.
func NewOutputBuffer(cap int) *OutputBuffer {
	return &OutputBuffer{cap: cap}
}

// Append adds a chunk, trimming from the front if the cap is exceeded.
func (b *OutputBuffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.cap {
		b.data = append(b.data[:0], p[len(p)-b.cap:]...)
		return
	}

	b.data = append(b.data, p...)
	if overflow := len(b.data) - b.cap; overflow > 0 {
		b.data = b.data[overflow:]
	}
}

// Snapshot returns a copy of the current contents.
func (b *OutputBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the current buffered byte count.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
