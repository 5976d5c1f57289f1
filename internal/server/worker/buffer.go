package worker

import "sync"

// Buffer is the byte buffer attached to one side of a connection's
// transport. The owning reactor thread is the only mutator of the input
// buffer; the output buffer is additionally appended to by admin
// operations on foreign threads, so every access goes through the mutex.
type Buffer struct {
	mu  sync.Mutex
	buf []byte
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Write appends p. It never fails; the signature satisfies io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, s...)
}

// Peek returns the buffered bytes without consuming them. The returned
// slice is only valid until the next mutation and must only be used from
// the owning reactor thread.
func (b *Buffer) Peek() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

// Discard drops the first n buffered bytes.
func (b *Buffer) Discard(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.buf) {
		b.buf = nil
		return
	}
	b.buf = b.buf[n:]
}

// Flush repeatedly hands the buffered bytes to write and drops what it
// reports written, until the buffer is empty or write fails. It returns
// whether the buffer drained completely and the error that stopped it.
func (b *Buffer) Flush(write func(p []byte) (int, error)) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) > 0 {
		n, err := write(b.buf)
		if n > 0 {
			b.buf = b.buf[n:]
		}
		if err != nil {
			return len(b.buf) == 0, err
		}
	}
	b.buf = nil
	return true, nil
}
