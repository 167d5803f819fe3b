package session

import (
	"sync"

	"codeberg.org/mutker/canlogd/internal/sampler"
)

// Buffer accumulates a session's entries. Once sealed it drops further
// appends, so a sampler tick that outlives Stop cannot reach a flushed
// session.
type Buffer struct {
	mu      sync.Mutex
	entries []sampler.Entry
	sealed  bool
}

func (b *Buffer) Append(e sampler.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.sealed {
		b.entries = append(b.entries, e)
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Seal closes the buffer and hands over its entries.
func (b *Buffer) Seal() []sampler.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealed = true
	entries := b.entries
	b.entries = nil

	return entries
}
