package registry

import (
	"context"
	"sync"
)

// HistoryStore persists swept sessions.
type HistoryStore interface {
	SaveSession(ctx context.Context, s Session) error
}

const DefaultHistoryLimit = 256

// history is a bounded ring of swept sessions, oldest overwritten first.
type history struct {
	mu    sync.Mutex
	limit int
	items []Session
	next  int
	full  bool
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit, items: make([]Session, limit)}
}

func (h *history) push(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[h.next] = s
	h.next = (h.next + 1) % h.limit
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) len() int {
	if h.full {
		return h.limit
	}
	return h.next
}

// recent returns up to n sessions, newest first. n <= 0 returns all.
func (h *history) recent(n int) []Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := h.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Session, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + h.limit) % h.limit
		out = append(out, h.items[idx])
	}
	return out
}
