package collector

import (
	"sync"

	"collectorflow/internal/models"
)

// History is a fixed-size ring of the most recent outcomes together with
// lifetime counters.
type History struct {
	mu     sync.RWMutex
	buf    []models.CollectionOutcome
	next   int
	full   bool
	total  int64
	byKind map[models.ErrorKind]int64
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{
		buf:    make([]models.CollectionOutcome, size),
		byKind: make(map[models.ErrorKind]int64),
	}
}

func (h *History) Add(o models.CollectionOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = o
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.total++
	kind := o.Error
	if kind == "" {
		kind = models.ErrorKindNone
	}
	h.byKind[kind]++
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Outcomes returns the retained outcomes, oldest first.
func (h *History) Outcomes() []models.CollectionOutcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full {
		return append([]models.CollectionOutcome(nil), h.buf[:h.next]...)
	}
	out := make([]models.CollectionOutcome, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Last returns the most recent outcome.
func (h *History) Last() (models.CollectionOutcome, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full && h.next == 0 {
		return models.CollectionOutcome{}, false
	}
	i := h.next - 1
	if i < 0 {
		i = len(h.buf) - 1
	}
	return h.buf[i], true
}

// SuccessRate is the share of successful cycles among retained outcomes that
// actually attempted the vendor. Skipped cycles are excluded; with no
// attempts the rate is 1.
func (h *History) SuccessRate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	attempted, ok := 0, 0
	for i := 0; i < n; i++ {
		o := h.buf[i]
		if o.Skipped() {
			continue
		}
		attempted++
		if o.Succeeded() {
			ok++
		}
	}
	if attempted == 0 {
		return 1
	}
	return float64(ok) / float64(attempted)
}

// Totals returns lifetime counters, including outcomes no longer retained.
func (h *History) Totals() (int64, map[models.ErrorKind]int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byKind := make(map[models.ErrorKind]int64, len(h.byKind))
	for k, v := range h.byKind {
		byKind[k] = v
	}
	return h.total, byKind
}
