package gateway

import (
	"sync"
	"sync/atomic"

	"tradedeck/internal/accounting"
	"tradedeck/logger"
)

// hub fans accounting envelopes out to every connected browser client. Each
// client gets its own buffered channel; a client that stops draining it is
// disconnected rather than allowed to stall the broadcast.
type hub struct {
	buffer int
	log    *logger.Log

	mu   sync.RWMutex
	subs map[int64]chan accounting.Envelope
	seq  atomic.Int64
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &hub{
		buffer: buffer,
		log:    logger.GetLogger(),
		subs:   make(map[int64]chan accounting.Envelope),
	}
}

func (h *hub) subscribe() (int64, <-chan accounting.Envelope) {
	id := h.seq.Add(1)
	ch := make(chan accounting.Envelope, h.buffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	return id, ch
}

func (h *hub) unsubscribe(id int64) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(env accounting.Envelope) {
	var lagging []int64

	h.mu.RLock()
	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			lagging = append(lagging, id)
		}
	}
	h.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range lagging {
		if ch, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
			h.log.WithComponent("gateway_hub").WithFields(logger.Fields{
				"client_id": id,
			}).Warn("disconnected lagging client, channel full")
		}
	}
	h.mu.Unlock()
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}
