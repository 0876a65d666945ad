package replication

import (
	"sync"
	"time"

	"github.com/IdanHaim/ravendb/internal/workcontext"
)

// HeartbeatTable maps peer URL to the last time an inbound heartbeat was
// received from it. Grounded on the teacher's statusStore.go /
// ClientManager map-with-mutex idiom.
type HeartbeatTable struct {
	mu         sync.RWMutex
	heartbeats map[string]time.Time

	ledger *FailureLedger
	work   *workcontext.WorkContext
}

// NewHeartbeatTable creates a HeartbeatTable that records successes
// against ledger and wakes work on every inbound heartbeat.
func NewHeartbeatTable(ledger *FailureLedger, work *workcontext.WorkContext) *HeartbeatTable {
	return &HeartbeatTable{
		heartbeats: make(map[string]time.Time),
		ledger:     ledger,
		work:       work,
	}
}

// HandleHeartbeat records an inbound heartbeat from src: it clears src's
// failure accounting (a live peer implies prior failures are stale),
// upserts the heartbeat time, and wakes the work context.
func (h *HeartbeatTable) HandleHeartbeat(src string) {
	now := time.Now()

	h.mu.Lock()
	h.heartbeats[src] = now
	h.mu.Unlock()

	if h.ledger != nil {
		h.ledger.RecordSuccess(src, SuccessOptions{HeartbeatReceived: &now})
	}
	if h.work != nil {
		h.work.NotifyAboutWork()
	}
}

// IsHeartbeatAvailable reports whether a heartbeat from src was observed
// at or after since.
func (h *HeartbeatTable) IsHeartbeatAvailable(src string, since time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	last, ok := h.heartbeats[src]
	if !ok {
		return false
	}
	return !last.Before(since)
}
