package pathselection

import (
	"sync"
	"time"
)

// Health is the liveness and latency estimate of a path, fed by probes
type Health struct {
	mu       sync.Mutex
	rtt      time.Duration
	samples  int
	failures int
	alive    bool
	lastSeen time.Time
}

type HealthStatus struct {
	RTT      time.Duration
	Samples  int
	Failures int
	Alive    bool
	LastSeen time.Time
}

func NewHealth() *Health {
	return &Health{alive: true}
}

// ObserveRTT folds a probe round trip into the smoothed RTT (weight 1/8 like TCP's SRTT)
func (h *Health) ObserveRTT(rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.samples == 0 {
		h.rtt = rtt
	} else {
		h.rtt = (7*h.rtt + rtt) / 8
	}
	h.samples++
	h.failures = 0
	h.alive = true
	h.lastSeen = time.Now()
}

// ObserveFailure marks the path down
func (h *Health) ObserveFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.alive = false
}

func (h *Health) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// RTT returns the smoothed RTT and whether at least one probe completed
func (h *Health) RTT() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rtt, h.samples > 0
}

func (h *Health) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthStatus{
		RTT:      h.rtt,
		Samples:  h.samples,
		Failures: h.failures,
		Alive:    h.alive,
		LastSeen: h.lastSeen,
	}
}
