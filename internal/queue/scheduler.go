package queue

import (
	"net/url"
	"sync"
)

// HostLimiter tracks active-download count per key so the scheduler will
// not start another worker against a key already at its configured limit.
// The Scheduler keys it by task source name, not by URL host. Generalizes the teacher's SmartScheduler host-limit map
// beyond its original chunked-download use case.
type HostLimiter struct {
	mu            sync.Mutex
	hostLimits    map[string]int
	activePerHost map[string]int
}

func NewHostLimiter() *HostLimiter {
	return &HostLimiter{
		hostLimits:    make(map[string]int),
		activePerHost: make(map[string]int),
	}
}

func (h *HostLimiter) SetLimit(host string, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostLimits[host] = limit
}

// Admit reports whether a new worker may start against host, given its
// configured limit (0 = unlimited).
func (h *HostLimiter) Admit(host string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	limit, ok := h.hostLimits[host]
	if !ok || limit <= 0 {
		return true
	}
	return h.activePerHost[host] < limit
}

func (h *HostLimiter) Start(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activePerHost[host]++
}

func (h *HostLimiter) Finish(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activePerHost[host] > 0 {
		h.activePerHost[host]--
	}
}

// ActiveCount reports how many workers are currently running against host.
func (h *HostLimiter) ActiveCount(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activePerHost[host]
}

// HostOf extracts the scheduling host key from a resolved URL. Tasks
// without a resolvable URL (not yet RESOLVING past source selection) use
// the empty host, which is never rate limited.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
