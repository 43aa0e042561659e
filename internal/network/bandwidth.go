// Package network provides the transport-level resilience pieces the
// download pipeline shares: mirror selection, DNS rotation, bandwidth
// shaping, and per-source congestion tracking.
package network

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Band is the share class a download competes in once the global limit is
// saturated. A waitlisted background grab should not crowd out the release
// the user queued a moment ago.
type Band int

const (
	BandLow Band = iota + 1
	BandNormal
	BandHigh
)

// BandwidthManager shapes download throughput on two axes: a global cap
// across every worker, and an optional per-mirror-host cap so one saturated
// upstream cannot absorb the whole budget. When the global bucket runs dry,
// low-band tasks back off in proportion to the deficit they observe instead
// of re-contending immediately, leaving the refill to higher bands.
type BandwidthManager struct {
	mu        sync.RWMutex
	global    *rate.Limiter
	globalBps int
	perHost   map[string]*rate.Limiter
	hostBps   int
	taskBands map[string]Band
}

func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		perHost:   make(map[string]*rate.Limiter),
		taskBands: make(map[string]Band),
	}
}

// SetLimit installs the global cap in bytes per second; 0 removes it.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.globalBps = bytesPerSec
	if bytesPerSec <= 0 {
		bm.global = nil
		return
	}
	bm.global = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// SetHostLimit caps throughput against each individual mirror host; 0
// disables host shaping. Limiters are created lazily per host on first use.
func (bm *BandwidthManager) SetHostLimit(bytesPerSec int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.hostBps = bytesPerSec
	bm.perHost = make(map[string]*rate.Limiter)
}

// SetTaskBand assigns the share class a task's chunks are charged under,
// derived from its queue priority at enqueue time.
func (bm *BandwidthManager) SetTaskBand(taskID string, band Band) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.taskBands[taskID] = band
}

// Forget drops a finished task's band so the map doesn't accumulate ids
// across the process lifetime.
func (bm *BandwidthManager) Forget(taskID string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.taskBands, taskID)
}

func (bm *BandwidthManager) hostLimiter(host string) *rate.Limiter {
	if host == "" {
		return nil
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.hostBps <= 0 {
		return nil
	}
	l, ok := bm.perHost[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(bm.hostBps), bm.hostBps)
		bm.perHost[host] = l
	}
	return l
}

// Wait blocks until taskID may consume bytes against host. With no limits
// configured it returns immediately.
func (bm *BandwidthManager) Wait(ctx context.Context, taskID, host string, bytes int) error {
	if l := bm.hostLimiter(host); l != nil {
		if err := l.WaitN(ctx, bytes); err != nil {
			return err
		}
	}

	bm.mu.RLock()
	global := bm.global
	globalBps := bm.globalBps
	band := bm.taskBands[taskID]
	bm.mu.RUnlock()
	if global == nil {
		return nil
	}

	if err := global.WaitN(ctx, bytes); err != nil {
		return err
	}

	if band == BandLow {
		// Our chunk just drained the bucket; if it is still short, yield
		// the refill window to higher bands before asking again.
		if deficit := float64(bytes) - global.Tokens(); deficit > 0 {
			delay := time.Duration(deficit / float64(globalBps) * float64(time.Second))
			if delay > 250*time.Millisecond {
				delay = 250 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}
