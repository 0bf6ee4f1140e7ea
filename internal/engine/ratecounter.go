// ratecounter.go implements the per-wallet execution rate windows.
// Counters advance only when an order actually executes; acceptances that
// later fail never consume budget. Windows reset lazily when their span
// has elapsed.
package engine

import (
	"sync"
	"time"
)

type walletWindows struct {
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int
}

// rateCounters tracks successful executions per wallet over sliding
// 1-hour and 1-day windows.
type rateCounters struct {
	mu sync.Mutex
	m  map[string]*walletWindows
}

func newRateCounters() *rateCounters {
	return &rateCounters{m: make(map[string]*walletWindows)}
}

func (rc *rateCounters) windows(wallet string, now time.Time) *walletWindows {
	w, ok := rc.m[wallet]
	if !ok {
		w = &walletWindows{hourStart: now, dayStart: now}
		rc.m[wallet] = w
	}
	if now.Sub(w.hourStart) >= time.Hour {
		w.hourStart = now
		w.hourCount = 0
	}
	if now.Sub(w.dayStart) >= 24*time.Hour {
		w.dayStart = now
		w.dayCount = 0
	}
	return w
}

// Allow reports whether the wallet has headroom under both caps.
// A cap of 0 means that window is unlimited.
func (rc *rateCounters) Allow(wallet string, perHour, perDay int) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	w := rc.windows(wallet, time.Now())
	if perHour > 0 && w.hourCount >= perHour {
		return false
	}
	if perDay > 0 && w.dayCount >= perDay {
		return false
	}
	return true
}

// Record charges one successful execution against both windows.
func (rc *rateCounters) Record(wallet string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	w := rc.windows(wallet, time.Now())
	w.hourCount++
	w.dayCount++
}

// Counts returns the wallet's current window counts (for status reporting).
func (rc *rateCounters) Counts(wallet string) (hour, day int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	w := rc.windows(wallet, time.Now())
	return w.hourCount, w.dayCount
}
