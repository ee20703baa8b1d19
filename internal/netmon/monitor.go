// Package netmon tracks upstream reachability and decides when the agent
// should stop trying the network for a while.
//
// Degradation is slow and recovery is fast: it takes Threshold consecutive
// failures to enter the forced-offline window, and a single success to leave it.
package netmon

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultThreshold     = 2
	DefaultForcedOffline = 30 * time.Second
)

// Health is a point-in-time copy of the monitor state.
type Health struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ForcedOfflineUntil  time.Time `json:"forced_offline_until"`
	ForcedOffline       bool      `json:"forced_offline"`
}

// Monitor is the process-wide network health state. It is safe for
// concurrent use.
type Monitor struct {
	threshold int
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	failures  int
	until     time.Time
	onRecover []func()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor. Non-positive arguments fall back to the defaults.
func New(threshold int, window time.Duration, opts ...Option) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultForcedOffline
	}
	m := &Monitor{
		threshold: threshold,
		window:    window,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnRecover registers fn to run, outside the lock, whenever a success follows
// one or more failures.
func (m *Monitor) OnRecover(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecover = append(m.onRecover, fn)
}

// ReportFailure records a failed or timed-out network attempt.
func (m *Monitor) ReportFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	networkFailures.Inc()
	if m.failures < m.threshold {
		return
	}
	until := m.now().Add(m.window)
	if until.After(m.until) {
		m.until = until
	}
	forcedOfflineGauge.Set(1)
	m.logger.Warn("network unstable, serving from cache", "consecutive_failures", m.failures, "until", m.until)
}

// ReportSuccess records a successful network attempt and clears any
// forced-offline window immediately.
func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	recovered := m.failures > 0
	m.failures = 0
	m.until = time.Time{}
	var hooks []func()
	if recovered {
		hooks = append(hooks, m.onRecover...)
	}
	m.mu.Unlock()

	forcedOfflineGauge.Set(0)
	if recovered {
		m.logger.Info("network recovered")
	}
	for _, fn := range hooks {
		fn()
	}
}

// ForcedOffline reports whether the current time falls inside the
// forced-offline window.
func (m *Monitor) ForcedOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.until)
}

// Online reports whether a submission can go straight to the network: no
// forced-offline window and no failure since the last success.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures == 0 && !m.now().Before(m.until)
}

func (m *Monitor) Snapshot() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		ConsecutiveFailures: m.failures,
		ForcedOfflineUntil:  m.until,
		ForcedOffline:       m.now().Before(m.until),
	}
}

// Reset returns the monitor to its initial state. Called on activation.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.until = time.Time{}
	forcedOfflineGauge.Set(0)
}
