package transfer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ProgressFunc receives transfer progress at chunk granularity. eta is zero
// until an estimate is possible.
type ProgressFunc func(done, total int64, eta time.Duration)

// Monitor observes one transfer and lets the caller cancel it. A nil
// *Monitor is valid and never cancels.
type Monitor struct {
	clock    clockwork.Clock
	progress ProgressFunc

	once    sync.Once
	started time.Time

	cancelOnce sync.Once
	canceled   chan struct{}
}

// NewMonitor creates a monitor reporting to fn, which may be nil.
func NewMonitor(fn ProgressFunc) *Monitor {
	return NewMonitorWithClock(fn, clockwork.NewRealClock())
}

// NewMonitorWithClock is NewMonitor with an explicit clock for the estimate.
func NewMonitorWithClock(fn ProgressFunc, clock clockwork.Clock) *Monitor {
	return &Monitor{
		clock:    clock,
		progress: fn,
		canceled: make(chan struct{}),
	}
}

// Cancel requests cancellation. It may be called from the progress callback.
func (m *Monitor) Cancel() {
	if m == nil {
		return
	}
	m.cancelOnce.Do(func() { close(m.canceled) })
}

// Canceled reports whether Cancel was called.
func (m *Monitor) Canceled() bool {
	if m == nil {
		return false
	}
	select {
	case <-m.canceled:
		return true
	default:
		return false
	}
}

// Done is closed when Cancel is called.
func (m *Monitor) Done() <-chan struct{} {
	if m == nil {
		return nil
	}
	return m.canceled
}

func (m *Monitor) report(done, total int64) {
	if m == nil || m.progress == nil {
		return
	}
	m.once.Do(func() { m.started = m.clock.Now() })

	var eta time.Duration
	if done > 0 && done < total {
		elapsed := m.clock.Since(m.started)
		eta = time.Duration(float64(elapsed) * float64(total-done) / float64(done))
	}
	m.progress(done, total, eta)
}
