package sequence

import "github.com/1ureka/coact/internal/metrics"

const subsystem = "sequence"

var (
	droppedEnvelopes = metrics.NewCounter(
		"dropped_envelopes",
		subsystem,
		"envelopes discarded because their number was already delivered or abandoned",
		[]string{"reason"},
	)
	abandonedNumbers = metrics.NewCounter(
		"abandoned_numbers",
		subsystem,
		"sequence numbers given up on after the gap timeout",
		nil,
	)
	pendingEnvelopes = metrics.NewGauge(
		"pending_envelopes",
		subsystem,
		"envelopes buffered waiting for a predecessor",
		nil,
	)
)

var (
	droppedLate  = droppedEnvelopes.WithLabelValues("late")
	droppedStale = droppedEnvelopes.WithLabelValues("stale")
	droppedPeer  = droppedEnvelopes.WithLabelValues("peer_removed")
	abandoned    = abandonedNumbers.WithLabelValues()
	pending      = pendingEnvelopes.WithLabelValues()
)
