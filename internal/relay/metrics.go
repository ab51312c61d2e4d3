package relay

import "github.com/1ureka/coact/internal/metrics"

const subsystem = "relay"

var (
	routedMessages = metrics.NewCounter(
		"routed_messages",
		subsystem,
		"messages forwarded by the hub",
		[]string{"type", "outcome"},
	)
	onlinePeers = metrics.NewGauge(
		"online_peers",
		subsystem,
		"peers logged in to the hub",
		nil,
	).WithLabelValues()
	mailboxSize = metrics.NewGauge(
		"mailbox_messages",
		subsystem,
		"messages stored for offline peers",
		nil,
	).WithLabelValues()
)
