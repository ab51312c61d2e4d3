package transfer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/coact/internal/metrics"
	"github.com/1ureka/coact/internal/protocol"
)

const subsystem = "transfer"

var (
	framesCounter = metrics.NewCounter(
		"frames",
		subsystem,
		"frames by direction and packet type",
		[]string{"direction", "type"},
	)
	transfersCounter = metrics.NewCounter(
		"transfers",
		subsystem,
		"finished transfers by direction and result",
		[]string{"direction", "result"},
	)
	sendDuration = metrics.NewHistogramWithBuckets(
		"send_duration_seconds",
		subsystem,
		"time from first frame to confirmation of successful sends",
		nil,
		prometheus.ExponentialBuckets(0.005, 4, 8),
	)
)

func frameOut(t protocol.PacketType) { framesCounter.WithLabelValues("out", t.String()).Inc() }
func frameIn(t protocol.PacketType)  { framesCounter.WithLabelValues("in", t.String()).Inc() }

func transferDone(dir protocol.Direction, err error) {
	transfersCounter.WithLabelValues(dir.String(), result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsCancellation(err):
		return "canceled"
	default:
		return "failed"
	}
}
