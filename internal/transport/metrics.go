package transport

import "github.com/1ureka/coact/internal/metrics"

var sendsCounter = metrics.NewCounter(
	"sends",
	"transport",
	"send attempts by transport mode and result",
	[]string{"mode", "result"},
)
