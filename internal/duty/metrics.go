package duty

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	punchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duty_punch_total",
		Help: "Punch outcomes by action (time_in, time_out, early_timeout).",
	}, []string{"action"})

	bulkOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duty_bulk_ops_total",
		Help: "Bulk session operations by kind.",
	}, []string{"op"})
)
