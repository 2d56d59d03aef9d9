package orchestration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	orchestrationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arrowhead_orchestration_requests_total",
		Help: "Orchestration requests by resolution path.",
	}, []string{"path"})

	orchestrationResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arrowhead_orchestration_result_count",
		Help:    "Providers returned per orchestration response.",
		Buckets: []float64{0, 1, 2, 5, 10, 20},
	})

	gsdAnswers = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arrowhead_gsd_answers_count",
		Help:    "Neighbor answers collected per GSD poll window.",
		Buckets: []float64{0, 1, 2, 5, 10},
	})
)

const (
	pathStore      = "store"
	pathDynamic    = "dynamic"
	pathInterCloud = "intercloud"
	pathExternal   = "external"
	pathEmpty      = "empty"
	pathError      = "error"
)
