package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphstore_query_seconds",
		Help:    "Time spent preparing and executing a secure query.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	QueryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphstore_query_errors_total",
		Help: "Total number of queries that failed, by stage.",
	}, []string{"op", "stage"})

	QueryRows = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphstore_query_rows",
		Help:    "Rows returned by a secure query.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"op"})
)
