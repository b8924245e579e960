package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netguard",
		Name:      "jobs_processed_total",
		Help:      "Jobs processed by the worker, partitioned by terminal status.",
	}, []string{"job", "status"})

	metricGroupsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netguard",
		Name:      "job_groups_running",
		Help:      "Job groups currently draining.",
	})
)
