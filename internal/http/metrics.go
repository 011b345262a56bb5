package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_scans_total",
		Help: "Scan ingestion attempts by result.",
	}, []string{"result"})

	finalizeRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkin_finalize_runs_total",
		Help: "Completed finalization runs.",
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_notifications_total",
		Help: "Notification delivery outcomes.",
	}, []string{"outcome"})
)
