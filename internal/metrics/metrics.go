package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters exported on /metrics. Rejection reasons: out_of_range,
// device_mismatch, not_enrolled, not_active, error.
var (
	CheckinsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusattend_checkins_accepted_total",
		Help: "Check-ins that passed the geofence and device checks.",
	})
	CheckinsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_checkins_rejected_total",
		Help: "Check-ins refused, by reason.",
	}, []string{"reason"})
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusattend_sessions_started_total",
		Help: "Attendance sessions opened.",
	})
	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusattend_sessions_ended_total",
		Help: "Attendance sessions closed.",
	})
	Automarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusattend_automarked_total",
		Help: "Absence records generated by the close sweep.",
	})
)
