package nbd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbt_nbd_requests",
		Help: "The total number of nbd requests sent, by command",
	}, []string{"command"})

	serverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbt_nbd_server_errors",
		Help: "The total number of replies carrying an error, by command",
	}, []string{"command"})

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cbt_nbd_request_time",
		Help:    "Time from sending a request to reading its reply",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbt_nbd_bytes_read",
		Help: "The total number of payload bytes read",
	})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbt_nbd_bytes_written",
		Help: "The total number of payload bytes written",
	})
)

func observeRequest(typ uint16, start time.Time) {
	requestLatency.WithLabelValues(commandName(typ)).Observe(time.Since(start).Seconds())
}
