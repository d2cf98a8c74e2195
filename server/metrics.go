package server

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipechat_connected_sessions",
		Help: "Number of currently connected sessions",
	})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipechat_frames_total",
		Help: "Total inbound frames processed by type",
	}, []string{"type"})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipechat_deliveries_total",
		Help: "Reliable delivery outcomes",
	}, []string{"outcome"})

	OfflineQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipechat_offline_queued",
		Help: "Offline messages currently queued across all users",
	})
)

func init() {
	prometheus.MustRegister(ConnectedSessions)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(OfflineQueued)
}
