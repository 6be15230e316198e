package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// registerMetrics exposes coordinator and writer state, read at scrape time
func (s *Server) registerMetrics() {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "heartwatch_live_bpm",
			Help: "Live heart rate from the most recent tick.",
		}, func() float64 {
			return s.coord.Reading().Live
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "heartwatch_last_stored_bpm",
			Help: "Most recently stored heart rate, 0 when none is stored.",
		}, func() float64 {
			r := s.coord.Reading()
			if !r.HasLast {
				return 0
			}
			return r.Last
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "heartwatch_permission_required",
			Help: "1 when the last tick was skipped for lack of sensor permission.",
		}, func() float64 {
			if s.coord.Reading().PermissionRequired {
				return 1
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "heartwatch_store_ops_applied_total",
			Help: "Store operations applied by the ordered writer.",
		}, func() float64 {
			return float64(s.writer.Stats().Applied)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "heartwatch_store_ops_failed_total",
			Help: "Store operations that failed in the ordered writer.",
		}, func() float64 {
			return float64(s.writer.Stats().Failed)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "heartwatch_store_ops_pending",
			Help: "Store operations waiting in the ordered writer queue.",
		}, func() float64 {
			return float64(s.writer.Stats().Pending)
		}),
	)
}
