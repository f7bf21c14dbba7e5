// Package metrics exposes per-channel flow, cleartime, and fragment-backlog
// gauges over Prometheus client_golang, the way dantte-lp-gobfd and
// packetd-packetd instrument their own packet-processing daemons.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the netchan gauges. The host loop sets Channels each tick;
// nothing in this module sets the per-channel gauge vectors, and Forget
// removes their series for an evicted channel. A fresh Registry is independent of Prometheus's global default
// registerer, so tests can construct one without touching package state.
type Registry struct {
	InRate      *prometheus.GaugeVec
	OutRate     *prometheus.GaugeVec
	InRateAvg   *prometheus.GaugeVec
	OutRateAvg  *prometheus.GaugeVec
	ClearSkew   *prometheus.GaugeVec
	FragBacklog *prometheus.GaugeVec
	Channels    prometheus.Gauge
}

// NewRegistry builds and registers every netchan gauge against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		InRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netchan",
			Name:      "in_kbytes_per_sec",
			Help:      "Instantaneous inbound transfer rate per channel.",
		}, []string{"channel_id"}),
		OutRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netchan",
			Name:      "out_kbytes_per_sec",
			Help:      "Instantaneous outbound transfer rate per channel.",
		}, []string{"channel_id"}),
		InRateAvg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netchan",
			Name:      "in_kbytes_per_sec_avg",
			Help:      "EWMA-smoothed inbound transfer rate per channel.",
		}, []string{"channel_id"}),
		OutRateAvg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netchan",
			Name:      "out_kbytes_per_sec_avg",
			Help:      "EWMA-smoothed outbound transfer rate per channel.",
		}, []string{"channel_id"}),
		ClearSkew: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netchan",
			Name:      "cleartime_skew_seconds",
			Help:      "Seconds between now and the channel's leaky-bucket cleartime.",
		}, []string{"channel_id"}),
		FragBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netchan",
			Name:      "fragment_backlog",
			Help:      "Outstanding fragment-group count per channel and stream.",
		}, []string{"channel_id", "stream"}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netchan",
			Name:      "channels_active",
			Help:      "Number of channels currently held by the registry.",
		}),
	}

	reg.MustRegister(r.InRate, r.OutRate, r.InRateAvg, r.OutRateAvg, r.ClearSkew, r.FragBacklog, r.Channels)
	return r
}

// Forget removes every per-channel series for id, called when the registry
// evicts a stale channel so /metrics doesn't accumulate dead label sets.
func (r *Registry) Forget(id string) {
	r.InRate.DeleteLabelValues(id)
	r.OutRate.DeleteLabelValues(id)
	r.InRateAvg.DeleteLabelValues(id)
	r.OutRateAvg.DeleteLabelValues(id)
	r.ClearSkew.DeleteLabelValues(id)
	r.FragBacklog.DeletePartialMatch(prometheus.Labels{"channel_id": id})
}
