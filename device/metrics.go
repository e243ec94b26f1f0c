package device

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes per-device memory accounting as Prometheus metrics.
// Register it with a prometheus.Registerer; each scrape reads a fresh
// Stats snapshot.
type Collector struct {
	devices []*Device

	usedDesc      *prometheus.Desc
	peakDesc      *prometheus.Desc
	hostDesc      *prometheus.Desc
	allocsDesc    *prometheus.Desc
	evictionsDesc *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over the given devices.
func NewCollector(devices ...*Device) *Collector {
	labels := []string{"device"}
	return &Collector{
		devices: devices,
		usedDesc: prometheus.NewDesc(
			"device_memory_used_bytes",
			"Current bytes of live allocations, device and host-mapped combined.",
			labels, nil),
		peakDesc: prometheus.NewDesc(
			"device_memory_peak_bytes",
			"High watermark of live allocation bytes.",
			labels, nil),
		hostDesc: prometheus.NewDesc(
			"device_memory_host_mapped_bytes",
			"Bytes of live allocations backed by pinned host memory.",
			labels, nil),
		allocsDesc: prometheus.NewDesc(
			"device_memory_allocations",
			"Number of live allocations.",
			labels, nil),
		evictionsDesc: prometheus.NewDesc(
			"device_memory_evictions_total",
			"Textures moved from device to host memory.",
			labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usedDesc
	ch <- c.peakDesc
	ch <- c.hostDesc
	ch <- c.allocsDesc
	ch <- c.evictionsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.devices {
		s := d.Stats()
		name := d.Name()
		ch <- prometheus.MustNewConstMetric(c.usedDesc,
			prometheus.GaugeValue, float64(s.UsedBytes), name)
		ch <- prometheus.MustNewConstMetric(c.peakDesc,
			prometheus.GaugeValue, float64(s.PeakBytes), name)
		ch <- prometheus.MustNewConstMetric(c.hostDesc,
			prometheus.GaugeValue, float64(s.HostMappedBytes), name)
		ch <- prometheus.MustNewConstMetric(c.allocsDesc,
			prometheus.GaugeValue, float64(s.Allocations), name)
		ch <- prometheus.MustNewConstMetric(c.evictionsDesc,
			prometheus.CounterValue, float64(s.Evictions), name)
	}
}
