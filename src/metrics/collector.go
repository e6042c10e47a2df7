// Package metrics exposes the swap server's and ager's counters as a
// prometheus.Collector, the same shape
// talyz-systemd_exporter/systemd/systemd.go builds its Collector in: one
// *prometheus.Desc field per metric, wired up in Describe/Collect.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"swapsrv"
)

const namespace = "jospage"

// AgerStats is the small slice of the ager's counters this collector
// exposes; the caller (cmd/jospage) supplies a snapshot function instead
// of a direct dependency on package mem, keeping metrics decoupled from
// the kernel internals it reports on.
type AgerStats struct {
	FramesAged uint64
	FramesReset uint64
}

// Collector implements prometheus.Collector over a swap server and an
// ager snapshot function.
type Collector struct {
	server   *swapsrv.Server_t
	agerSnap func() AgerStats

	pageOuts    *prometheus.Desc
	pageIns     *prometheus.Desc
	pageRemoves *prometheus.Desc
	swapFree    *prometheus.Desc
	framesAged  *prometheus.Desc
	framesReset *prometheus.Desc

	mu sync.Mutex
}

// NewCollector builds a Collector reporting on server and, if agerSnap
// is non-nil, the ager's per-tick counters.
func NewCollector(server *swapsrv.Server_t, agerSnap func() AgerStats) *Collector {
	return &Collector{
		server:   server,
		agerSnap: agerSnap,
		pageOuts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "page_outs_total"),
			"Total pages written to the swap backing store.", nil, nil),
		pageIns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "page_ins_total"),
			"Total pages read back from the swap backing store.", nil, nil),
		pageRemoves: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "page_removes_total"),
			"Total swap slots released without being read back.", nil, nil),
		swapFree: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "swap_slots_free"),
			"Swap slots not currently allocated.", nil, nil),
		framesAged: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_aged_total"),
			"Total frames whose age counter increased, summed over every ager tick.", nil, nil),
		framesReset: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_reset_total"),
			"Total frames whose age counter decreased, summed over every ager tick.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pageOuts
	ch <- c.pageIns
	ch <- c.pageRemoves
	ch <- c.swapFree
	ch <- c.framesAged
	ch <- c.framesReset
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.server.Stats()
	ch <- prometheus.MustNewConstMetric(c.pageOuts, prometheus.CounterValue, float64(st.PageOuts))
	ch <- prometheus.MustNewConstMetric(c.pageIns, prometheus.CounterValue, float64(st.PageIns))
	ch <- prometheus.MustNewConstMetric(c.pageRemoves, prometheus.CounterValue, float64(st.PageRemoves))
	ch <- prometheus.MustNewConstMetric(c.swapFree, prometheus.GaugeValue, float64(c.server.Bitmap.NFree()))

	if c.agerSnap != nil {
		a := c.agerSnap()
		ch <- prometheus.MustNewConstMetric(c.framesAged, prometheus.CounterValue, float64(a.FramesAged))
		ch <- prometheus.MustNewConstMetric(c.framesReset, prometheus.CounterValue, float64(a.FramesReset))
	}
}
