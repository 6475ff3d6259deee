package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/radius"
)

// AccountingSource exposes the RADIUS accountant counters.
type AccountingSource interface {
	Stats() radius.AccountingStats
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Link and bundle metrics
	linksUp         prometheus.Gauge
	bundlesUp       prometheus.Gauge
	bundleBandwidth *prometheus.GaugeVec
	linkOctets      *prometheus.CounterVec

	// Negotiation metrics
	fsmFailures  *prometheus.CounterVec
	bundleJoins  *prometheus.CounterVec
	bodDecisions *prometheus.CounterVec

	// RADIUS metrics
	radiusRequests *prometheus.CounterVec
	radiusLatency  *prometheus.HistogramVec
	acctRecords    *prometheus.CounterVec

	mu        sync.Mutex
	lastOctet map[string][2]uint64
	lastAcct  radius.AccountingStats

	acct   AccountingSource
	logger *zap.Logger
}

// New creates a new Metrics instance. acct may be nil.
func New(acct AccountingSource, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		acct:      acct,
		logger:    logger,
		lastOctet: make(map[string][2]uint64),

		linksUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mpd_links_up",
				Help: "Number of links that completed LCP negotiation",
			},
		),

		bundlesUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mpd_bundles_up",
				Help: "Number of bundles with at least one joined link",
			},
		),

		bundleBandwidth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mpd_bundle_bandwidth_bps",
				Help: "Aggregate bandwidth of the joined links",
			},
			[]string{"bundle"},
		),

		linkOctets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpd_link_octets_total",
				Help: "Octets carried per link and direction",
			},
			[]string{"link", "direction"},
		),

		fsmFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpd_fsm_failures_total",
				Help: "Negotiation failures by protocol and reason",
			},
			[]string{"proto", "reason"},
		),

		bundleJoins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpd_bundle_joins_total",
				Help: "Bundle join attempts by result",
			},
			[]string{"result"},
		),

		bodDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpd_bod_decisions_total",
				Help: "Bandwidth on demand decisions by bundle",
			},
			[]string{"bundle", "decision"},
		),

		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpd_radius_requests_total",
				Help: "Total RADIUS requests by type and result",
			},
			[]string{"type", "result"},
		),

		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mpd_radius_latency_seconds",
				Help:    "RADIUS request latency",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"type"},
		),

		acctRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpd_accounting_records_total",
				Help: "Accounting records by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	return m.RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with reg. Already registered
// collectors are not an error.
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.linksUp,
		m.bundlesUp,
		m.bundleBandwidth,
		m.linkOctets,
		m.fsmFailures,
		m.bundleJoins,
		m.bodDecisions,
		m.radiusRequests,
		m.radiusLatency,
		m.acctRecords,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- ppp.Recorder ---

func (m *Metrics) LinkUp(string) { m.linksUp.Inc() }

func (m *Metrics) LinkDown(link string) {
	m.linksUp.Dec()
	m.mu.Lock()
	delete(m.lastOctet, link)
	m.mu.Unlock()
}

func (m *Metrics) BundleUp(string) { m.bundlesUp.Inc() }

func (m *Metrics) BundleDown(bundle string) {
	m.bundlesUp.Dec()
	m.bundleBandwidth.WithLabelValues(bundle).Set(0)
}

func (m *Metrics) BundleBandwidth(bundle string, bps int) {
	m.bundleBandwidth.WithLabelValues(bundle).Set(float64(bps))
}

func (m *Metrics) FSMFailure(proto, reason string) {
	m.fsmFailures.WithLabelValues(proto, reason).Inc()
}

func (m *Metrics) BundleJoin(result string) {
	m.bundleJoins.WithLabelValues(result).Inc()
}

func (m *Metrics) BoDDecision(bundle, decision string) {
	m.bodDecisions.WithLabelValues(bundle, decision).Inc()
}

// LinkOctets takes the cumulative counters of a link session and adds the
// growth since the previous call.
func (m *Metrics) LinkOctets(link string, in, out uint64) {
	m.mu.Lock()
	last := m.lastOctet[link]
	m.lastOctet[link] = [2]uint64{in, out}
	m.mu.Unlock()

	if in > last[0] {
		m.linkOctets.WithLabelValues(link, "in").Add(float64(in - last[0]))
	}
	if out > last[1] {
		m.linkOctets.WithLabelValues(link, "out").Add(float64(out - last[1]))
	}
}

// RecordRADIUSRequest records a RADIUS request.
func (m *Metrics) RecordRADIUSRequest(reqType, result string, latency time.Duration) {
	m.radiusRequests.WithLabelValues(reqType, result).Inc()
	m.radiusLatency.WithLabelValues(reqType).Observe(latency.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect folds the accountant counters into the accounting series.
func (m *Metrics) Collect() {
	if m.acct == nil {
		return
	}
	stats := m.acct.Stats()

	m.mu.Lock()
	last := m.lastAcct
	m.lastAcct = stats
	m.mu.Unlock()

	if d := stats.Sent - last.Sent; d > 0 {
		m.acctRecords.WithLabelValues("sent").Add(float64(d))
	}
	if d := stats.Failed - last.Failed; d > 0 {
		m.acctRecords.WithLabelValues("failed").Add(float64(d))
	}
	if d := stats.Retried - last.Retried; d > 0 {
		m.acctRecords.WithLabelValues("retried").Add(float64(d))
	}
	if d := stats.Dropped - last.Dropped; d > 0 {
		m.acctRecords.WithLabelValues("dropped").Add(float64(d))
	}
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
