package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Result labels shared by the counters below.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Collector owns the Prometheus registry for the registry service. A nil
// *Collector is valid and records nothing, so library code can take one
// unconditionally.
type Collector struct {
	logger *logrus.Logger

	didOperations      *prometheus.CounterVec
	registrationsTotal *prometheus.CounterVec
	verificationsTotal *prometheus.CounterVec
	nonceFetchSeconds  *prometheus.HistogramVec
	httpRequestsTotal  *prometheus.CounterVec
	logEntriesTotal    *prometheus.CounterVec
	info               *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry.
func NewCollector(logger *logrus.Logger, service, version string, chainID int64) *Collector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		didOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_registry_did_operations_total",
			Help: "DID encode and decode operations by result",
		}, []string{"operation", "result"}),

		registrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_registry_registrations_signed_total",
			Help: "Registration requests built and signed by result",
		}, []string{"result"}),

		verificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_registry_verifications_total",
			Help: "Registration signature verifications by result",
		}, []string{"result"}),

		nonceFetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_registry_nonce_fetch_seconds",
			Help:    "Latency of nonce source lookups",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_registry_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		logEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_registry_log_entries_total",
			Help: "Log entries by level",
		}, []string{"level"}),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_registry_info",
			Help: "Service information",
		}, []string{"service", "version", "chain_id"}),
	}

	registry.MustRegister(
		c.didOperations,
		c.registrationsTotal,
		c.verificationsTotal,
		c.nonceFetchSeconds,
		c.httpRequestsTotal,
		c.logEntriesTotal,
		c.info,
	)

	c.info.WithLabelValues(service, version, strconv.FormatInt(chainID, 10)).Set(1)

	logger.Debug("Metrics collector initialized")
	return c
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// ObserveDID counts an "encode" or "decode" operation.
func (c *Collector) ObserveDID(operation string, err error) {
	if c == nil {
		return
	}
	c.didOperations.WithLabelValues(operation, resultOf(err)).Inc()
}

// ObserveRegistration counts a build-and-sign attempt.
func (c *Collector) ObserveRegistration(err error) {
	if c == nil {
		return
	}
	c.registrationsTotal.WithLabelValues(resultOf(err)).Inc()
}

// ObserveVerification counts a verification outcome such as "ok",
// "invalid_signature", "expired" or "replay".
func (c *Collector) ObserveVerification(result string) {
	if c == nil {
		return
	}
	c.verificationsTotal.WithLabelValues(result).Inc()
}

// ObserveNonceFetch records how long a nonce lookup took.
func (c *Collector) ObserveNonceFetch(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.nonceFetchSeconds.WithLabelValues(resultOf(err)).Observe(d.Seconds())
}

// ObserveHTTP counts a served request.
func (c *Collector) ObserveHTTP(method, route string, status int) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// ObserveLog counts a log entry at level.
func (c *Collector) ObserveLog(level string) {
	if c == nil {
		return
	}
	c.logEntriesTotal.WithLabelValues(level).Inc()
}

// GetRegistry returns the Prometheus registry
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}
