package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lifecycle metrics
var (
	InstanceCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "serverbox_instance_create_duration_seconds",
			Help:    "Time to create an instance, sandbox through healthy upstream",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120},
		},
	)

	ResumesPerformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "serverbox_resumes_performed_total",
			Help: "Resume operations actually issued to the provider",
		},
	)

	ResumesDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "serverbox_resumes_deduped_total",
			Help: "Resume requests that joined an already in-flight resume",
		},
	)

	ResumeJoinTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "serverbox_resume_join_timeouts_total",
			Help: "Resume joins that hit the hard timeout",
		},
	)
)

// Proxy metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serverbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serverbox_proxy_requests_total",
			Help: "Requests forwarded to instance upstreams",
		},
		[]string{"status"},
	)

	UpstreamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "serverbox_upstream_duration_seconds",
			Help:    "Time from forwarding a request upstream to response completion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstanceCreateDuration,
		ResumesPerformed,
		ResumesDeduped,
		ResumeJoinTimeouts,
		HTTPRequestsTotal,
		ProxyRequestsTotal,
		UpstreamDuration,
	)
}

var instanceStatesDesc = prometheus.NewDesc(
	"serverbox_instances",
	"Number of instances by state",
	[]string{"state"}, nil,
)

type stateCollector struct {
	source func() map[string]int
}

func (c stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- instanceStatesDesc
}

func (c stateCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.source() {
		ch <- prometheus.MustNewConstMetric(instanceStatesDesc, prometheus.GaugeValue, float64(n), state)
	}
}

// RegisterStateGauge reports instance counts by state, reading source at
// scrape time so the store stays the single source of truth.
func RegisterStateGauge(source func() map[string]int) {
	prometheus.MustRegister(stateCollector{source: source})
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			return err
		}
	}
}
