// Package metrics centralizes the Prometheus collectors shared by the
// server protocol, client protocol, queue, and DNS blocklist, the way a
// single expvar map would have in an older codebase, but exported for
// scraping instead of polling.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emrelay_smtp_in_commands_total",
		Help: "count of SMTP commands received, by command",
	}, []string{"command"})

	ResponseCodeCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emrelay_smtp_in_response_codes_total",
		Help: "response codes returned to SMTP commands",
	}, []string{"code"})

	LoopsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emrelay_smtp_in_loops_detected_total",
		Help: "count of message loops detected via Received header count",
	})

	TLSCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emrelay_smtp_in_tls_total",
		Help: "count of TLS usage in incoming connections",
	}, []string{"status"})

	HookResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emrelay_hook_results_total",
		Help: "count of post-data hook invocations, by result",
	}, []string{"result"})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emrelay_queue_length",
		Help: "current number of messages in the New state",
	})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emrelay_delivery_attempts_total",
		Help: "count of outgoing delivery attempts, by result",
	}, []string{"result"})

	DNSBLResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emrelay_dnsbl_results_total",
		Help: "count of DNS blocklist verdicts",
	}, []string{"verdict"})

	FilterResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emrelay_filter_results_total",
		Help: "count of filter pipeline results, by filter and result",
	}, []string{"filter", "result"})
)
