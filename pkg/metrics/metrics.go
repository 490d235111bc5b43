package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CommandsProcessed counts sequencer commands by operation and outcome.
var CommandsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bidengine_commands_processed_total",
		Help: "Total number of auction commands processed by the sequencer",
	},
	[]string{"op", "outcome"},
)

// CommandLatency records time from enqueue to commit.
var CommandLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "bidengine_command_latency_seconds",
		Help:    "Latency in seconds from enqueue to commit of auction commands",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	},
	[]string{"op"},
)

// Bid and auction lifecycle metrics
var (
	BidsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidengine_bids_accepted_total",
			Help: "Ledger entries appended, by kind",
		},
		[]string{"kind"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidengine_rejections_total",
			Help: "Rejected commands by reason",
		},
		[]string{"reason"},
	)

	Extensions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bidengine_antisnipe_extensions_total",
			Help: "Number of anti-snipe end time extensions",
		},
	)

	ActiveAuctions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bidengine_active_auctions",
			Help: "Number of auctions with a running sequencer",
		},
	)

	MailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidengine_mailbox_depth",
			Help: "Pending commands in an auction mailbox",
		},
		[]string{"auction_id"},
	)
)

// Publisher metrics
var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidengine_events_published_total",
			Help: "Events delivered to a sink",
		},
		[]string{"sink", "type"},
	)

	PublishRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidengine_publish_retries_total",
			Help: "Failed sink deliveries that were scheduled for retry",
		},
		[]string{"sink"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidengine_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidengine_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	APIRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidengine_api_retries_total",
			Help: "Timeout rejections retried at the API boundary",
		},
		[]string{"op"},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidengine_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidengine_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(CommandsProcessed, CommandLatency)
	prometheus.MustRegister(BidsAccepted, Rejections, Extensions, ActiveAuctions, MailboxDepth)
	prometheus.MustRegister(EventsPublished, PublishRetries)
	prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, APIRetries)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}
