package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_requests_total",
			Help: "Total number of client requests processed",
		},
		[]string{"model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemini_gateway_request_duration_seconds",
			Help:    "Client request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"model"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_dispatch_attempts_total",
			Help: "Provider attempts by outcome and error kind",
		},
		[]string{"outcome", "kind"},
	)

	DispatchAttemptsPerRequest = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gemini_gateway_dispatch_attempts_per_request",
			Help:    "Provider attempts needed per dispatch",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24},
		},
	)

	AccountSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_gateway_account_switches_total",
			Help: "Times a dispatch moved to another account",
		},
	)

	StreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_stream_retries_total",
			Help: "Re-issued requests after an incomplete stream",
		},
		[]string{"result"},
	)

	AccountTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_account_transitions_total",
			Help: "Account status transitions by target status",
		},
		[]string{"status"},
	)

	PoolAccounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gemini_gateway_pool_accounts",
			Help: "Accounts in the pool by status",
		},
		[]string{"status"},
	)

	TokenMints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_token_mints_total",
			Help: "Bearer token mints by result",
		},
		[]string{"result"},
	)

	TokenMintDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gemini_gateway_token_mint_duration_seconds",
			Help:    "Time spent minting a bearer token",
			Buckets: prometheus.DefBuckets,
		},
	)

	SessionLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_session_lookups_total",
			Help: "Session cache lookups by result",
		},
		[]string{"result"},
	)

	ResearchPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_research_polls_total",
			Help: "Provider operation polls by terminal result",
		},
		[]string{"result"},
	)

	ResearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemini_gateway_research_duration_seconds",
			Help:    "Time from submission to terminal poll",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"result"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_rate_limit_hits_total",
			Help: "Client requests rejected by the per-key limiter",
		},
		[]string{"client"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gemini_gateway_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gemini_gateway_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gemini_gateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version", "config_version"},
	)
)

func RecordRequest(model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(model, status).Inc()
	RequestDuration.WithLabelValues(model).Observe(durationSec)
}

func RecordAttempt(outcome domain.Outcome, kind domain.ErrorKind) {
	k := string(kind)
	if k == "" {
		k = "none"
	}
	DispatchAttempts.WithLabelValues(string(outcome), k).Inc()
}

func RecordDispatch(attempts int) {
	DispatchAttemptsPerRequest.Observe(float64(attempts))
}

func RecordAccountSwitch() {
	AccountSwitches.Inc()
}

func RecordStreamRetry(result string) {
	StreamRetries.WithLabelValues(result).Inc()
}

func RecordAccountTransition(status domain.AccountStatus) {
	AccountTransitions.WithLabelValues(string(status)).Inc()
}

// SetPoolAccounts publishes a full status breakdown. Statuses with no
// accounts are reported as zero so stale values do not linger.
func SetPoolAccounts(counts map[domain.AccountStatus]int) {
	for _, s := range []domain.AccountStatus{
		domain.StatusActive,
		domain.StatusCoolingDown,
		domain.StatusRefreshing,
		domain.StatusDisabled,
	} {
		PoolAccounts.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func RecordTokenMint(result string, d time.Duration) {
	TokenMints.WithLabelValues(result).Inc()
	TokenMintDuration.Observe(d.Seconds())
}

func RecordSessionLookup(result string) {
	SessionLookups.WithLabelValues(result).Inc()
}

func RecordPoll(result string, polls int, d time.Duration) {
	ResearchPolls.WithLabelValues(result).Add(float64(polls))
	ResearchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func RecordRateLimitHit(client string) {
	RateLimitHits.WithLabelValues(client).Inc()
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, version, configVersion string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version, configVersion).Set(1)
}

func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
