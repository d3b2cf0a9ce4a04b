// Package metrics provides Prometheus instrumentation for payments,
// wallet lifecycle, the price oracle, scheduler jobs, and storage.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Payment metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSettledTotal *prometheus.CounterVec
	PaymentAmountEUR     *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec

	// Finalization metrics
	FinalizeAttemptsTotal *prometheus.CounterVec
	FinalizeRetriesTotal  *prometheus.CounterVec

	// Wallet lifecycle metrics
	WalletScansTotal       prometheus.Counter
	WalletScanDuration     prometheus.Histogram
	WalletTransitionsTotal *prometheus.CounterVec
	SweepsTotal            *prometheus.CounterVec
	SweepLamportsTotal     prometheus.Counter
	RecoveryRunsTotal      prometheus.Counter
	RecoveryLamportsTotal  prometheus.Counter

	// Price oracle metrics
	QuoteRequestsTotal  *prometheus.CounterVec
	QuoteRefreshTotal   *prometheus.CounterVec
	QuoteEURPerSOL      prometheus.Gauge
	UpstreamQuotesTotal *prometheus.CounterVec

	// Balance ledger metrics
	BalanceCreditsEUR *prometheus.CounterVec
	BalanceDebitsEUR  *prometheus.CounterVec

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Scheduler metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Inbound webhook metrics
	UpdatesTotal *prometheus.CounterVec

	// Messenger delivery metrics
	MessagesSentTotal   *prometheus.CounterVec
	MessageRetriesTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Payment metrics
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_payments_total",
				Help: "Total number of payment attempts opened",
			},
			[]string{"kind", "method"},
		),
		PaymentsSettledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_payments_settled_total",
				Help: "Total number of settled payments by classification outcome",
			},
			[]string{"kind", "outcome"},
		),
		PaymentAmountEUR: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_payment_amount_eur_total",
				Help: "Total settled payment volume in EUR",
			},
			[]string{"kind"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solvend_settlement_duration_seconds",
				Help:    "Time from wallet mint to payment classification",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"outcome"},
		),

		// Finalization metrics
		FinalizeAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_finalize_attempts_total",
				Help: "Total number of purchase finalization attempts",
			},
			[]string{"outcome"},
		),
		FinalizeRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_finalize_retries_total",
				Help: "Total number of finalization retries by attempt number",
			},
			[]string{"attempt"},
		),

		// Wallet lifecycle metrics
		WalletScansTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "solvend_wallet_scans_total",
				Help: "Total number of scan passes over pending wallets",
			},
		),
		WalletScanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "solvend_wallet_scan_duration_seconds",
				Help:    "Duration of a full scan pass over pending wallets",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		WalletTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_wallet_transitions_total",
				Help: "Total number of wallet status transitions",
			},
			[]string{"status"},
		),
		SweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_sweeps_total",
				Help: "Total number of sweep attempts by result",
			},
			[]string{"result"},
		),
		SweepLamportsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "solvend_sweep_lamports_total",
				Help: "Total lamports moved to the treasury by sweeps",
			},
		),
		RecoveryRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "solvend_recovery_runs_total",
				Help: "Total number of stuck-funds recovery passes",
			},
		),
		RecoveryLamportsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "solvend_recovery_lamports_total",
				Help: "Total lamports recovered from stuck wallets",
			},
		),

		// Price oracle metrics
		QuoteRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_quote_requests_total",
				Help: "Total number of EUR/SOL quote requests by serving layer",
			},
			[]string{"layer"},
		),
		QuoteRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_quote_refresh_total",
				Help: "Total number of oracle refresh attempts",
			},
			[]string{"outcome"},
		),
		QuoteEURPerSOL: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "solvend_quote_eur_per_sol",
				Help: "Most recent EUR per SOL quote",
			},
		),
		UpstreamQuotesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_upstream_quotes_total",
				Help: "Total number of upstream price source requests",
			},
			[]string{"source", "outcome"},
		),

		// Balance ledger metrics
		BalanceCreditsEUR: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_balance_credits_eur_total",
				Help: "Total EUR credited to user balances",
			},
			[]string{"reason"},
		),
		BalanceDebitsEUR: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_balance_debits_eur_total",
				Help: "Total EUR debited from user balances",
			},
			[]string{"reason"},
		),

		// RPC call metrics
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_rpc_calls_total",
				Help: "Total number of Solana RPC calls",
			},
			[]string{"method"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solvend_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_rpc_errors_total",
				Help: "Total number of Solana RPC errors by type",
			},
			[]string{"method", "error_type"},
		),

		// Scheduler metrics
		JobRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_job_runs_total",
				Help: "Total number of scheduler job runs",
			},
			[]string{"job", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solvend_job_duration_seconds",
				Help:    "Duration of scheduler job runs",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"job"},
		),

		// Inbound webhook metrics
		UpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_webhook_updates_total",
				Help: "Total number of inbound webhook updates by handling status",
			},
			[]string{"status"},
		),

		// Messenger delivery metrics
		MessagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_messages_sent_total",
				Help: "Total number of outbound messenger sends",
			},
			[]string{"kind", "outcome"},
		),
		MessageRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_message_retries_total",
				Help: "Total number of messenger send retries by attempt number",
			},
			[]string{"attempt"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solvend_rate_limit_hits_total",
				Help: "Total number of rate limit rejections",
			},
			[]string{"limit_type"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solvend_db_query_duration_seconds",
				Help:    "Duration of storage operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "solvend_db_connections_active",
				Help: "Number of active database connections",
			},
			[]string{"backend"},
		),
	}
}

// ObservePayment records a newly opened payment attempt.
func (m *Metrics) ObservePayment(kind, method string) {
	m.PaymentsTotal.WithLabelValues(kind, method).Inc()
}

// ObserveSettlement records a classified payment. Outcome is one of paid,
// refunded, or expired; amountEUR is the EUR volume that settled (zero for
// expired) and elapsed is the time from wallet mint to classification.
func (m *Metrics) ObserveSettlement(kind, outcome string, amountEUR float64, elapsed time.Duration) {
	m.PaymentsSettledTotal.WithLabelValues(kind, outcome).Inc()
	if amountEUR > 0 {
		m.PaymentAmountEUR.WithLabelValues(kind).Add(amountEUR)
	}
	m.SettlementDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveFinalize records a finalization attempt. Attempts beyond the first
// also count as retries.
func (m *Metrics) ObserveFinalize(outcome string, attempt int) {
	m.FinalizeAttemptsTotal.WithLabelValues(outcome).Inc()
	if attempt > 1 {
		m.FinalizeRetriesTotal.WithLabelValues(formatAttempt(attempt)).Inc()
	}
}

// ObserveWalletScan records a completed scan pass over pending wallets.
func (m *Metrics) ObserveWalletScan(elapsed time.Duration) {
	m.WalletScansTotal.Inc()
	m.WalletScanDuration.Observe(elapsed.Seconds())
}

// ObserveWalletTransition records a wallet moving to a new status.
func (m *Metrics) ObserveWalletTransition(status string) {
	m.WalletTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveSweep records a sweep attempt. Result is one of success,
// skipped_dust, corrupt_key, or failed. lamports is the amount moved,
// zero unless the sweep succeeded.
func (m *Metrics) ObserveSweep(result string, lamports uint64) {
	m.SweepsTotal.WithLabelValues(result).Inc()
	if lamports > 0 {
		m.SweepLamportsTotal.Add(float64(lamports))
	}
}

// ObserveRecovery records a stuck-funds recovery pass.
func (m *Metrics) ObserveRecovery(lamports uint64) {
	m.RecoveryRunsTotal.Inc()
	if lamports > 0 {
		m.RecoveryLamportsTotal.Add(float64(lamports))
	}
}

// ObserveQuote records a quote request served by the given cache layer
// (memory, persist, upstream, stale).
func (m *Metrics) ObserveQuote(layer string) {
	m.QuoteRequestsTotal.WithLabelValues(layer).Inc()
}

// ObserveQuoteRefresh records an oracle refresh attempt and, on success,
// updates the current rate gauge.
func (m *Metrics) ObserveQuoteRefresh(outcome string, eurPerSOL float64) {
	m.QuoteRefreshTotal.WithLabelValues(outcome).Inc()
	if eurPerSOL > 0 {
		m.QuoteEURPerSOL.Set(eurPerSOL)
	}
}

// ObserveUpstreamQuote records a request to an upstream price source.
func (m *Metrics) ObserveUpstreamQuote(source string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.UpstreamQuotesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveBalanceCredit records EUR credited to a user balance.
func (m *Metrics) ObserveBalanceCredit(reason string, amountEUR float64) {
	m.BalanceCreditsEUR.WithLabelValues(reason).Add(amountEUR)
}

// ObserveBalanceDebit records EUR debited from a user balance.
func (m *Metrics) ObserveBalanceDebit(reason string, amountEUR float64) {
	m.BalanceDebitsEUR.WithLabelValues(reason).Add(amountEUR)
}

// ObserveRPCCall records an RPC call with duration and error classification.
func (m *Metrics) ObserveRPCCall(method string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method).Inc()
	m.RPCCallDuration.WithLabelValues(method).Observe(duration.Seconds())

	if err != nil {
		errorType := classifyRPCError(err)
		m.RPCErrorsTotal.WithLabelValues(method, errorType).Inc()
	}
}

// ObserveJobRun records a scheduler job run.
func (m *Metrics) ObserveJobRun(job string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveJobSkip records a scheduler tick dropped because the previous run
// was still executing.
func (m *Metrics) ObserveJobSkip(job string) {
	m.JobRunsTotal.WithLabelValues(job, "skipped").Inc()
}

// ObserveUpdate records an inbound webhook update by handling status
// (accepted, rejected, dropped).
func (m *Metrics) ObserveUpdate(status string) {
	m.UpdatesTotal.WithLabelValues(status).Inc()
}

// ObserveMessageSend records an outbound messenger send. Attempts beyond
// the first also count as retries.
func (m *Metrics) ObserveMessageSend(kind string, attempt int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.MessagesSentTotal.WithLabelValues(kind, outcome).Inc()
	if attempt > 1 {
		m.MessageRetriesTotal.WithLabelValues(formatAttempt(attempt)).Inc()
	}
}

// ObserveRateLimit records a rate limit rejection.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a storage operation duration.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// SetDBConnections updates the active connection gauge for a backend.
func (m *Metrics) SetDBConnections(backend string, count float64) {
	m.DBConnectionsActive.WithLabelValues(backend).Set(count)
}

// classifyRPCError maps an RPC error to a coarse type label.
func classifyRPCError(err error) string {
	if err == nil {
		return "none"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "refused"):
		return "connection"
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate") || strings.Contains(errStr, "too many requests"):
		return "rate_limited"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	default:
		return "other"
	}
}

func formatAttempt(attempt int) string {
	return strconv.Itoa(attempt)
}
