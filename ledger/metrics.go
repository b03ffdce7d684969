package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	x402 "github.com/x402-foundation/paygate"
)

// Metrics are the ledger's Prometheus collectors
type Metrics struct {
	appends    *prometheus.CounterVec
	failures   *prometheus.CounterVec
	netValue   *prometheus.CounterVec
	feeValue   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
}

// NewMetrics registers ledger collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		appends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_ledger_appends_total",
			Help: "Ledger appends by facilitator and outcome (inserted or duplicate)",
		}, []string{"facilitator", "outcome"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_ledger_failures_total",
			Help: "Settlement failures recorded per facilitator",
		}, []string{"facilitator"}),
		netValue: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_ledger_net_value_units_total",
			Help: "Net token units settled per facilitator",
		}, []string{"facilitator"}),
		feeValue: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_ledger_fee_units_total",
			Help: "Fee token units withheld per facilitator",
		}, []string{"facilitator"}),
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// Instrumented decorates a SettlementLedger with metrics
type Instrumented struct {
	x402.SettlementLedger
	metrics *Metrics
}

var _ x402.SettlementLedger = (*Instrumented)(nil)

// Instrument wraps inner so every write is counted
func Instrument(inner x402.SettlementLedger, metrics *Metrics) *Instrumented {
	return &Instrumented{SettlementLedger: inner, metrics: metrics}
}

// Append forwards to the wrapped ledger and counts the outcome
func (i *Instrumented) Append(ctx context.Context, record x402.SettlementRecord) (bool, error) {
	timer := prometheus.NewTimer(i.metrics.opDuration.WithLabelValues("append"))
	defer timer.ObserveDuration()

	inserted, err := i.SettlementLedger.Append(ctx, record)
	if err != nil {
		return inserted, err
	}
	if !inserted {
		i.metrics.appends.WithLabelValues(record.Facilitator, "duplicate").Inc()
		return false, nil
	}
	i.metrics.appends.WithLabelValues(record.Facilitator, "inserted").Inc()
	i.metrics.netValue.WithLabelValues(record.Facilitator).Add(units(record.NetAmount))
	i.metrics.feeValue.WithLabelValues(record.Facilitator).Add(units(record.Fee()))
	return true, nil
}

// RecordFailure forwards to the wrapped ledger and counts the failure
func (i *Instrumented) RecordFailure(ctx context.Context, facilitator string) error {
	if err := i.SettlementLedger.RecordFailure(ctx, facilitator); err != nil {
		return err
	}
	i.metrics.failures.WithLabelValues(facilitator).Inc()
	return nil
}

// GetByHash forwards to the wrapped ledger and times the lookup
func (i *Instrumented) GetByHash(ctx context.Context, txHash string) (x402.SettlementRecord, bool, error) {
	start := time.Now()
	defer func() {
		i.metrics.opDuration.WithLabelValues("get_by_hash").Observe(time.Since(start).Seconds())
	}()
	return i.SettlementLedger.GetByHash(ctx, txHash)
}

// units converts token units to a float counter increment
func units(v *big.Int) float64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
