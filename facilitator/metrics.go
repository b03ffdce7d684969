package facilitator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	x402 "github.com/x402-foundation/paygate"
)

// Metrics counts settlement outcomes
type Metrics struct {
	settlements *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	gasUsed     *prometheus.CounterVec
}

// NewMetrics registers settlement collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_settlements_total",
			Help: "Settlements by facilitator, mode and outcome",
		}, []string{"facilitator", "mode", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_settlement_duration_seconds",
			Help:    "Time from request to confirmed or failed settlement",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"facilitator", "mode"}),
		gasUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_settlement_gas_used_total",
			Help: "Gas units consumed by confirmed settlements",
		}, []string{"facilitator"}),
	}
}

// Hooks returns settle hooks feeding the collectors. Failures are labelled
// with their error code, so pending settlements show as confirmation_timeout.
func (m *Metrics) Hooks() x402.SettleHooks {
	return x402.SettleHooks{
		After: []x402.AfterSettleHook{
			func(ctx x402.SettleResultContext) error {
				name, mode := ctx.Facilitator.Name, string(ctx.Request.Mode())
				m.settlements.WithLabelValues(name, mode, "success").Inc()
				m.duration.WithLabelValues(name, mode).Observe(ctx.Duration.Seconds())
				m.gasUsed.WithLabelValues(name).Add(float64(ctx.Receipt.GasUsed))
				return nil
			},
		},
		OnFailure: []x402.OnSettleFailureHook{
			func(ctx x402.SettleFailureContext) error {
				name, mode := ctx.Facilitator.Name, string(ctx.Request.Mode())
				outcome := "error"
				if se := x402.AsSettlementError(ctx.Error); se != nil {
					outcome = se.Code
				}
				m.settlements.WithLabelValues(name, mode, outcome).Inc()
				m.duration.WithLabelValues(name, mode).Observe(ctx.Duration.Seconds())
				return nil
			},
		},
	}
}
