// Package metrics holds the Prometheus metrics of a distribution run. The
// job is short-lived, so the registry is pushed to a Pushgateway on exit
// rather than scraped.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// Metrics is a dedicated registry and its collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transfers        *prometheus.CounterVec
	verifications    *prometheus.CounterVec
	poolTarget       *prometheus.GaugeVec
	poolDistributed  *prometheus.GaugeVec
	participants     *prometheus.GaugeVec
	calibrationIters prometheus.Gauge
	calibrationClamp prometheus.Gauge
	scaleFactor      prometheus.Gauge
	breakerTrips     prometheus.Counter
	sourceFallbacks  *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	lastSuccess      prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distributor_transfers_total",
				Help: "Transfers attempted, by pool and outcome",
			},
			[]string{"pool", "outcome"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distributor_verifications_total",
				Help: "Transfer verifications, by result",
			},
			[]string{"result"},
		),
		poolTarget: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "distributor_pool_target_tokens",
				Help: "Pool target of the current cycle, in reward tokens",
			},
			[]string{"pool"},
		),
		poolDistributed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "distributor_pool_allocated_tokens",
				Help: "Amount allocated from each pool after reconciliation",
			},
			[]string{"pool"},
		),
		participants: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "distributor_eligible_participants",
				Help: "Eligible participants per pool",
			},
			[]string{"pool"},
		),
		calibrationIters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "distributor_calibration_iterations",
				Help: "Bisection iterations used by the last calibration",
			},
		),
		calibrationClamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "distributor_calibration_clamped",
				Help: "1 if the last calibration clamped to a bound",
			},
		),
		scaleFactor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "distributor_bonus_scale_factor",
				Help: "Reconciliation scale factor applied to the bonus pool",
			},
		),
		breakerTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "distributor_market_guard_trips_total",
				Help: "Times the market anomaly guard tripped",
			},
		),
		sourceFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distributor_market_source_served_total",
				Help: "Market values resolved, by field and serving source",
			},
			[]string{"field", "source"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distributor_stage_duration_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"stage"},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "distributor_last_success_timestamp_seconds",
				Help: "Unix time of the last command that finished without error",
			},
		),
	}

	m.registry.MustRegister(
		m.transfers,
		m.verifications,
		m.poolTarget,
		m.poolDistributed,
		m.participants,
		m.calibrationIters,
		m.calibrationClamp,
		m.scaleFactor,
		m.breakerTrips,
		m.sourceFallbacks,
		m.stageDuration,
		m.lastSuccess,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTransfer counts one transfer attempt.
func (m *Metrics) ObserveTransfer(pool model.PoolKind, outcome model.Outcome) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(string(pool), string(outcome)).Inc()
}

// ObserveVerification counts one verification result.
func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// ObserveMarket counts which source served each market value.
func (m *Metrics) ObserveMarket(params model.MarketParameters) {
	if m == nil {
		return
	}
	for field, source := range params.Sources {
		m.sourceFallbacks.WithLabelValues(field, source).Inc()
	}
}

// ObserveTable records the allocation outcome of a cycle.
func (m *Metrics) ObserveTable(table model.PayoutTable) {
	if m == nil {
		return
	}
	bonusTarget, _ := table.BonusPoolTarget.Float64()
	propTarget, _ := table.ProportionalPoolTarget.Float64()
	bonus, _ := table.BonusTotal().Float64()
	prop, _ := table.ProportionalTotal().Float64()

	m.poolTarget.WithLabelValues(string(model.PoolBonus)).Set(bonusTarget)
	m.poolTarget.WithLabelValues(string(model.PoolProportional)).Set(propTarget)
	m.poolDistributed.WithLabelValues(string(model.PoolBonus)).Set(bonus)
	m.poolDistributed.WithLabelValues(string(model.PoolProportional)).Set(prop)

	var bonusRows, propRows int
	for _, r := range table.Rows {
		if r.BonusEligible() {
			bonusRows++
		}
		if r.ProportionalEligible() {
			propRows++
		}
	}
	m.participants.WithLabelValues(string(model.PoolBonus)).Set(float64(bonusRows))
	m.participants.WithLabelValues(string(model.PoolProportional)).Set(float64(propRows))

	m.calibrationIters.Set(float64(table.Calibration.Iterations))
	m.scaleFactor.Set(table.Calibration.ScaleFactor)
	if table.Calibration.Clamped {
		m.calibrationClamp.Set(1)
	} else {
		m.calibrationClamp.Set(0)
	}
}

// BreakerTripped counts a market guard trip.
func (m *Metrics) BreakerTripped() {
	if m == nil {
		return
	}
	m.breakerTrips.Inc()
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// MarkSuccess stamps the last-success gauge.
func (m *Metrics) MarkSuccess() {
	if m == nil {
		return
	}
	m.lastSuccess.SetToCurrentTime()
}

// Push sends the registry to a Pushgateway under job, grouped by command.
func (m *Metrics) Push(gatewayURL, job, command string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	err := push.New(gatewayURL, job).
		Gatherer(m.registry).
		Grouping("command", command).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	logrus.WithField("gateway", gatewayURL).Debug("Metrics pushed")
	return nil
}
