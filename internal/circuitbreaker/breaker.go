// Package circuitbreaker guards a distribution run against abnormal market
// data. A cycle's parameters are compared with the last parameters a run was
// accepted against; an implausible jump trips the breaker and the run stops
// before anything is computed or paid.
package circuitbreaker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed State = iota // Normal operation
	StateOpen                // Tripped, the run must not proceed
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Maximum relative move of either price since the baseline (0.5 for 50%)
	MaxPriceChange float64 `json:"max_price_change"`

	// Maximum plausible base yield, in percent
	MaxYieldPct float64 `json:"max_yield_pct"`

	// Maximum relative move of the locked principal since the baseline
	MaxPrincipalChange float64 `json:"max_principal_change"`
}

// CircuitBreaker checks market parameters against a baseline.
type CircuitBreaker struct {
	thresholds Thresholds

	mu       sync.RWMutex
	state    State
	lastTrip time.Time
	reason   string
	baseline *model.MarketParameters

	onTripCallback func(reason string, params model.MarketParameters)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds: t,
		state:      StateClosed,
	}
}

// WithBaseline sets the last accepted parameters to compare against
func (cb *CircuitBreaker) WithBaseline(params model.MarketParameters) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	p := params
	cb.baseline = &p
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, params model.MarketParameters)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Check evaluates the parameters against the thresholds. A tripped breaker
// stays open until Reset. Errors wrap model.ErrMarketAnomaly.
func (cb *CircuitBreaker) Check(params model.MarketParameters) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		return fmt.Errorf("%w: breaker open since %s: %s", model.ErrMarketAnomaly, cb.lastTrip.Format(time.RFC3339), cb.reason)
	}

	if cb.thresholds.MaxYieldPct > 0 && params.BaseYieldRatePct > cb.thresholds.MaxYieldPct {
		return cb.trip(fmt.Sprintf("base yield exceeds maximum threshold: %.4f%% > %.4f%%",
			params.BaseYieldRatePct, cb.thresholds.MaxYieldPct), params)
	}

	if cb.baseline == nil {
		logrus.Debug("Circuit breaker has no baseline, only absolute checks applied")
		return nil
	}

	changes := []struct {
		name      string
		prev, cur float64
		max       float64
	}{
		{"reward token price", cb.baseline.RewardTokenPrice, params.RewardTokenPrice, cb.thresholds.MaxPriceChange},
		{"base asset price", cb.baseline.BaseAssetPrice, params.BaseAssetPrice, cb.thresholds.MaxPriceChange},
		{"locked principal", cb.baseline.LockedPrincipal, params.LockedPrincipal, cb.thresholds.MaxPrincipalChange},
	}
	for _, c := range changes {
		// Skip tiny baselines to avoid division noise.
		if c.max <= 0 || c.prev <= 1e-12 {
			continue
		}
		if ratio := relativeChange(c.prev, c.cur); ratio > c.max {
			return cb.trip(fmt.Sprintf("%s change too drastic: %.2f%% (threshold: %.2f%%)",
				c.name, ratio*100, c.max*100), params)
		}
	}

	logrus.Debug("Circuit breaker checks passed")
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.reason = ""
	logrus.Info("Circuit breaker manually reset to closed state")
}

// trip opens the breaker; called with mu held
func (cb *CircuitBreaker) trip(reason string, params model.MarketParameters) error {
	cb.state = StateOpen
	cb.lastTrip = time.Now()
	cb.reason = reason
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		cb.onTripCallback(reason, params)
	}
	return fmt.Errorf("%w: %s", model.ErrMarketAnomaly, reason)
}

func relativeChange(prev, cur float64) float64 {
	return math.Abs(cur-prev) / prev
}
