package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// PriceSource reads USD prices from an endpoint answering
// {"<symbol>": {"usd": <price>}}.
type PriceSource struct {
	url    string
	client *http.Client
}

// NewPriceSource creates a price source for baseURL.
func NewPriceSource(baseURL string, client *http.Client) *PriceSource {
	return &PriceSource{url: baseURL, client: client}
}

// Price returns the USD price of symbol.
func (s *PriceSource) Price(ctx context.Context, symbol string) (float64, error) {
	var response map[string]struct {
		USD *float64 `json:"usd"`
	}
	query := url.Values{"ids": {symbol}, "vs_currencies": {"usd"}}
	if err := getJSON(ctx, s.client, s.url, query, &response); err != nil {
		return 0, err
	}
	entry, ok := response[strings.ToLower(symbol)]
	if !ok {
		entry, ok = response[symbol]
	}
	if !ok || entry.USD == nil {
		return 0, fmt.Errorf("no usd price for %q", symbol)
	}
	if *entry.USD <= 0 {
		return 0, fmt.Errorf("non-positive usd price %v for %q", *entry.USD, symbol)
	}
	return *entry.USD, nil
}

// For binds a symbol so the source can take part in a failover.
func (s *PriceSource) For(symbol string) Fetcher[float64] {
	if s == nil {
		return nil
	}
	return FetcherFunc[float64](func(ctx context.Context) (float64, error) {
		return s.Price(ctx, symbol)
	})
}

// ProtocolStats is what the staking protocol publishes about itself. Fields
// the endpoint omits stay nil.
type ProtocolStats struct {
	BaseYieldRatePct    *float64 `json:"base_yield_rate_pct"`
	LockedPrincipal     *float64 `json:"locked_principal"`
	PlatformFeeFraction *float64 `json:"platform_fee_fraction"`
}

// StatsSource reads ProtocolStats from a JSON endpoint.
type StatsSource struct {
	url    string
	client *http.Client
}

// NewStatsSource creates a protocol stats source for baseURL.
func NewStatsSource(baseURL string, client *http.Client) *StatsSource {
	return &StatsSource{url: baseURL, client: client}
}

// Fetch retrieves the protocol stats.
func (s *StatsSource) Fetch(ctx context.Context) (ProtocolStats, error) {
	var stats ProtocolStats
	if err := getJSON(ctx, s.client, s.url, nil, &stats); err != nil {
		return ProtocolStats{}, err
	}
	if stats.BaseYieldRatePct == nil && stats.LockedPrincipal == nil && stats.PlatformFeeFraction == nil {
		return ProtocolStats{}, fmt.Errorf("protocol stats response carries no known fields")
	}
	return stats, nil
}

// MarketSnapshot resolves MarketParameters from independent price and stats
// lookups, falling back to configured static values only where those are set.
type MarketSnapshot struct {
	RewardTokenSymbol string
	BaseAssetSymbol   string

	PricePrimary, PriceBackup *PriceSource
	StatsPrimary, StatsBackup Fetcher[ProtocolStats]

	// Fallback values are used when every source failed, and only if non-zero
	Fallback model.MarketParameters

	Options FailoverOptions
}

// Fetch resolves the three lookups concurrently and validates the result.
func (m *MarketSnapshot) Fetch(ctx context.Context) (model.MarketParameters, error) {
	var (
		rewardPrice, basePrice     float64
		rewardServed, baseServed   Served
		stats                      ProtocolStats
		statsServed                Served
		rewardErr, baseErr, stsErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rewardPrice, rewardServed, rewardErr = WithFailover(gctx, "price:"+m.RewardTokenSymbol,
			m.PricePrimary.For(m.RewardTokenSymbol), m.PriceBackup.For(m.RewardTokenSymbol), m.Options)
		return nil
	})
	g.Go(func() error {
		basePrice, baseServed, baseErr = WithFailover(gctx, "price:"+m.BaseAssetSymbol,
			m.PricePrimary.For(m.BaseAssetSymbol), m.PriceBackup.For(m.BaseAssetSymbol), m.Options)
		return nil
	})
	g.Go(func() error {
		stats, statsServed, stsErr = WithFailover(gctx, "protocol_stats", m.StatsPrimary, m.StatsBackup, m.Options)
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.MarketParameters{}, err
	}

	params := model.MarketParameters{
		CollectedAt: time.Now().Unix(),
		Sources:     map[string]string{},
	}

	var err error
	if params.RewardTokenPrice, err = m.resolve("reward_token_price", rewardPrice, rewardServed, rewardErr, m.Fallback.RewardTokenPrice, params.Sources); err != nil {
		return model.MarketParameters{}, err
	}
	if params.BaseAssetPrice, err = m.resolve("base_asset_price", basePrice, baseServed, baseErr, m.Fallback.BaseAssetPrice, params.Sources); err != nil {
		return model.MarketParameters{}, err
	}

	fields := []struct {
		name     string
		value    *float64
		fallback float64
		dst      *float64
	}{
		{"base_yield_rate_pct", stats.BaseYieldRatePct, m.Fallback.BaseYieldRatePct, &params.BaseYieldRatePct},
		{"locked_principal", stats.LockedPrincipal, m.Fallback.LockedPrincipal, &params.LockedPrincipal},
		{"platform_fee_fraction", stats.PlatformFeeFraction, m.Fallback.PlatformFeeFraction, &params.PlatformFeeFraction},
	}
	for _, f := range fields {
		fieldErr := stsErr
		var v float64
		if fieldErr == nil {
			if f.value == nil {
				fieldErr = fmt.Errorf("%w: %s missing from protocol stats", model.ErrDataUnavailable, f.name)
			} else {
				v = *f.value
			}
		}
		if *f.dst, err = m.resolve(f.name, v, statsServed, fieldErr, f.fallback, params.Sources); err != nil {
			return model.MarketParameters{}, err
		}
	}

	if err := params.Validate(); err != nil {
		return model.MarketParameters{}, err
	}

	logrus.WithFields(logrus.Fields{
		"reward_token_price":    params.RewardTokenPrice,
		"base_asset_price":      params.BaseAssetPrice,
		"base_yield_rate_pct":   params.BaseYieldRatePct,
		"locked_principal":      params.LockedPrincipal,
		"platform_fee_fraction": params.PlatformFeeFraction,
		"sources":               params.Sources,
	}).Info("Market parameters resolved")

	return params, nil
}

func (m *MarketSnapshot) resolve(name string, v float64, served Served, fetchErr error, fallback float64, sources map[string]string) (float64, error) {
	if fetchErr == nil {
		sources[name] = string(served)
		return v, nil
	}
	if fallback == 0 {
		return 0, fetchErr
	}
	logrus.WithFields(logrus.Fields{
		"field":    name,
		"fallback": fallback,
		"error":    fetchErr,
	}).Warn("All sources failed, using configured fallback value")
	sources[name] = string(ServedFallback)
	return fallback, nil
}
