// Package pipeline runs one distribution cycle end to end: resolve the
// market, guard against anomalies, snapshot and clean the stakes, allocate,
// then hand the payout table to settlement.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/allocation"
	"github.com/yourorg/stake-reward-distributor/internal/circuitbreaker"
	"github.com/yourorg/stake-reward-distributor/internal/fetch"
	"github.com/yourorg/stake-reward-distributor/internal/metrics"
	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/otel"
	"github.com/yourorg/stake-reward-distributor/internal/settlement"
	"github.com/yourorg/stake-reward-distributor/internal/store"
	"github.com/yourorg/stake-reward-distributor/internal/validation"
)

// Pipeline holds the collaborators of a cycle.
type Pipeline struct {
	Market fetch.Fetcher[model.MarketParameters]
	Stakes fetch.Fetcher[[]model.ParticipantStake]
	Engine *allocation.Engine
	Store  *store.Store

	// Guard is optional; nil skips the anomaly check
	Guard *circuitbreaker.CircuitBreaker

	Validation validation.ValidationOptions
	Metrics    *metrics.Metrics
}

// Compute builds the payout table for date without touching the ledger.
// A tripped anomaly guard aborts unless force is set.
func (p *Pipeline) Compute(ctx context.Context, date string, force bool) (model.PayoutTable, error) {
	var params model.MarketParameters
	err := p.stage(ctx, "market", date, func(ctx context.Context) error {
		var err error
		params, err = p.Market.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve market parameters: %w", err)
		}
		p.Metrics.ObserveMarket(params)
		return nil
	})
	if err != nil {
		return model.PayoutTable{}, err
	}

	if err := p.stage(ctx, "guard", date, func(context.Context) error {
		return p.guard(params, force)
	}); err != nil {
		return model.PayoutTable{}, err
	}

	var stakes []model.ParticipantStake
	err = p.stage(ctx, "stakes", date, func(ctx context.Context) error {
		raw, err := p.Stakes.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve stake snapshot: %w", err)
		}
		stakes, err = validation.FilterInvalid(raw, p.Validation)
		return err
	})
	if err != nil {
		return model.PayoutTable{}, err
	}

	var table model.PayoutTable
	err = p.stage(ctx, "allocate", date, func(context.Context) error {
		targets, err := allocation.TargetPools(params, p.Engine.Policy())
		if err != nil {
			return err
		}
		table, err = p.Engine.Allocate(date, params, stakes, targets)
		return err
	})
	if err != nil {
		return model.PayoutTable{}, err
	}

	p.Metrics.ObserveTable(table)
	return table, nil
}

// Execute computes the table for date and settles it with b. Without force,
// an executed or unfinished date is refused before anything is fetched. The
// market parameters become the guard's next baseline once the run has started.
func (p *Pipeline) Execute(ctx context.Context, date string, mode model.TransferMode, force bool, b *settlement.Batcher) (model.PayoutTable, model.RunSummary, error) {
	if _, err := model.ParseTransferMode(string(mode)); err != nil {
		return model.PayoutTable{}, model.RunSummary{}, err
	}
	if !force {
		marker, done, err := p.Store.Done(date)
		if err != nil {
			return model.PayoutTable{}, model.RunSummary{}, err
		}
		if done {
			return model.PayoutTable{}, model.RunSummary{}, fmt.Errorf("%w: %s (run %s, %s)", model.ErrAlreadyExecuted, date, marker.RunID, marker.Status)
		}
		run, err := p.Store.GetRun(date)
		if err == nil {
			return model.PayoutTable{}, model.RunSummary{}, fmt.Errorf("%w: %s (run %s, %s)", model.ErrRunIncomplete, date, run.ID, run.Status)
		}
		if !errors.Is(err, model.ErrRunNotFound) {
			return model.PayoutTable{}, model.RunSummary{}, err
		}
	}

	table, err := p.Compute(ctx, date, force)
	if err != nil {
		return model.PayoutTable{}, model.RunSummary{}, err
	}

	plan, err := settlement.BuildPlan(table, mode)
	if err != nil {
		return table, model.RunSummary{}, err
	}

	var summary model.RunSummary
	err = p.stage(ctx, "settle", date, func(ctx context.Context) error {
		var err error
		summary, err = b.Execute(ctx, plan, force)
		return err
	})
	// A refused run settled nothing against these parameters.
	if err == nil || (settlement.IsRetryable(err) && !errors.Is(err, model.ErrRunIncomplete)) {
		if perr := p.Store.PutLastMarket(table.Market); perr != nil {
			logrus.WithError(perr).Error("Failed to persist market baseline")
		}
	}
	return table, summary, err
}

func (p *Pipeline) guard(params model.MarketParameters, force bool) error {
	if p.Guard == nil {
		return nil
	}
	last, ok, err := p.Store.LastMarket()
	if err != nil {
		return fmt.Errorf("failed to read market baseline: %w", err)
	}
	if ok {
		p.Guard.WithBaseline(last)
	}

	err = p.Guard.Check(params)
	if err != nil && force && errors.Is(err, model.ErrMarketAnomaly) {
		logrus.WithError(err).Warn("Force flag set, continuing despite market anomaly")
		p.Guard.Reset()
		return nil
	}
	return err
}

// stage runs fn inside a span and records its duration.
func (p *Pipeline) stage(ctx context.Context, name, date string, fn func(ctx context.Context) error) error {
	ctx, span := otel.StartStage(ctx, name, date)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.Metrics.ObserveStage(name, time.Since(start))
	otel.RecordError(ctx, err)

	logrus.WithFields(logrus.Fields{
		"run_date": date,
		"stage":    name,
		"duration": time.Since(start).String(),
	}).Debug("Stage finished")
	return err
}
