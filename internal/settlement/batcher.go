package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/stake-reward-distributor/internal/ledger"
	"github.com/yourorg/stake-reward-distributor/internal/metrics"
	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/store"
	"github.com/yourorg/stake-reward-distributor/internal/units"
)

// Options controls pacing.
type Options struct {
	// BatchSize is the number of transfers between batch pauses
	BatchSize int

	// SubmitDelay is the minimum spacing between two submissions
	SubmitDelay time.Duration

	// BatchPause is the extra wait after every BatchSize transfers
	BatchPause time.Duration
}

// Batcher submits a plan's transfers strictly in sequence order for one sender.
type Batcher struct {
	ledger  ledger.Ledger
	store   *store.Store
	sender  model.Address
	asset   model.Address
	opts    Options
	metrics *metrics.Metrics
}

// NewBatcher creates a batcher paying asset from sender.
func NewBatcher(l ledger.Ledger, s *store.Store, sender, asset model.Address, opts Options) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Batcher{
		ledger: l,
		store:  s,
		sender: sender,
		asset:  asset,
		opts:   opts,
	}
}

// WithMetrics attaches a metrics registry and returns the batcher
func (b *Batcher) WithMetrics(m *metrics.Metrics) *Batcher {
	b.metrics = m
	return b
}

// Execute runs plan for its date.
//
// A date with an idempotency marker is refused with model.ErrAlreadyExecuted,
// and a date with an unfinished run with model.ErrRunIncomplete; force
// archives the previous attempt and starts over. The sender's balance must
// cover the whole plan before the first transfer. One failed transfer never
// stops the run, and its sequence number is not reused. Cancelling ctx stops
// between transfers and leaves the run resumable through Resend. A transfer
// whose broadcast outcome is unknown is recorded as model.OutcomeUnknown and
// is never resent without the operator naming its recipient.
func (b *Batcher) Execute(ctx context.Context, plan Plan, force bool) (model.RunSummary, error) {
	date := plan.RunDate
	log := logrus.WithField("run_date", date)

	if _, err := model.ParseTransferMode(string(plan.Mode)); err != nil {
		return model.RunSummary{}, err
	}

	marker, done, err := b.store.Done(date)
	if err != nil {
		return model.RunSummary{}, fmt.Errorf("failed to read idempotency marker: %w", err)
	}
	prev, err := b.store.GetRun(date)
	hasRun := err == nil
	if err != nil && !errors.Is(err, model.ErrRunNotFound) {
		return model.RunSummary{}, fmt.Errorf("failed to read run: %w", err)
	}

	switch {
	case done && !force:
		return model.RunSummary{}, fmt.Errorf("%w: %s (run %s, %s)", model.ErrAlreadyExecuted, date, marker.RunID, marker.Status)
	case hasRun && !force:
		return model.RunSummary{}, fmt.Errorf("%w: %s (run %s, %s)", model.ErrRunIncomplete, date, prev.ID, prev.Status)
	case hasRun || done:
		id := prev.ID
		if id == "" {
			id = marker.RunID
		}
		log.WithField("previous_run", id).Warn("Force flag set, archiving previous run and executing again")
		if _, err := b.store.ArchiveRun(date, id); err != nil {
			return model.RunSummary{}, err
		}
	}

	if err := b.checkBalance(ctx, plan.Total); err != nil {
		return model.RunSummary{}, err
	}

	start, err := b.ledger.Sequence(ctx, b.sender)
	if err != nil {
		return model.RunSummary{}, fmt.Errorf("failed to read starting sequence: %w", err)
	}

	run := model.Run{
		ID:            uuid.NewString(),
		RunDate:       date,
		Status:        model.RunInProgress,
		Mode:          plan.Mode,
		Sender:        b.sender,
		Asset:         b.asset,
		StartSequence: start,
		NextSequence:  start,
		Forced:        force && (hasRun || done),
		StartedAt:     time.Now().UTC(),
	}
	records := plan.Records(start)
	if err := b.store.PutRun(run); err != nil {
		return model.RunSummary{}, fmt.Errorf("failed to persist run: %w", err)
	}
	if plan.Table != nil {
		if err := b.store.PutTable(*plan.Table); err != nil {
			return model.RunSummary{}, fmt.Errorf("failed to persist payout table: %w", err)
		}
	}
	if err := b.store.PutRecords(records); err != nil {
		return model.RunSummary{}, fmt.Errorf("failed to persist records: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":         run.ID,
		"transfers":      len(records),
		"start_sequence": start,
		"mode":           plan.Mode,
		"total":          units.FromUnits(plan.Total, plan.Decimals).String(),
	}).Info("Starting distribution run")

	_, submitErr := b.submitAll(ctx, records, func(i int) uint64 { return records[i].Sequence })
	if len(records) > 0 {
		run.NextSequence = records[len(records)-1].Sequence + 1
	}

	if submitErr != nil {
		run.Interrupted = true
		if err := b.store.PutRun(run); err != nil {
			log.WithError(err).Error("Failed to persist interrupted run")
		}
		log.WithError(submitErr).Warn("Run interrupted; unsent transfers stay pending for resend")
		return model.Summarize(run, records), submitErr
	}

	return b.finish(run, records)
}

// submitAll submits records in order and returns how many were attempted.
// It returns an error only on cancellation; per transfer failures are
// recorded on the record.
func (b *Batcher) submitAll(ctx context.Context, records []model.SettlementRecord, seq func(i int) uint64) (int, error) {
	limit := rate.Inf
	if b.opts.SubmitDelay > 0 {
		limit = rate.Every(b.opts.SubmitDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for i := range records {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if i > 0 && i%b.opts.BatchSize == 0 && b.opts.BatchPause > 0 {
			logrus.WithFields(logrus.Fields{
				"submitted": i,
				"pause":     b.opts.BatchPause,
			}).Info("Batch complete, pausing")
			if err := sleep(ctx, b.opts.BatchPause); err != nil {
				return i, err
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return i, err
		}

		b.submitOne(ctx, &records[i], seq(i))
	}
	return len(records), nil
}

func (b *Batcher) submitOne(ctx context.Context, rec *model.SettlementRecord, sequence uint64) {
	log := logrus.WithFields(logrus.Fields{
		"run_date":  rec.RunDate,
		"index":     rec.Index,
		"recipient": rec.Recipient.String(),
		"pool":      rec.PoolKind,
		"sequence":  sequence,
		"amount":    rec.Amount.String(),
	})

	rec.Sequence = sequence
	rec.Attempts++
	rec.AttemptID = uuid.NewString()
	rec.SubmittedAt = time.Now().UTC()
	rec.Error = ""
	rec.Finding = ""
	rec.ReferenceID = ""

	ref, err := b.submit(ctx, *rec)
	switch {
	case err == nil:
		rec.Outcome = model.OutcomeSubmitted
		rec.ReferenceID = ref
		log.WithField("reference_id", ref).Info("Transfer submitted")
	case errors.Is(err, model.ErrSubmissionRejected) || errors.Is(err, model.ErrEncodingInvalid):
		rec.Outcome = model.OutcomeFailed
		rec.Error = err.Error()
		log.WithError(err).Warn("Transfer failed, continuing with next")
	default:
		// The transfer may be on the ledger already.
		rec.Outcome = model.OutcomeUnknown
		rec.ReferenceID = ref
		rec.Error = err.Error()
		log.WithError(err).WithField("reference_id", ref).Error("Transfer outcome unknown; verify before resending")
	}
	b.metrics.ObserveTransfer(rec.PoolKind, rec.Outcome)

	if err := b.store.PutRecord(*rec); err != nil {
		log.WithError(err).Error("Failed to persist settlement record")
	}
}

func (b *Batcher) submit(ctx context.Context, rec model.SettlementRecord) (string, error) {
	amount, err := units.DecodeHex(rec.AmountHex)
	if err != nil {
		return "", err
	}
	return b.ledger.Submit(ctx, ledger.Transfer{
		Sender:    b.sender,
		Recipient: rec.Recipient,
		Asset:     b.asset,
		Amount:    amount,
		AmountHex: rec.AmountHex,
		Sequence:  rec.Sequence,
	})
}

func (b *Batcher) checkBalance(ctx context.Context, need *uint256.Int) error {
	have, err := b.ledger.Balance(ctx, b.sender, b.asset)
	if err != nil {
		return fmt.Errorf("failed to read sender balance: %w", err)
	}
	if have.Lt(need) {
		return fmt.Errorf("%w: have %s, need %s smallest units", model.ErrInsufficientBalance, have.Dec(), need.Dec())
	}
	return nil
}

// finish settles the run status and writes the idempotency marker once
// every record has been attempted.
func (b *Batcher) finish(run model.Run, records []model.SettlementRecord) (model.RunSummary, error) {
	run.Status = model.RunCompleted
	for _, r := range records {
		switch r.Outcome {
		case model.OutcomePending:
			run.Status = model.RunInProgress
		case model.OutcomeFailed, model.OutcomeUnknown:
			if run.Status == model.RunCompleted {
				run.Status = model.RunPartiallyFailed
			}
		}
	}
	run.Interrupted = run.Status == model.RunInProgress
	if !run.Interrupted {
		run.FinishedAt = time.Now().UTC()
	}

	if err := b.store.PutRun(run); err != nil {
		return model.RunSummary{}, fmt.Errorf("failed to persist run: %w", err)
	}
	if !run.Interrupted {
		if err := b.store.MarkDone(run.RunDate, store.DoneMarker{RunID: run.ID, Status: run.Status, CompletedAt: run.FinishedAt}); err != nil {
			return model.RunSummary{}, fmt.Errorf("failed to write idempotency marker: %w", err)
		}
	}

	summary := model.Summarize(run, records)
	logrus.WithFields(logrus.Fields{
		"run_date":  run.RunDate,
		"run_id":    run.ID,
		"status":    run.Status,
		"submitted": summary.Submitted,
		"failed":    summary.Failed,
		"unknown":   summary.Unknown,
		"pending":   summary.Pending,
	}).Info("Distribution run finished")
	return summary, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
