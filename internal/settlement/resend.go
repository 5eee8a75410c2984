package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/units"
)

// ResendOptions selects which records of a run a resend pass covers.
type ResendOptions struct {
	// Mode must repeat the transfer mode the run was executed with
	Mode model.TransferMode

	// Addresses limits the pass to these recipients. Records with a
	// verification finding, and records whose submission outcome is unknown,
	// are only resent when their recipient is listed.
	Addresses []model.Address

	// IncludePending also resends records that were never attempted, as left
	// behind by an interrupted run
	IncludePending bool
}

// Resend resubmits the failed records of date with fresh sequence numbers.
// The run status is recomputed afterwards and the idempotency marker is
// written once nothing is left pending.
func (b *Batcher) Resend(ctx context.Context, date string, opts ResendOptions) (model.RunSummary, error) {
	log := logrus.WithField("run_date", date)

	run, err := b.store.GetRun(date)
	if err != nil {
		return model.RunSummary{}, err
	}
	mode, err := model.ParseTransferMode(string(opts.Mode))
	if err != nil {
		return model.RunSummary{}, err
	}
	if mode != run.Mode {
		return model.RunSummary{}, fmt.Errorf("%w: run %s was executed in %s mode, resend asked for %s", model.ErrModeMismatch, date, run.Mode, mode)
	}

	records, err := b.store.Records(date)
	if err != nil {
		return model.RunSummary{}, err
	}

	selected := selectForResend(records, opts)
	if len(selected) == 0 {
		log.Info("Nothing to resend")
		return model.Summarize(run, records), nil
	}

	need := new(uint256.Int)
	for _, i := range selected {
		u, err := units.DecodeHex(records[i].AmountHex)
		if err != nil {
			return model.RunSummary{}, fmt.Errorf("record %d: %w", records[i].Index, err)
		}
		need.Add(need, u)
	}
	if err := b.checkBalance(ctx, need); err != nil {
		return model.RunSummary{}, err
	}

	start, err := b.ledger.Sequence(ctx, b.sender)
	if err != nil {
		return model.RunSummary{}, fmt.Errorf("failed to read starting sequence: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":          run.ID,
		"transfers":       len(selected),
		"start_sequence":  start,
		"include_pending": opts.IncludePending,
	}).Info("Resending transfers")

	batch := make([]model.SettlementRecord, len(selected))
	for j, i := range selected {
		batch[j] = records[i]
	}
	attempted, submitErr := b.submitAll(ctx, batch, func(j int) uint64 { return start + uint64(j) })
	for j, i := range selected {
		records[i] = batch[j]
	}
	if attempted > 0 {
		run.NextSequence = start + uint64(attempted)
	}

	if submitErr != nil {
		run.Interrupted = true
		if err := b.store.PutRun(run); err != nil {
			log.WithError(err).Error("Failed to persist interrupted run")
		}
		return model.Summarize(run, records), submitErr
	}
	return b.finish(run, records)
}

// selectForResend returns the indexes of the records a pass should resubmit.
func selectForResend(records []model.SettlementRecord, opts ResendOptions) []int {
	explicit := make(map[model.Address]bool, len(opts.Addresses))
	for _, a := range opts.Addresses {
		explicit[a] = true
	}

	var out []int
	for i, r := range records {
		if len(explicit) > 0 && !explicit[r.Recipient] {
			continue
		}
		switch r.Outcome {
		case model.OutcomeFailed:
			if r.Mismatched() && !explicit[r.Recipient] {
				continue
			}
		case model.OutcomePending:
			if !opts.IncludePending {
				continue
			}
		case model.OutcomeUnknown:
			if !explicit[r.Recipient] {
				continue
			}
		default:
			continue
		}
		out = append(out, i)
	}
	return out
}

// IsRetryable reports whether err leaves a run that Resend can pick up.
func IsRetryable(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrRunIncomplete)
}
