// Package verify resolves submitted transfers into confirmed or failed by
// inspecting the ledger's transaction log, not just its status field.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/stake-reward-distributor/internal/ledger"
	"github.com/yourorg/stake-reward-distributor/internal/metrics"
	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/store"
	"github.com/yourorg/stake-reward-distributor/internal/units"
)

// Verification results, as reported on each Check.
const (
	ResultConfirmed  = "confirmed"
	ResultReverted   = "reverted"
	ResultMismatch   = "mismatch"
	ResultUnresolved = "unresolved"
)

// Options selects how much of a run is inspected.
type Options struct {
	// Full checks every submitted record instead of a sample
	Full bool

	// SampleHead is how many leading records a sample always includes
	SampleHead int

	// Workers bounds concurrent ledger inspections
	Workers int
}

// Check is the verdict on one record.
type Check struct {
	Index       int           `json:"index"`
	Recipient   model.Address `json:"recipient"`
	ReferenceID string        `json:"reference_id"`
	Result      string        `json:"result"`
	Detail      string        `json:"detail,omitempty"`
}

// Report is what a verification pass returns.
type Report struct {
	Summary  model.RunSummary `json:"summary"`
	Checked  int              `json:"checked"`
	Findings []Check          `json:"findings"`
}

// Verifier inspects a run's transfers on the ledger.
type Verifier struct {
	ledger  ledger.Ledger
	store   *store.Store
	asset   model.Address
	metrics *metrics.Metrics
}

// New creates a verifier expecting transfers of asset.
func New(l ledger.Ledger, s *store.Store, asset model.Address) *Verifier {
	return &Verifier{ledger: l, store: s, asset: asset}
}

// WithMetrics attaches a metrics registry and returns the verifier
func (v *Verifier) WithMetrics(m *metrics.Metrics) *Verifier {
	v.metrics = m
	return v
}

// Verify inspects the records of date that carry a reference id and
// persists every outcome change. A record is confirmed only when the ledger
// reports success and the log carries a transfer of the expected asset to
// the recipient for the exact amount; a success without such an event is a
// mismatch finding. Records whose receipt is not yet available keep their
// outcome, submitted or unknown.
func (v *Verifier) Verify(ctx context.Context, date string, opts Options) (Report, error) {
	run, err := v.store.GetRun(date)
	if err != nil {
		return Report{}, err
	}
	records, err := v.store.Records(date)
	if err != nil {
		return Report{}, err
	}

	var candidates []int
	for i, r := range records {
		if r.ReferenceID != "" {
			candidates = append(candidates, i)
		}
	}
	if !opts.Full {
		picked := SampleIndexes(len(candidates), opts.SampleHead)
		sampled := make([]int, len(picked))
		for j, p := range picked {
			sampled[j] = candidates[p]
		}
		candidates = sampled
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	logrus.WithFields(logrus.Fields{
		"run_date": date,
		"full":     opts.Full,
		"checking": len(candidates),
		"workers":  workers,
	}).Info("Verifying settlement records")

	checks := make([]Check, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for j, i := range candidates {
		j, i := j, i
		g.Go(func() error {
			// each goroutine owns records[i] and checks[j]
			c, err := v.inspect(gctx, &records[i])
			if err != nil {
				return err
			}
			checks[j] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{Checked: len(checks)}
	for j, i := range candidates {
		c := checks[j]
		v.metrics.ObserveVerification(c.Result)
		if c.Result != ResultConfirmed {
			report.Findings = append(report.Findings, c)
		}
		if c.Result == ResultUnresolved {
			continue
		}
		if err := v.store.PutRecord(records[i]); err != nil {
			return Report{}, fmt.Errorf("failed to persist verified record %d: %w", records[i].Index, err)
		}
	}

	report.Summary = model.Summarize(run, records)
	if status := settledStatus(run.Status, report.Summary); status != run.Status {
		if err := v.restatus(run, status); err != nil {
			return Report{}, err
		}
		report.Summary.Status = status
	}
	logrus.WithFields(logrus.Fields{
		"run_date":   date,
		"checked":    report.Checked,
		"confirmed":  report.Summary.Confirmed,
		"failed":     report.Summary.Failed,
		"mismatched": report.Summary.Mismatched,
		"findings":   len(report.Findings),
	}).Info("Verification finished")
	return report, nil
}

// inspect resolves one record in place. Only cancellation is returned as an
// error; ledger lookups that fail leave the record unresolved.
func (v *Verifier) inspect(ctx context.Context, rec *model.SettlementRecord) (Check, error) {
	c := Check{Index: rec.Index, Recipient: rec.Recipient, ReferenceID: rec.ReferenceID}
	log := logrus.WithFields(logrus.Fields{
		"run_date":     rec.RunDate,
		"index":        rec.Index,
		"recipient":    rec.Recipient.String(),
		"reference_id": rec.ReferenceID,
	})

	receipt, err := v.ledger.Inspect(ctx, rec.ReferenceID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c, ctxErr
		}
		c.Result = ResultUnresolved
		c.Detail = err.Error()
		if !errors.Is(err, ledger.ErrReceiptNotFound) {
			log.WithError(err).Warn("Ledger inspection failed")
		}
		return c, nil
	}

	rec.VerifiedAt = time.Now().UTC()
	if receipt.Status != ledger.StatusSuccess {
		rec.Outcome = model.OutcomeFailed
		rec.Error = fmt.Sprintf("ledger status %s in block %d", receipt.Status, receipt.Block)
		rec.Finding = ""
		c.Result = ResultReverted
		c.Detail = rec.Error
		log.Warn("Transfer reverted")
		return c, nil
	}

	if finding := v.match(*rec, receipt); finding != "" {
		rec.Outcome = model.OutcomeFailed
		rec.Finding = finding
		c.Result = ResultMismatch
		c.Detail = finding
		log.WithField("finding", finding).Error("Ledger reported success but the asset did not move as expected")
		return c, nil
	}

	rec.Outcome = model.OutcomeConfirmed
	rec.Error = ""
	rec.Finding = ""
	c.Result = ResultConfirmed
	return c, nil
}

// match returns an empty string when receipt proves the transfer, or a
// description of what is wrong.
func (v *Verifier) match(rec model.SettlementRecord, receipt ledger.Receipt) string {
	event, ok := receipt.FindTransfer(v.asset, rec.Recipient)
	if !ok {
		return fmt.Sprintf("%v: no transfer of %s to %s", model.ErrVerificationMismatch, v.asset, rec.Recipient)
	}
	want, err := units.DecodeHex(rec.AmountHex)
	if err != nil {
		return fmt.Sprintf("%v: %v", model.ErrVerificationMismatch, err)
	}
	if event.Amount == nil || !event.Amount.Eq(want) {
		got := "nil"
		if event.Amount != nil {
			got = event.Amount.Dec()
		}
		return fmt.Sprintf("%v: transferred %s, expected %s", model.ErrVerificationMismatch, got, want.Dec())
	}
	return ""
}

// settledStatus is the run status verification leaves behind. A completed
// run with a failed or unknown transfer is partially failed; a partially
// failed run whose transfers are all accounted for again is completed.
// Unfinished runs keep their status.
func settledStatus(current model.RunStatus, s model.RunSummary) model.RunStatus {
	open := s.Failed + s.Unknown
	switch {
	case current == model.RunCompleted && open > 0:
		return model.RunPartiallyFailed
	case current == model.RunPartiallyFailed && open == 0 && s.Pending == 0:
		return model.RunCompleted
	}
	return current
}

// restatus persists a new run status and mirrors it on the idempotency marker.
func (v *Verifier) restatus(run model.Run, status model.RunStatus) error {
	run.Status = status
	if err := v.store.PutRun(run); err != nil {
		return fmt.Errorf("failed to persist run status: %w", err)
	}
	marker, done, err := v.store.Done(run.RunDate)
	if err != nil || !done {
		return err
	}
	marker.Status = run.Status
	return v.store.MarkDone(run.RunDate, marker)
}
