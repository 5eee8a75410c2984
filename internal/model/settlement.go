package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PoolKind identifies which pool a transfer pays out of.
type PoolKind string

const (
	PoolBonus        PoolKind = "bonus"
	PoolProportional PoolKind = "proportional"
	// PoolCombined is a single transfer carrying both line items for one recipient.
	PoolCombined PoolKind = "combined"
)

// Outcome is the lifecycle of a single transfer.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSubmitted Outcome = "submitted"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeUnknown means the submission may or may not have reached the
	// ledger. Only verification or an explicit operator decision resolves it.
	OutcomeUnknown Outcome = "unknown"
)

// TransferMode decides how a participant present in both pools is paid.
// It is an operator policy and has no default.
type TransferMode string

const (
	TransferModeSeparate TransferMode = "separate"
	TransferModeCombined TransferMode = "combined"
)

// ParseTransferMode validates an operator supplied mode. An empty string
// returns ErrTransferModeUnset.
func ParseTransferMode(s string) (TransferMode, error) {
	switch TransferMode(s) {
	case TransferModeSeparate, TransferModeCombined:
		return TransferMode(s), nil
	case "":
		return "", ErrTransferModeUnset
	default:
		return "", fmt.Errorf("unknown transfer mode %q: %w", s, ErrTransferModeUnset)
	}
}

// SettlementRecord tracks one transfer of a run. It is created by the batcher
// and later updated only by the batcher (submission) and the verifier (outcome).
type SettlementRecord struct {
	Index     int      `json:"index"`
	RunDate   string   `json:"run_date"`
	Recipient Address  `json:"recipient"`
	PoolKind  PoolKind `json:"pool_kind"`

	Amount           decimal.Decimal `json:"amount"`
	BonusPart        decimal.Decimal `json:"bonus_part"`
	ProportionalPart decimal.Decimal `json:"proportional_part"`
	AmountHex        string          `json:"amount_hex,omitempty"`

	Sequence    uint64  `json:"sequence"`
	ReferenceID string  `json:"reference_id,omitempty"`
	Outcome     Outcome `json:"outcome"`
	Error       string  `json:"error,omitempty"`

	// Finding is set by the verifier when the ledger said success but the
	// expected asset transfer event was missing or wrong.
	Finding string `json:"finding,omitempty"`

	Attempts    int       `json:"attempts"`
	AttemptID   string    `json:"attempt_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	VerifiedAt  time.Time `json:"verified_at,omitempty"`
}

// Mismatched reports whether verification raised an audit finding.
func (r SettlementRecord) Mismatched() bool {
	return r.Finding != ""
}

// RunStatus is the state machine of a distribution run.
type RunStatus string

const (
	RunNotStarted      RunStatus = "not_started"
	RunInProgress      RunStatus = "in_progress"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially_failed"
)

// Run is the persisted header of a distribution run, one per calendar day.
type Run struct {
	ID            string       `json:"id"`
	RunDate       string       `json:"run_date"`
	Status        RunStatus    `json:"status"`
	Mode          TransferMode `json:"mode"`
	Sender        Address      `json:"sender"`
	Asset         Address      `json:"asset"`
	StartSequence uint64       `json:"start_sequence"`
	NextSequence  uint64       `json:"next_sequence"`
	Forced        bool         `json:"forced,omitempty"`
	Interrupted   bool         `json:"interrupted,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at,omitempty"`
}

// RunSummary is the machine-readable report every command ends with.
type RunSummary struct {
	RunDate string    `json:"run_date"`
	Status  RunStatus `json:"status"`

	Transfers  int `json:"transfers"`
	Pending    int `json:"pending"`
	Submitted  int `json:"submitted"`
	Confirmed  int `json:"confirmed"`
	Failed     int `json:"failed"`
	Unknown    int `json:"unknown"`
	Mismatched int `json:"mismatched"`

	PlannedByPool   map[PoolKind]decimal.Decimal `json:"planned_by_pool"`
	ConfirmedByPool map[PoolKind]decimal.Decimal `json:"confirmed_by_pool"`
	FailedAmount    decimal.Decimal              `json:"failed_amount"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Summarize folds a run's records into a summary. Combined transfers are
// split back into their pool line items so per-pool totals never double count.
func Summarize(run Run, records []SettlementRecord) RunSummary {
	s := RunSummary{
		RunDate:         run.RunDate,
		Status:          run.Status,
		Transfers:       len(records),
		PlannedByPool:   map[PoolKind]decimal.Decimal{PoolBonus: decimal.Zero, PoolProportional: decimal.Zero},
		ConfirmedByPool: map[PoolKind]decimal.Decimal{PoolBonus: decimal.Zero, PoolProportional: decimal.Zero},
		FailedAmount:    decimal.Zero,
		GeneratedAt:     time.Now().UTC(),
	}

	for _, r := range records {
		s.PlannedByPool[PoolBonus] = s.PlannedByPool[PoolBonus].Add(r.BonusPart)
		s.PlannedByPool[PoolProportional] = s.PlannedByPool[PoolProportional].Add(r.ProportionalPart)

		switch r.Outcome {
		case OutcomePending:
			s.Pending++
		case OutcomeSubmitted:
			s.Submitted++
		case OutcomeConfirmed:
			s.Confirmed++
			s.ConfirmedByPool[PoolBonus] = s.ConfirmedByPool[PoolBonus].Add(r.BonusPart)
			s.ConfirmedByPool[PoolProportional] = s.ConfirmedByPool[PoolProportional].Add(r.ProportionalPart)
		case OutcomeFailed:
			s.Failed++
			s.FailedAmount = s.FailedAmount.Add(r.Amount)
		case OutcomeUnknown:
			s.Unknown++
		}
		if r.Mismatched() {
			s.Mismatched++
		}
	}
	return s
}
