package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/stake-reward-distributor/internal/ledger"
	"github.com/yourorg/stake-reward-distributor/internal/ledger/ledgertest"
	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/store"
)

const testDate = "2024-05-01"

var (
	sender = model.MustParseAddress("0x5e00000000000000000000000000000000000001")
	asset  = model.MustParseAddress("0xa500000000000000000000000000000000000002")
	alice  = model.MustParseAddress("0x1111111111111111111111111111111111111111")
	bob    = model.MustParseAddress("0x2222222222222222222222222222222222222222")
	carol  = model.MustParseAddress("0x3333333333333333333333333333333333333333")
)

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

// testTable pays alice from both pools, bob bonus only and carol
// proportional only.
func testTable() model.PayoutTable {
	return model.PayoutTable{
		RunDate:  testDate,
		Decimals: 18,
		Rows: []model.AllocationRow{
			{Address: alice, BonusAmount: decimal.RequireFromString("1.5"), ProportionalAmount: decimal.RequireFromString("2")},
			{Address: bob, BonusAmount: decimal.RequireFromString("0.85"), ProportionalAmount: decimal.Zero},
			{Address: carol, BonusAmount: decimal.Zero, ProportionalAmount: decimal.RequireFromString("0.65")},
		},
	}
}

type fixture struct {
	ledger  *ledgertest.Ledger
	store   *store.Store
	batcher *Batcher
}

func newFixture(t *testing.T, funded uint64) *fixture {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l := ledgertest.New()
	l.Fund(sender, asset, tokens(funded))
	return &fixture{
		ledger:  l,
		store:   s,
		batcher: NewBatcher(l, s, sender, asset, Options{BatchSize: 50}),
	}
}

func mustPlan(t *testing.T, mode model.TransferMode) Plan {
	t.Helper()
	p, err := BuildPlan(testTable(), mode)
	require.NoError(t, err)
	return p
}

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name  string
		mode  model.TransferMode
		kinds []model.PoolKind
		to    []model.Address
	}{
		{
			name:  "separate lists bonus entries first",
			mode:  model.TransferModeSeparate,
			kinds: []model.PoolKind{model.PoolBonus, model.PoolBonus, model.PoolProportional, model.PoolProportional},
			to:    []model.Address{alice, bob, alice, carol},
		},
		{
			name:  "combined pays each recipient once",
			mode:  model.TransferModeCombined,
			kinds: []model.PoolKind{model.PoolCombined, model.PoolBonus, model.PoolProportional},
			to:    []model.Address{alice, bob, carol},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPlan(t, tt.mode)
			require.Len(t, p.Items, len(tt.kinds))
			for i, it := range p.Items {
				assert.Equal(t, tt.kinds[i], it.PoolKind, "item %d", i)
				assert.Equal(t, tt.to[i], it.Recipient, "item %d", i)
			}
			// 1.5 + 2 + 0.85 + 0.65
			assert.Equal(t, tokens(5), p.Total)
		})
	}

	p := mustPlan(t, model.TransferModeSeparate)
	assert.Equal(t, "0x0bcbce7f1b150000", p.Items[1].AmountHex)

	combined := mustPlan(t, model.TransferModeCombined)
	assert.True(t, combined.Items[0].BonusPart.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, combined.Items[0].ProportionalPart.Equal(decimal.NewFromInt(2)))

	_, err := BuildPlan(testTable(), "")
	assert.ErrorIs(t, err, model.ErrTransferModeUnset)
}

func TestPlan_Records(t *testing.T) {
	recs := mustPlan(t, model.TransferModeSeparate).Records(40)
	require.Len(t, recs, 4)
	for i, r := range recs {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, uint64(40+i), r.Sequence)
		assert.Equal(t, model.OutcomePending, r.Outcome)
		assert.Equal(t, testDate, r.RunDate)
	}
}

func TestExecute_ContiguousSequencesDespiteRejection(t *testing.T) {
	f := newFixture(t, 10)
	f.ledger.SetSequence(sender, 7)
	f.ledger.Reject = func(tr ledger.Transfer) error {
		if tr.Recipient == bob {
			return errors.New("recipient frozen")
		}
		return nil
	}

	summary, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeSeparate), false)
	require.NoError(t, err)

	assert.Equal(t, model.RunPartiallyFailed, summary.Status)
	assert.Equal(t, 4, summary.Transfers)
	assert.Equal(t, 3, summary.Submitted)
	assert.Equal(t, 1, summary.Failed)

	recs, err := f.store.Records(testDate)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, r := range recs {
		assert.Equal(t, uint64(7+i), r.Sequence)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Equal(t, model.OutcomeFailed, recs[1].Outcome)
	assert.Contains(t, recs[1].Error, "recipient frozen")

	var seqs []uint64
	for _, tr := range f.ledger.Submitted() {
		seqs = append(seqs, tr.Sequence)
	}
	assert.Equal(t, []uint64{7, 9, 10}, seqs)

	marker, done, err := f.store.Done(testDate)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, model.RunPartiallyFailed, marker.Status)

	run, err := f.store.GetRun(testDate)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), run.StartSequence)
	assert.Equal(t, uint64(11), run.NextSequence)
}

func TestExecute_Idempotent(t *testing.T) {
	f := newFixture(t, 20)
	plan := mustPlan(t, model.TransferModeCombined)

	summary, err := f.batcher.Execute(context.Background(), plan, false)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, summary.Status)
	require.Len(t, f.ledger.Submitted(), 3)

	_, err = f.batcher.Execute(context.Background(), plan, false)
	assert.ErrorIs(t, err, model.ErrAlreadyExecuted)
	assert.Len(t, f.ledger.Submitted(), 3)

	first, err := f.store.GetRun(testDate)
	require.NoError(t, err)

	summary, err = f.batcher.Execute(context.Background(), plan, true)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, summary.Status)
	assert.Len(t, f.ledger.Submitted(), 6)

	second, err := f.store.GetRun(testDate)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.Forced)
	assert.Equal(t, first.NextSequence, second.StartSequence)
}

func TestExecute_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 4)

	_, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeSeparate), false)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Empty(t, f.ledger.Submitted())

	_, err = f.store.GetRun(testDate)
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestExecute_InterruptedThenResend(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.OnSubmit = func(ledger.Transfer, string) { cancel() }

	summary, err := f.batcher.Execute(ctx, mustPlan(t, model.TransferModeSeparate), false)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, summary.Submitted)
	assert.Equal(t, 3, summary.Pending)

	_, done, err := f.store.Done(testDate)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeSeparate), false)
	assert.ErrorIs(t, err, model.ErrRunIncomplete)

	f.ledger.OnSubmit = nil

	summary, err = f.batcher.Resend(context.Background(), testDate, ResendOptions{Mode: model.TransferModeSeparate})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Pending, "pending records need the explicit flag")

	summary, err = f.batcher.Resend(context.Background(), testDate, ResendOptions{
		Mode:           model.TransferModeSeparate,
		IncludePending: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, summary.Status)
	assert.Equal(t, 4, summary.Submitted)
	assert.Zero(t, summary.Pending)

	var seqs []uint64
	for _, tr := range f.ledger.Submitted() {
		seqs = append(seqs, tr.Sequence)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3}, seqs)

	_, done, err = f.store.Done(testDate)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestResend_FailedRecords(t *testing.T) {
	f := newFixture(t, 10)
	f.ledger.SetSequence(sender, 100)
	f.ledger.Reject = func(tr ledger.Transfer) error {
		if tr.Recipient == carol {
			return errors.New("rejected")
		}
		return nil
	}

	_, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeSeparate), false)
	require.NoError(t, err)
	require.Len(t, f.ledger.Submitted(), 3)

	f.ledger.Reject = nil
	summary, err := f.batcher.Resend(context.Background(), testDate, ResendOptions{Mode: model.TransferModeSeparate})
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, summary.Status)
	assert.Zero(t, summary.Failed)

	submitted := f.ledger.Submitted()
	require.Len(t, submitted, 4)
	last := submitted[3]
	assert.Equal(t, carol, last.Recipient)
	// carol's original slot was 103, rejected; the ledger still expects 103.
	assert.Equal(t, uint64(103), last.Sequence)

	recs, err := f.store.Records(testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, recs[3].Attempts)
	assert.Equal(t, model.OutcomeSubmitted, recs[3].Outcome)
	assert.Empty(t, recs[3].Error)
}

// lostResponseLedger accepts every transfer but loses the answer for the
// recipients listed in lose.
type lostResponseLedger struct {
	*ledgertest.Ledger
	lose    map[model.Address]bool
	keepRef bool
	onLoss  func()
}

func (l *lostResponseLedger) Submit(ctx context.Context, t ledger.Transfer) (string, error) {
	ref, err := l.Ledger.Submit(ctx, t)
	if err != nil || !l.lose[t.Recipient] {
		return ref, err
	}
	if l.onLoss != nil {
		l.onLoss()
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	} else {
		err = fmt.Errorf("%w: %v", model.ErrSubmissionUnknown, context.DeadlineExceeded)
	}
	if !l.keepRef {
		ref = ""
	}
	return ref, err
}

func transfersTo(l *ledgertest.Ledger, to model.Address) int {
	n := 0
	for _, tr := range l.Submitted() {
		if tr.Recipient == to {
			n++
		}
	}
	return n
}

func TestExecute_CancelledDuringSubmitIsNotResent(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lossy := &lostResponseLedger{Ledger: f.ledger, lose: map[model.Address]bool{bob: true}, onLoss: cancel}
	b := NewBatcher(lossy, f.store, sender, asset, Options{BatchSize: 50})

	summary, err := b.Execute(ctx, mustPlan(t, model.TransferModeSeparate), false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Submitted)
	assert.Equal(t, 1, summary.Unknown)
	assert.Equal(t, 2, summary.Pending)

	recs, err := f.store.Records(testDate)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUnknown, recs[1].Outcome)
	assert.Contains(t, recs[1].Error, context.Canceled.Error())

	lossy.lose = nil
	summary, err = b.Resend(context.Background(), testDate, ResendOptions{
		Mode:           model.TransferModeSeparate,
		IncludePending: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, transfersTo(f.ledger, bob), "bob was paid once already")
	assert.Equal(t, 1, summary.Unknown)
	assert.Zero(t, summary.Pending)
	assert.Equal(t, model.RunPartiallyFailed, summary.Status)

	summary, err = b.Resend(context.Background(), testDate, ResendOptions{
		Mode:      model.TransferModeSeparate,
		Addresses: []model.Address{bob},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, transfersTo(f.ledger, bob))
	assert.Zero(t, summary.Unknown)
}

func TestExecute_UnknownOutcomeKeepsReference(t *testing.T) {
	f := newFixture(t, 10)
	lossy := &lostResponseLedger{Ledger: f.ledger, lose: map[model.Address]bool{carol: true}, keepRef: true}
	b := NewBatcher(lossy, f.store, sender, asset, Options{BatchSize: 50})

	summary, err := b.Execute(context.Background(), mustPlan(t, model.TransferModeSeparate), false)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Submitted)
	assert.Equal(t, 1, summary.Unknown)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, model.RunPartiallyFailed, summary.Status)

	recs, err := f.store.Records(testDate)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUnknown, recs[3].Outcome)
	assert.NotEmpty(t, recs[3].ReferenceID)
	assert.Contains(t, recs[3].Error, model.ErrSubmissionUnknown.Error())

	_, err = b.Resend(context.Background(), testDate, ResendOptions{Mode: model.TransferModeSeparate})
	require.NoError(t, err)
	assert.Equal(t, 1, transfersTo(f.ledger, carol))
}

func TestResend_InterruptedAdvancesSequenceByAttempts(t *testing.T) {
	f := newFixture(t, 10)
	f.ledger.Reject = func(ledger.Transfer) error { return errors.New("paused") }

	summary, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeSeparate), false)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Failed)

	f.ledger.Reject = nil
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.OnSubmit = func(ledger.Transfer, string) { cancel() }

	summary, err = f.batcher.Resend(ctx, testDate, ResendOptions{Mode: model.TransferModeSeparate})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Submitted)
	assert.Equal(t, 3, summary.Failed)

	run, err := f.store.GetRun(testDate)
	require.NoError(t, err)
	assert.True(t, run.Interrupted)
	assert.Equal(t, uint64(1), run.NextSequence)
}

func TestResend_ModeChecks(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeCombined), false)
	require.NoError(t, err)

	_, err = f.batcher.Resend(context.Background(), testDate, ResendOptions{})
	assert.ErrorIs(t, err, model.ErrTransferModeUnset)

	_, err = f.batcher.Resend(context.Background(), testDate, ResendOptions{Mode: model.TransferModeSeparate})
	assert.ErrorIs(t, err, model.ErrModeMismatch)

	_, err = f.batcher.Resend(context.Background(), "2024-01-01", ResendOptions{Mode: model.TransferModeCombined})
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestResend_MismatchedNeedsExplicitAddress(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeCombined), false)
	require.NoError(t, err)

	recs, err := f.store.Records(testDate)
	require.NoError(t, err)
	rec := recs[1]
	rec.Outcome = model.OutcomeFailed
	rec.Finding = "no transfer event to recipient"
	require.NoError(t, f.store.PutRecord(rec))

	_, err = f.batcher.Resend(context.Background(), testDate, ResendOptions{Mode: model.TransferModeCombined})
	require.NoError(t, err)
	assert.Len(t, f.ledger.Submitted(), 3)

	summary, err := f.batcher.Resend(context.Background(), testDate, ResendOptions{
		Mode:      model.TransferModeCombined,
		Addresses: []model.Address{bob},
	})
	require.NoError(t, err)
	require.Len(t, f.ledger.Submitted(), 4)
	assert.Equal(t, bob, f.ledger.Submitted()[3].Recipient)
	assert.Zero(t, summary.Mismatched)
}

func TestExecute_BatchPause(t *testing.T) {
	f := newFixture(t, 10)
	f.batcher = NewBatcher(f.ledger, f.store, sender, asset, Options{
		BatchSize:  2,
		BatchPause: 30 * time.Millisecond,
	})

	start := time.Now()
	_, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeSeparate), false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSelectForResend(t *testing.T) {
	recs := []model.SettlementRecord{
		{Recipient: alice, Outcome: model.OutcomeFailed},
		{Recipient: bob, Outcome: model.OutcomePending},
		{Recipient: carol, Outcome: model.OutcomeConfirmed},
		{Recipient: bob, Outcome: model.OutcomeFailed, Finding: "mismatch"},
		{Recipient: carol, Outcome: model.OutcomeSubmitted},
		{Recipient: alice, Outcome: model.OutcomeUnknown, ReferenceID: "0x01"},
	}

	tests := []struct {
		name string
		opts ResendOptions
		want []int
	}{
		{"failed only", ResendOptions{}, []int{0}},
		{"with pending", ResendOptions{IncludePending: true}, []int{0, 1}},
		{"explicit address", ResendOptions{Addresses: []model.Address{bob}}, []int{3}},
		{"explicit with pending", ResendOptions{Addresses: []model.Address{bob}, IncludePending: true}, []int{1, 3}},
		{"settled address", ResendOptions{Addresses: []model.Address{carol}}, nil},
		{"unknown outcome needs its address", ResendOptions{Addresses: []model.Address{alice}}, []int{0, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectForResend(recs, tt.opts))
		})
	}
}

func TestExecute_StoresTable(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.batcher.Execute(context.Background(), mustPlan(t, model.TransferModeCombined), false)
	require.NoError(t, err)

	table, err := f.store.GetTable(testDate)
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)
	assert.True(t, table.Total().Equal(decimal.NewFromInt(5)))
}
