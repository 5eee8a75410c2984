// Package ledgertest provides an in-memory ledger for settlement and
// verification tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/yourorg/stake-reward-distributor/internal/ledger"
	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// Ledger is an in-memory ledger. Accepted transfers move balance and get a
// successful receipt carrying the matching transfer event.
type Ledger struct {
	mu        sync.Mutex
	next      map[model.Address]uint64
	balances  map[model.Address]map[model.Address]*uint256.Int
	receipts  map[string]ledger.Receipt
	submitted []ledger.Transfer
	inspected int

	// Reject, when set, is consulted before accepting a transfer. A non-nil
	// error rejects it without consuming the sequence.
	Reject func(t ledger.Transfer) error

	// OnSubmit runs after a transfer is accepted, with the lock released.
	OnSubmit func(t ledger.Transfer, referenceID string)
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		next:     map[model.Address]uint64{},
		balances: map[model.Address]map[model.Address]*uint256.Int{},
		receipts: map[string]ledger.Receipt{},
	}
}

// SetSequence sets the next sequence number expected from sender.
func (l *Ledger) SetSequence(sender model.Address, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next[sender] = seq
}

// Fund credits owner with amount of asset.
func (l *Ledger) Fund(owner, asset model.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance(owner, asset).Add(l.balance(owner, asset), amount)
}

// SetReceipt overrides the receipt of a reference id.
func (l *Ledger) SetReceipt(r ledger.Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts[r.ReferenceID] = r
}

// DropReceipt makes a reference id look not yet included.
func (l *Ledger) DropReceipt(referenceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.receipts, referenceID)
}

// Submitted returns every accepted transfer in submission order.
func (l *Ledger) Submitted() []ledger.Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Transfer, len(l.submitted))
	copy(out, l.submitted)
	return out
}

// Inspections returns how many times Inspect was called.
func (l *Ledger) Inspections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inspected
}

// Sequence implements ledger.Ledger.
func (l *Ledger) Sequence(ctx context.Context, sender model.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next[sender], nil
}

// Balance implements ledger.Ledger.
func (l *Ledger) Balance(ctx context.Context, sender, asset model.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.balance(sender, asset)), nil
}

// Submit implements ledger.Ledger. Sequences below the expected one are
// rejected; gaps are accepted.
func (l *Ledger) Submit(ctx context.Context, t ledger.Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrSubmissionRejected, err)
	}
	if l.Reject != nil {
		if err := l.Reject(t); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrSubmissionRejected, err)
		}
	}

	l.mu.Lock()
	if t.Sequence < l.next[t.Sender] {
		expected := l.next[t.Sender]
		l.mu.Unlock()
		return "", fmt.Errorf("%w: sequence %d below expected %d", model.ErrSubmissionRejected, t.Sequence, expected)
	}
	from := l.balance(t.Sender, t.Asset)
	if from.Lt(t.Amount) {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: insufficient balance", model.ErrSubmissionRejected)
	}
	from.Sub(from, t.Amount)
	l.balance(t.Recipient, t.Asset).Add(l.balance(t.Recipient, t.Asset), t.Amount)

	l.next[t.Sender] = t.Sequence + 1
	l.submitted = append(l.submitted, t)
	ref := fmt.Sprintf("0x%064x", len(l.submitted))
	l.receipts[ref] = ledger.Receipt{
		ReferenceID: ref,
		Status:      ledger.StatusSuccess,
		Block:       uint64(len(l.submitted)),
		Events: []ledger.Event{{
			Asset:  t.Asset,
			From:   t.Sender,
			To:     t.Recipient,
			Amount: new(uint256.Int).Set(t.Amount),
		}},
	}
	l.mu.Unlock()

	if l.OnSubmit != nil {
		l.OnSubmit(t, ref)
	}
	return ref, nil
}

// Inspect implements ledger.Ledger.
func (l *Ledger) Inspect(ctx context.Context, referenceID string) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inspected++
	r, ok := l.receipts[referenceID]
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrReceiptNotFound, referenceID)
	}
	return r, nil
}

// balance returns the live balance cell; callers hold mu.
func (l *Ledger) balance(owner, asset model.Address) *uint256.Int {
	byAsset, ok := l.balances[owner]
	if !ok {
		byAsset = map[model.Address]*uint256.Int{}
		l.balances[owner] = byAsset
	}
	b, ok := byAsset[asset]
	if !ok {
		b = new(uint256.Int)
		byAsset[asset] = b
	}
	return b
}

var _ ledger.Ledger = (*Ledger)(nil)
