// Package ledger defines the settlement ledger the distributor pays out on:
// an at-most-once submission primitive with a per-sender sequence number and
// a transaction log inspection primitive.
package ledger

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// ErrReceiptNotFound means the ledger has not (yet) included the transaction.
var ErrReceiptNotFound = errors.New("receipt not found")

// Transfer is one signed asset movement. AmountHex is the exact encoding
// embedded in the instruction; Amount is the same value for bookkeeping.
type Transfer struct {
	Sender    model.Address
	Recipient model.Address
	Asset     model.Address
	Amount    *uint256.Int
	AmountHex string
	Sequence  uint64
}

// Status is the ledger's overall verdict on a transaction.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusReverted Status = "reverted"
)

// Event is an asset transfer event found in a transaction's log.
type Event struct {
	Asset  model.Address
	From   model.Address
	To     model.Address
	Amount *uint256.Int
}

// Receipt is what inspecting a reference id returns.
type Receipt struct {
	ReferenceID string
	Status      Status
	Block       uint64
	Events      []Event
}

// Ledger is the settlement channel.
type Ledger interface {
	// Sequence returns the next sequence number the ledger expects from sender
	Sequence(ctx context.Context, sender model.Address) (uint64, error)

	// Balance returns sender's holding of asset in smallest units
	Balance(ctx context.Context, sender, asset model.Address) (*uint256.Int, error)

	// Submit signs and submits a transfer and returns its reference id. An
	// error wrapping model.ErrSubmissionRejected guarantees nothing was
	// broadcast. Any other error leaves the outcome unknown, and the reference
	// id is still returned when it was computed before the failure.
	Submit(ctx context.Context, t Transfer) (string, error)

	// Inspect returns the outcome of a submitted transfer, or ErrReceiptNotFound
	Inspect(ctx context.Context, referenceID string) (Receipt, error)
}

// FindTransfer returns the first event moving asset to recipient, or false.
func (r Receipt) FindTransfer(asset, recipient model.Address) (Event, bool) {
	for _, e := range r.Events {
		if e.Asset == asset && e.To == recipient {
			return e, true
		}
	}
	return Event{}, false
}
