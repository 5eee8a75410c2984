// Package settlement turns a payout table into sequenced ledger transfers
// and executes them under a per-date idempotency marker.
package settlement

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/units"
)

// Item is one planned transfer.
type Item struct {
	Recipient        model.Address
	PoolKind         model.PoolKind
	Amount           decimal.Decimal
	BonusPart        decimal.Decimal
	ProportionalPart decimal.Decimal
	Units            *uint256.Int
	AmountHex        string
}

// Plan is the ordered transfer list of one run.
type Plan struct {
	RunDate  string
	Mode     model.TransferMode
	Decimals int32
	Items    []Item
	Total    *uint256.Int

	// Table is the payout table the plan was built from. Execute stores it
	// next to the run.
	Table *model.PayoutTable
}

// BuildPlan lays out the transfers for table. In separate mode every pool
// entry is its own transfer, bonus entries first; in combined mode each
// recipient gets one transfer carrying both line items. Zero amounts are
// skipped.
func BuildPlan(table model.PayoutTable, mode model.TransferMode) (Plan, error) {
	if _, err := model.ParseTransferMode(string(mode)); err != nil {
		return Plan{}, err
	}

	p := Plan{
		RunDate:  table.RunDate,
		Mode:     mode,
		Decimals: table.Decimals,
		Total:    new(uint256.Int),
		Table:    &table,
	}

	switch mode {
	case model.TransferModeSeparate:
		for _, r := range table.Rows {
			if err := p.add(r.Address, r.BonusAmount, decimal.Zero); err != nil {
				return Plan{}, err
			}
		}
		for _, r := range table.Rows {
			if err := p.add(r.Address, decimal.Zero, r.ProportionalAmount); err != nil {
				return Plan{}, err
			}
		}
	case model.TransferModeCombined:
		for _, r := range table.Rows {
			if err := p.add(r.Address, r.BonusAmount, r.ProportionalAmount); err != nil {
				return Plan{}, err
			}
		}
	}
	return p, nil
}

func (p *Plan) add(recipient model.Address, bonus, proportional decimal.Decimal) error {
	amount := bonus.Add(proportional)
	if !amount.IsPositive() {
		return nil
	}

	kind := model.PoolCombined
	switch {
	case proportional.IsZero():
		kind = model.PoolBonus
	case bonus.IsZero():
		kind = model.PoolProportional
	}

	u, err := units.ToUnits(amount, p.Decimals)
	if err != nil {
		return fmt.Errorf("transfer to %s: %w", recipient, err)
	}
	encoded := units.EncodeHex(u)
	if err := units.CheckHex(encoded); err != nil {
		return err
	}

	p.Items = append(p.Items, Item{
		Recipient:        recipient,
		PoolKind:         kind,
		Amount:           amount,
		BonusPart:        bonus,
		ProportionalPart: proportional,
		Units:            u,
		AmountHex:        encoded,
	})
	p.Total.Add(p.Total, u)
	return nil
}

// Records turns the plan into pending settlement records, reserving the
// contiguous sequence block start..start+len-1.
func (p Plan) Records(start uint64) []model.SettlementRecord {
	recs := make([]model.SettlementRecord, len(p.Items))
	for i, it := range p.Items {
		recs[i] = model.SettlementRecord{
			Index:            i,
			RunDate:          p.RunDate,
			Recipient:        it.Recipient,
			PoolKind:         it.PoolKind,
			Amount:           it.Amount,
			BonusPart:        it.BonusPart,
			ProportionalPart: it.ProportionalPart,
			AmountHex:        it.AmountHex,
			Sequence:         start + uint64(i),
			Outcome:          model.OutcomePending,
		}
	}
	return recs
}
