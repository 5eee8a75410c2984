package fetch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// StakeBalance is one address→balance pair from a snapshot provider.
type StakeBalance struct {
	Address model.Address   `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

// BalanceSource reads a list of StakeBalance from a JSON endpoint. Amounts may
// be JSON numbers or decimal strings.
type BalanceSource struct {
	url    string
	client *http.Client
}

// NewBalanceSource creates a balance list source for baseURL.
func NewBalanceSource(baseURL string, client *http.Client) *BalanceSource {
	return &BalanceSource{url: baseURL, client: client}
}

// Fetch retrieves the balance list.
func (s *BalanceSource) Fetch(ctx context.Context) ([]StakeBalance, error) {
	var balances []StakeBalance
	if err := getJSON(ctx, s.client, s.url, nil, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// StakeSnapshot merges the reward-token staker list and the base-asset
// delegator list into one ParticipantStake per address.
type StakeSnapshot struct {
	RewardStakersPrimary, RewardStakersBackup Fetcher[[]StakeBalance]
	DelegatorsPrimary, DelegatorsBackup       Fetcher[[]StakeBalance]

	Options FailoverOptions
}

// Fetch resolves both lists concurrently. Either list failing on every
// source aborts the snapshot.
func (s *StakeSnapshot) Fetch(ctx context.Context) ([]model.ParticipantStake, error) {
	var stakers, delegators []StakeBalance

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stakers, _, err = WithFailover(gctx, "reward_stakers", s.RewardStakersPrimary, s.RewardStakersBackup, s.Options)
		return err
	})
	g.Go(func() error {
		var err error
		delegators, _, err = WithFailover(gctx, "base_delegators", s.DelegatorsPrimary, s.DelegatorsBackup, s.Options)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stakes := MergeStakes(stakers, delegators)
	logrus.WithFields(logrus.Fields{
		"reward_stakers":  len(stakers),
		"base_delegators": len(delegators),
		"participants":    len(stakes),
	}).Info("Stake snapshot resolved")
	return stakes, nil
}

// MergeStakes joins the two lists by address, reward stakers first in their
// original order, then delegators without reward stake. Repeated entries for
// one address within a list are summed.
func MergeStakes(stakers, delegators []StakeBalance) []model.ParticipantStake {
	index := make(map[model.Address]int, len(stakers)+len(delegators))
	var out []model.ParticipantStake

	get := func(a model.Address) *model.ParticipantStake {
		if i, ok := index[a]; ok {
			return &out[i]
		}
		index[a] = len(out)
		out = append(out, model.ParticipantStake{Address: a})
		return &out[len(out)-1]
	}

	for _, b := range stakers {
		amount, _ := b.Amount.Float64()
		p := get(b.Address)
		p.RewardTokenStaked += amount
	}
	for _, b := range delegators {
		amount, _ := b.Amount.Float64()
		p := get(b.Address)
		p.BaseAssetStaked += amount
	}
	return out
}

// StaticStakes serves a fixed snapshot, for replaying a recorded run.
type StaticStakes []model.ParticipantStake

// Fetch returns a copy of the snapshot.
func (s StaticStakes) Fetch(ctx context.Context) ([]model.ParticipantStake, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: empty stake snapshot", model.ErrDataUnavailable)
	}
	out := make([]model.ParticipantStake, len(s))
	copy(out, s)
	return out, nil
}
