package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecords(date string, n int) []model.SettlementRecord {
	recs := make([]model.SettlementRecord, n)
	for i := range recs {
		recs[i] = model.SettlementRecord{
			Index:     i,
			RunDate:   date,
			Recipient: model.MustParseAddress("0x1111111111111111111111111111111111111111"),
			PoolKind:  model.PoolBonus,
			Amount:    decimal.NewFromInt(int64(i + 1)),
			BonusPart: decimal.NewFromInt(int64(i + 1)),
			Outcome:   model.OutcomePending,
		}
	}
	return recs
}

func TestStore_RunRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun("2024-05-01")
	assert.ErrorIs(t, err, model.ErrRunNotFound)

	run := model.Run{ID: "r1", RunDate: "2024-05-01", Status: model.RunInProgress, StartSequence: 9, NextSequence: 9}
	require.NoError(t, s.PutRun(run))

	got, err := s.GetRun("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, uint64(9), got.StartSequence)
}

func TestStore_RecordsOrderedAndScopedByDate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutRecords(testRecords("2024-05-01", 12)))
	require.NoError(t, s.PutRecords(testRecords("2024-05-02", 3)))

	recs, err := s.Records("2024-05-01")
	require.NoError(t, err)
	require.Len(t, recs, 12)
	for i, r := range recs {
		assert.Equal(t, i, r.Index, "index order, not lexical order of unpadded ints")
	}

	recs[4].Outcome = model.OutcomeSubmitted
	recs[4].ReferenceID = "0xabc"
	require.NoError(t, s.PutRecord(recs[4]))

	again, err := s.Records("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSubmitted, again[4].Outcome)
	assert.True(t, again[4].Amount.Equal(decimal.NewFromInt(5)))
}

func TestStore_DoneMarker(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Done("2024-05-01")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkDone("2024-05-01", DoneMarker{RunID: "r1", Status: model.RunCompleted, CompletedAt: time.Now()}))
	marker, ok, err := s.Done("2024-05-01")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r1", marker.RunID)
}

func TestStore_ArchiveRun(t *testing.T) {
	s := newTestStore(t)
	date := "2024-05-01"

	require.NoError(t, s.PutRun(model.Run{ID: "r1", RunDate: date}))
	require.NoError(t, s.PutRecords(testRecords(date, 4)))
	require.NoError(t, s.MarkDone(date, DoneMarker{RunID: "r1"}))

	moved, err := s.ArchiveRun(date, "r1")
	require.NoError(t, err)
	assert.Equal(t, 6, moved)

	_, err = s.GetRun(date)
	assert.ErrorIs(t, err, model.ErrRunNotFound)
	recs, err := s.Records(date)
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, ok, err := s.Done(date)
	require.NoError(t, err)
	assert.False(t, ok)

	moved, err = s.ArchiveRun(date, "r2")
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestStore_TableAndMarket(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LastMarket()
	require.NoError(t, err)
	assert.False(t, ok)

	params := model.MarketParameters{RewardTokenPrice: 1, BaseAssetPrice: 10, BaseYieldRatePct: 3, LockedPrincipal: 5, PlatformFeeFraction: 0.1}
	require.NoError(t, s.PutLastMarket(params))
	got, ok, err := s.LastMarket()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, params, got)

	table := model.PayoutTable{RunDate: "2024-05-01", Market: params, BonusPoolTarget: decimal.NewFromInt(5), Decimals: 18}
	require.NoError(t, s.PutTable(table))
	back, err := s.GetTable("2024-05-01")
	require.NoError(t, err)
	assert.True(t, back.BonusPoolTarget.Equal(decimal.NewFromInt(5)))

	_, err = s.GetTable("2024-05-02")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestStore_RunDates(t *testing.T) {
	s := newTestStore(t)
	for _, d := range []string{"2024-05-03", "2024-05-01", "2024-05-02"} {
		require.NoError(t, s.PutRun(model.Run{RunDate: d}))
	}
	dates, err := s.RunDates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-01", "2024-05-02", "2024-05-03"}, dates)
}
