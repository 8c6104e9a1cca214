package pgstate_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/state"
	"github.com/seedcommons/harvest/engine/pkg/state/pgstate"
	testingutil "github.com/seedcommons/harvest/utils/pkg/testing"
)

func newTestStore(t *testing.T) *pgstate.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()
	log := testingutil.NewTestLogger(t, slog.LevelError)

	db, err := testingutil.NewDB(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	st, err := pgstate.New(ctx, pgstate.Config{
		Logger:        log,
		ConnStr:       db.ConnStr(),
		RunMigrations: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHarvest_PGState_BalancesAndRefunds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var id1, id2 uint64
	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		if err := tx.PutBalance(state.Balance{Account: "alice", Planted: 500_0000, Reward: 1_0000}); err != nil {
			return err
		}
		var err error
		if id1, err = tx.NextRefundID("alice"); err != nil {
			return err
		}
		if id2, err = tx.NextRefundID("alice"); err != nil {
			return err
		}
		return tx.PutRefund(state.Refund{
			Account:     "alice",
			ID:          id2,
			Principal:   100_0000,
			RequestedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		})
	}))
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		b, ok, err := tx.Balance("alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.Amount(500_0000), b.Planted)
		assert.Equal(t, domain.Amount(1_0000), b.Reward)

		r, ok, err := tx.Refund("alice", id2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.Amount(100_0000), r.Principal)
		assert.True(t, r.RequestedAt.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))

		_, ok, err = tx.Refund("alice", 99)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestHarvest_PGState_UpdateRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	boom := assert.AnError
	err := st.Update(ctx, func(tx state.Tx) error {
		if err := tx.PutBalance(state.Balance{Account: "alice", Planted: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		_, ok, err := tx.Balance("alice")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestHarvest_PGState_TxWindowTrims(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		for i := int64(1); i <= 30; i++ {
			if err := tx.AppendTxPoints("alice", i, 26); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		entries, err := tx.TxWindow("alice")
		require.NoError(t, err)
		require.Len(t, entries, 26)
		assert.Equal(t, int64(5), entries[0].Points)
		assert.Equal(t, int64(30), entries[25].Points)
		return nil
	}))
}

func TestHarvest_PGState_RawSamplesKeysetOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		for a, v := range map[domain.Account]int64{
			"ann": 30, "ben": 10, "cat": 30, "dan": 20,
		} {
			if err := tx.SetRaw(state.AxisCBS, a, v); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		first, err := tx.RawSamples(state.AxisCBS, nil, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, state.Sample{Account: "ben", Value: 10}, first[0])
		assert.Equal(t, state.Sample{Account: "dan", Value: 20}, first[1])

		rest, err := tx.RawSamples(state.AxisCBS, &first[1], 10)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, state.Sample{Account: "ann", Value: 30}, rest[0])
		assert.Equal(t, state.Sample{Account: "cat", Value: 30}, rest[1])

		n, err := tx.RawCount(state.AxisCBS)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		return nil
	}))
}

func TestHarvest_PGState_PlantedSamplesComeFromBalances(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		if err := tx.PutBalance(state.Balance{Account: "xstaker", Planted: 500_0000}); err != nil {
			return err
		}
		return tx.PutBalance(state.Balance{Account: "ystaker", Planted: 100_0000})
	}))

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		samples, err := tx.RawSamples(state.AxisPlanted, nil, 10)
		require.NoError(t, err)
		require.Len(t, samples, 2)
		assert.Equal(t, domain.Account("ystaker"), samples[0].Account)
		assert.Equal(t, domain.Account("xstaker"), samples[1].Account)
		return nil
	}))
}

func TestHarvest_PGState_PublishSwapsSnapshot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		if err := tx.PutStagedScore(state.AxisReputation, 1, state.AxisScore{Account: "ann", Raw: 10, Rank: 100}); err != nil {
			return err
		}
		return tx.PublishScores(state.AxisReputation, 1)
	}))

	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		// Stage version 2; version 1 must stay visible until publish.
		if err := tx.PutStagedScore(state.AxisReputation, 2, state.AxisScore{Account: "ben", Raw: 20, Rank: 100}); err != nil {
			return err
		}
		s, ok, err := tx.Score(state.AxisReputation, "ann")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(100), s.Rank)
		_, ok, err = tx.Score(state.AxisReputation, "ben")
		require.NoError(t, err)
		require.False(t, ok)
		return tx.PublishScores(state.AxisReputation, 2)
	}))

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		_, ok, err := tx.Score(state.AxisReputation, "ann")
		require.NoError(t, err)
		assert.False(t, ok, "old snapshot dropped after publish")
		s, ok, err := tx.Score(state.AxisReputation, "ben")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(20), s.Raw)
		return nil
	}))
}

func TestHarvest_PGState_StageStateCursorRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	want := state.StageState{
		Stage:   "rankreps",
		Done:    false,
		Version: 3,
		Cursor: state.Cursor{
			Phase:   1,
			Value:   42,
			Account: "cat",
			Pos:     7,
			Total:   100,
			Sum:     1234,
		},
	}
	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		return tx.PutStageState(want)
	}))

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		got, ok, err := tx.StageState("rankreps")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
		return nil
	}))
}

func TestHarvest_PGState_Reset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx state.Tx) error {
		if err := tx.PutBalance(state.Balance{Account: "alice", Planted: 1}); err != nil {
			return err
		}
		if err := tx.SetPeriodMarker("distribute", 9); err != nil {
			return err
		}
		return tx.SetRewardOwed("alice", 5)
	}))

	require.NoError(t, st.Reset(ctx))

	require.NoError(t, st.View(ctx, func(tx state.ReadTx) error {
		_, ok, err := tx.Balance("alice")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = tx.PeriodMarker("distribute")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = tx.RewardOwed("alice")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}
