package txpoints_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/state"
	"github.com/seedcommons/harvest/engine/pkg/state/memstate"
	"github.com/seedcommons/harvest/engine/pkg/txpoints"
	testingutil "github.com/seedcommons/harvest/utils/pkg/testing"
)

func newCollector(t *testing.T) (*txpoints.Collector, *memstate.Store) {
	t.Helper()
	st := memstate.New()
	c, err := txpoints.New(txpoints.Config{
		Logger: testingutil.NewTestLogger(t, slog.LevelDebug),
		Store:  st,
	})
	require.NoError(t, err)
	return c, st
}

func window(t *testing.T, st state.Store, account domain.Account) []state.TxEntry {
	t.Helper()
	var entries []state.TxEntry
	require.NoError(t, st.View(context.Background(), func(tx state.ReadTx) error {
		var err error
		entries, err = tx.TxWindow(account)
		return err
	}))
	return entries
}

func TestHarvest_TxPoints_CreditsBothSides(t *testing.T) {
	t.Parallel()
	c, st := newCollector(t)

	require.NoError(t, c.RecordTransfer(context.Background(), "alice", "bob", domain.Amount(25_0000)))

	for _, account := range []domain.Account{"alice", "bob"} {
		entries := window(t, st, account)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(25_0000), entries[0].Points)
	}
}

func TestHarvest_TxPoints_CapsLargeTransfers(t *testing.T) {
	t.Parallel()
	c, st := newCollector(t)

	require.NoError(t, c.RecordTransfer(context.Background(), "whale", "bob", domain.Amount(1_000_000_0000)))

	entries := window(t, st, "whale")
	require.Len(t, entries, 1)
	assert.Equal(t, txpoints.MaxPointsPerTransfer, entries[0].Points)
}

func TestHarvest_TxPoints_WindowEvictsOldest(t *testing.T) {
	t.Parallel()
	c, st := newCollector(t)
	ctx := context.Background()

	for i := 1; i <= txpoints.WindowSize+4; i++ {
		require.NoError(t, c.RecordTransfer(ctx, "alice", "bob", domain.Amount(i)))
	}

	entries := window(t, st, "alice")
	require.Len(t, entries, txpoints.WindowSize)
	assert.Equal(t, int64(5), entries[0].Points, "the four oldest entries must have been evicted")
	assert.Equal(t, int64(txpoints.WindowSize+4), entries[len(entries)-1].Points)
}

func TestHarvest_TxPoints_SelfTransferIgnored(t *testing.T) {
	t.Parallel()
	c, st := newCollector(t)

	require.NoError(t, c.RecordTransfer(context.Background(), "alice", "alice", domain.Amount(10_0000)))
	assert.Empty(t, window(t, st, "alice"))
}

func TestHarvest_TxPoints_RejectsBadInput(t *testing.T) {
	t.Parallel()
	c, _ := newCollector(t)
	ctx := context.Background()

	err := c.RecordTransfer(ctx, "alice", "Bad!Name", domain.Amount(10_0000))
	require.ErrorIs(t, err, domain.ErrMalformedDirective)

	err = c.RecordTransfer(ctx, "alice", "bob", 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}
