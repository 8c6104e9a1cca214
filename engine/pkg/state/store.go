package state

import (
	"context"

	"github.com/seedcommons/harvest/engine/pkg/domain"
)

// Sample is an (account, raw value) pair produced by ordered iteration.
type Sample struct {
	Account domain.Account
	Value   int64
}

// Store is the engine's transactional state. Each Update runs as a single
// atomic transition: either every mutation commits or none does. Readers
// never observe a partially applied transaction.
type Store interface {
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(ReadTx) error) error
	// Update runs fn transactionally; mutations apply only when fn
	// returns nil.
	Update(ctx context.Context, fn func(Tx) error) error
	// Reset wipes all ledger, vesting and score state.
	Reset(ctx context.Context) error
	Close() error
}

// ReadTx exposes the persisted tables. Range reads are keyset-paginated:
// start is exclusive and results are ordered by account.
type ReadTx interface {
	Balance(account domain.Account) (Balance, bool, error)
	Balances(start domain.Account, limit int) ([]Balance, error)

	Refund(account domain.Account, id uint64) (Refund, bool, error)
	Refunds(account domain.Account) ([]Refund, error)

	TxWindow(account domain.Account) ([]TxEntry, error)
	TxAccounts(start domain.Account, limit int) ([]domain.Account, error)

	// Raw reads one externally fed or stage-computed raw metric.
	Raw(axis Axis, account domain.Account) (int64, bool, error)
	// RawSamples iterates an axis's raw metric ordered ascending by
	// (value, account); after is an exclusive keyset position. The
	// planted axis reads from balances, every other axis from the raw
	// metric table.
	RawSamples(axis Axis, after *Sample, limit int) ([]Sample, error)
	RawCount(axis Axis) (int, error)

	RegenVote(org, voter domain.Account) (RegenVote, bool, error)
	RegenVotes(org domain.Account) ([]RegenVote, error)
	RegenOrgs(start domain.Account, limit int) ([]domain.Account, error)

	// Score reads from the published snapshot of an axis.
	Score(axis Axis, account domain.Account) (AxisScore, bool, error)
	Scores(axis Axis, start domain.Account, limit int) ([]AxisScore, error)

	RewardOwed(account domain.Account) (domain.Amount, bool, error)

	StageState(stage string) (StageState, bool, error)
	PeriodMarker(name string) (uint64, bool, error)
}

// Tx extends ReadTx with mutations.
type Tx interface {
	ReadTx

	PutBalance(b Balance) error
	DeleteBalance(account domain.Account) error

	// NextRefundID returns the next per-account refund id, starting at 1.
	// Ids are monotonic and never reused.
	NextRefundID(account domain.Account) (uint64, error)
	PutRefund(r Refund) error
	DeleteRefund(account domain.Account, id uint64) error

	// AppendTxPoints appends one windowed contribution, evicting the
	// oldest entries beyond window.
	AppendTxPoints(account domain.Account, points int64, window int) error

	SetRaw(axis Axis, account domain.Account, value int64) error
	DeleteRaw(axis Axis, account domain.Account) error
	// ClearRaw empties an axis's raw metric table so a recomputing pass
	// starts from nothing instead of overlaying stale rows.
	ClearRaw(axis Axis) error

	PutRegenVote(v RegenVote) error
	DeleteRegenVote(org, voter domain.Account) error

	// PutStagedScore writes into an unpublished snapshot version.
	PutStagedScore(axis Axis, version uint64, s AxisScore) error
	// ClearStagedScores empties a staging version before a fresh pass.
	ClearStagedScores(axis Axis, version uint64) error
	// PublishScores atomically makes version the axis's visible snapshot
	// and drops older versions.
	PublishScores(axis Axis, version uint64) error

	SetRewardOwed(account domain.Account, amount domain.Amount) error
	ClearRewardsOwed() error

	PutStageState(s StageState) error
	SetPeriodMarker(name string, period uint64) error
}
