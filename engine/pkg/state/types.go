// Package state defines the engine's persisted tables and the transactional
// store contract they live behind. Two implementations exist: an in-memory
// store (memstate) and a PostgreSQL store (pgstate).
package state

import (
	"time"

	"github.com/seedcommons/harvest/engine/pkg/domain"
)

// Axis identifies one ranked 0-100 signal.
type Axis string

const (
	AxisPlanted      Axis = "planted"
	AxisTxs          Axis = "txs"
	AxisReputation   Axis = "reputation"
	AxisCBS          Axis = "cbs"
	AxisRegen        Axis = "regen"
	AxisContribution Axis = "cs"
)

// Balance is a per-account staked ledger row. Rows exist only while the
// account has planted or reward balance, or pending refunds.
type Balance struct {
	Account domain.Account
	Planted domain.Amount
	Reward  domain.Amount
}

// Refund is one pending unstake entry vesting linearly over 12 periods.
type Refund struct {
	Account        domain.Account
	ID             uint64
	Principal      domain.Amount
	RequestedAt    time.Time
	ClaimedPeriods int
}

// TxEntry is one windowed transaction-point contribution.
type TxEntry struct {
	Seq    uint64
	Points int64
}

// RegenVote is a single voter's signed contribution toward an organization's
// regeneration standing. One row per (org, voter); a re-vote replaces it.
type RegenVote struct {
	Org    domain.Account
	Voter  domain.Account
	Delta  int64
	CastAt time.Time
}

// AxisScore is one ranked row of an axis snapshot.
type AxisScore struct {
	Account domain.Account
	Raw     int64
	Rank    uint64
}

// Cursor is the resumable position of a batched pipeline stage: keyset
// position in the (value, account) ordering, the running ascending index
// for the rank formula, the participant count captured at pass start, and
// a stage-specific phase.
type Cursor struct {
	Phase   int            `json:"phase"`
	Value   int64          `json:"value"`
	Account domain.Account `json:"account"`
	Pos     int            `json:"pos"`
	Total   int            `json:"total"`
	Sum     int64          `json:"sum"`
}

// StageState is the persisted state machine of one pipeline stage.
type StageState struct {
	Stage   string
	Done    bool
	Cursor  Cursor
	Version uint64
}
