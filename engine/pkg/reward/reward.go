// Package reward distributes a period's reward pool across accounts in
// proportion to their published weight-axis ranks.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/metrics"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

// StageDistribute names the distribution pass in the pipeline table.
const StageDistribute = "distribute"

const periodMarker = "distribute"

type Config struct {
	Logger *slog.Logger
	Store  state.Store
	Clock  clockwork.Clock

	// WeightAxis is the published snapshot whose ranks weight each
	// account's share.
	WeightAxis state.Axis

	PeriodLength time.Duration
	BatchSize    int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.WeightAxis == "" {
		cfg.WeightAxis = state.AxisPlanted
	}
	if cfg.PeriodLength <= 0 {
		cfg.PeriodLength = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return nil
}

// Distributor assigns pool shares once per period. A pass walks the
// weight snapshot twice: first summing weights, then crediting each
// account floor(pool × weight / Σweights). The integer remainder stays
// in the pool.
type Distributor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{log: cfg.Logger, cfg: cfg}, nil
}

// Result reports one distribution invocation.
type Result struct {
	Done      bool `json:"done"`
	Processed int  `json:"processed"`
}

const (
	phaseSum    = 0
	phaseCredit = 1
)

// Distribute runs one bounded slice of the current period's distribution.
// Re-invocation resumes an unfinished pass, including one started before
// the current period boundary, or no-ops once the current period is
// complete; the pool argument is captured when the pass starts and ignored
// on resume.
func (d *Distributor) Distribute(ctx context.Context, pool domain.Amount) (Result, error) {
	if pool < 0 {
		return Result{}, fmt.Errorf("distribute: %w", domain.ErrInvalidAmount)
	}
	period := uint64(d.cfg.Clock.Now().UTC().UnixNano() / int64(d.cfg.PeriodLength))
	var res Result
	err := d.cfg.Store.Update(ctx, func(tx state.Tx) error {
		if done, err := alreadyDistributed(tx, period); err != nil {
			return err
		} else if done {
			res = Result{Done: true}
			return nil
		}
		st, err := d.beginOrResume(tx, period, pool)
		if err != nil {
			return err
		}
		if st.Cursor.Phase == phaseSum {
			return d.runSum(tx, &st, &res)
		}
		// Credit under the pass's own period: a pass that straddled a
		// boundary completes for the period it started in.
		return d.runCredit(tx, &st, st.Version, &res)
	})
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(StageDistribute, "error").Inc()
		return Result{}, err
	}
	metrics.StageRunsTotal.WithLabelValues(StageDistribute, "ok").Inc()
	return res, nil
}

func alreadyDistributed(tx state.ReadTx, period uint64) (bool, error) {
	last, ok, err := tx.PeriodMarker(periodMarker)
	if err != nil {
		return false, err
	}
	return ok && last >= period, nil
}

// beginOrResume starts a fresh pass when none is in progress. Any
// unfinished pass resumes, even one started before the current period
// boundary: its partial credits are already in balances, so it must run
// to completion under its own period before the new one begins. The pool
// is stashed in the cursor so resumed invocations keep the original
// amount; rewards-owed records from earlier periods are cleared at pass
// start.
func (d *Distributor) beginOrResume(tx state.Tx, period uint64, pool domain.Amount) (state.StageState, error) {
	st, ok, err := tx.StageState(StageDistribute)
	if err != nil {
		return state.StageState{}, err
	}
	if ok && !st.Done {
		return st, nil
	}
	if err := tx.ClearRewardsOwed(); err != nil {
		return state.StageState{}, err
	}
	return state.StageState{
		Stage:   StageDistribute,
		Version: period,
		Cursor:  state.Cursor{Phase: phaseSum, Value: int64(pool)},
	}, nil
}

// runSum accumulates Σweights across the weight snapshot.
func (d *Distributor) runSum(tx state.Tx, st *state.StageState, res *Result) error {
	cur := st.Cursor
	scores, err := tx.Scores(d.cfg.WeightAxis, cur.Account, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, s := range scores {
		cur.Sum += int64(s.Rank)
		cur.Account = s.Account
	}
	res.Processed = len(scores)
	if len(scores) == d.cfg.BatchSize {
		st.Cursor = cur
		st.Done = false
		return tx.PutStageState(*st)
	}
	cur.Phase = phaseCredit
	cur.Account = ""
	st.Cursor = cur
	st.Done = false
	return tx.PutStageState(*st)
}

// runCredit assigns each account its floor share and marks the period
// done after the last batch.
func (d *Distributor) runCredit(tx state.Tx, st *state.StageState, period uint64, res *Result) error {
	cur := st.Cursor
	pool := domain.Amount(cur.Value)
	scores, err := tx.Scores(d.cfg.WeightAxis, cur.Account, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	var credited int64
	for _, s := range scores {
		cur.Account = s.Account
		if s.Rank == 0 || cur.Sum == 0 {
			continue
		}
		share := domain.Amount(int64(pool) * int64(s.Rank) / cur.Sum)
		if share == 0 {
			continue
		}
		b, _, err := tx.Balance(s.Account)
		if err != nil {
			return err
		}
		b.Account = s.Account
		if b.Reward, err = b.Reward.Add(share); err != nil {
			return err
		}
		if err := tx.PutBalance(b); err != nil {
			return err
		}
		if err := tx.SetRewardOwed(s.Account, share); err != nil {
			return err
		}
		credited += int64(share)
	}
	metrics.DistributedTotal.Add(float64(credited))
	res.Processed = len(scores)
	if len(scores) == d.cfg.BatchSize {
		st.Cursor = cur
		st.Done = false
		return tx.PutStageState(*st)
	}
	st.Cursor = cur
	st.Done = true
	res.Done = true
	if err := tx.PutStageState(*st); err != nil {
		return err
	}
	d.log.Info("reward: period distributed", "period", period, "axis", string(d.cfg.WeightAxis))
	return tx.SetPeriodMarker(periodMarker, period)
}
