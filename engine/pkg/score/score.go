// Package score runs the ranking pipeline: batch-bounded, resumable
// stages that turn raw per-account metrics into published 0-100 axis
// snapshots.
package score

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/metrics"
	"github.com/seedcommons/harvest/engine/pkg/rank"
	"github.com/seedcommons/harvest/engine/pkg/regen"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

// Stage names, in canonical execution order. calctrxpt depends on the
// published reputation snapshot and calccs on the published reputation
// and transactions snapshots.
const (
	StageCalcPlanted = "calcplanted"
	StageRankReps    = "rankreps"
	StageCalcTrxPt   = "calctrxpt"
	StageRankTxs     = "ranktxs"
	StageRankCBSs    = "rankcbss"
	StageCalcMRegens = "calcmregens"
	StageRankRegens  = "rankregens"
	StageCalcCS      = "calccs"
)

// Stages lists every pipeline stage in canonical execution order.
func Stages() []string {
	return []string{
		StageCalcPlanted,
		StageRankReps,
		StageCalcTrxPt,
		StageRankTxs,
		StageRankCBSs,
		StageCalcMRegens,
		StageRankRegens,
		StageCalcCS,
	}
}

type Config struct {
	Logger *slog.Logger
	Store  state.Store

	// BatchSize caps how many items one stage invocation processes.
	BatchSize int

	// MinRegenVoteTotal is the vote-delta sum an organization needs to
	// stay on the regen axis.
	MinRegenVoteTotal int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MinRegenVoteTotal == 0 {
		cfg.MinRegenVoteTotal = 1
	}
	return nil
}

// Runner executes pipeline stages. Each Run call processes at most
// BatchSize items inside one store transaction and reports whether the
// stage's current pass finished. Invoking a finished stage begins a new
// pass against the then-current raw data.
type Runner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Result reports one stage invocation.
type Result struct {
	Done      bool `json:"done"`
	Processed int  `json:"processed"`
}

// Run dispatches one bounded invocation of the named stage.
func (r *Runner) Run(ctx context.Context, stage string) (Result, error) {
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(stage))
	res, err := r.run(ctx, stage)
	timer.ObserveDuration()
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(stage, "error").Inc()
		return Result{}, err
	}
	metrics.StageRunsTotal.WithLabelValues(stage, "ok").Inc()
	r.log.Debug("score: stage ran", "stage", stage, "done", res.Done, "processed", res.Processed)
	return res, nil
}

func (r *Runner) run(ctx context.Context, stage string) (Result, error) {
	switch stage {
	case StageCalcPlanted:
		return r.runRank(ctx, stage, state.AxisPlanted, state.AxisPlanted, rank.Ceiling)
	case StageRankReps:
		return r.runRank(ctx, stage, state.AxisReputation, state.AxisReputation, rank.Ceiling)
	case StageCalcTrxPt:
		return r.runCalcTrxPt(ctx)
	case StageRankTxs:
		return r.runRank(ctx, stage, state.AxisTxs, state.AxisTxs, rank.Ceiling)
	case StageRankCBSs:
		return r.runRank(ctx, stage, state.AxisCBS, state.AxisCBS, rank.Index)
	case StageCalcMRegens:
		return r.runCalcMRegens(ctx)
	case StageRankRegens:
		return r.runRank(ctx, stage, state.AxisRegen, state.AxisRegen, rank.Index)
	case StageCalcCS:
		return r.runCalcCS(ctx)
	default:
		return Result{}, fmt.Errorf("unknown stage %q: %w", stage, domain.ErrNotFound)
	}
}

// Status returns the persisted state of the named stage.
func (r *Runner) Status(ctx context.Context, stage string) (state.StageState, error) {
	var st state.StageState
	err := r.cfg.Store.View(ctx, func(tx state.ReadTx) error {
		var ok bool
		var err error
		st, ok, err = tx.StageState(stage)
		if err != nil {
			return err
		}
		if !ok {
			st = state.StageState{Stage: stage}
		}
		return nil
	})
	return st, err
}

// beginOrResume loads the stage state, starting a fresh pass when none is
// in progress. A fresh rank pass captures the participant count and clears
// any staging leftovers from an aborted earlier pass of the same version.
func beginOrResume(tx state.Tx, stage string, total int) (state.StageState, error) {
	st, ok, err := tx.StageState(stage)
	if err != nil {
		return state.StageState{}, err
	}
	if !ok || st.Done {
		st = state.StageState{
			Stage:   stage,
			Version: st.Version + 1,
			Cursor:  state.Cursor{Total: total},
		}
	}
	return st, nil
}

// runRank executes one bounded slice of a generic ranking pass: walk the
// raw samples of src in (value, account) order, assign each position its
// percentile rank, stage the scores under an unpublished version, and
// publish atomically when the walk completes.
func (r *Runner) runRank(ctx context.Context, stage string, src, dst state.Axis, variant rank.Variant) (Result, error) {
	var res Result
	err := r.cfg.Store.Update(ctx, func(tx state.Tx) error {
		total, err := tx.RawCount(src)
		if err != nil {
			return err
		}
		st, err := beginOrResume(tx, stage, total)
		if err != nil {
			return err
		}
		if st.Cursor.Pos == 0 {
			if err := tx.ClearStagedScores(dst, st.Version); err != nil {
				return err
			}
		}
		cur := st.Cursor
		var after *state.Sample
		if cur.Pos > 0 {
			after = &state.Sample{Account: cur.Account, Value: cur.Value}
		}
		samples, err := tx.RawSamples(src, after, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, s := range samples {
			score := state.AxisScore{
				Account: s.Account,
				Raw:     s.Value,
				Rank:    rank.For(cur.Pos, cur.Total, variant),
			}
			if err := tx.PutStagedScore(dst, st.Version, score); err != nil {
				return err
			}
			cur.Pos++
			cur.Value = s.Value
			cur.Account = s.Account
		}
		res.Processed = len(samples)
		if len(samples) == r.cfg.BatchSize {
			st.Cursor = cur
			return suspend(tx, st)
		}
		if err := tx.PublishScores(dst, st.Version); err != nil {
			return err
		}
		st.Cursor = cur
		st.Done = true
		res.Done = true
		return tx.PutStageState(st)
	})
	return res, err
}

// suspend persists the mid-pass cursor; the pass continues on the next
// invocation.
func suspend(tx state.Tx, st state.StageState) error {
	st.Done = false
	return tx.PutStageState(st)
}

// runCalcTrxPt recomputes each account's transaction points: the window
// sum scaled by the reputation multiplier (100+repRank)/100, rounded up.
// Accounts without a published reputation rank get the base multiplier.
func (r *Runner) runCalcTrxPt(ctx context.Context) (Result, error) {
	var res Result
	err := r.cfg.Store.Update(ctx, func(tx state.Tx) error {
		st, err := beginOrResume(tx, StageCalcTrxPt, 0)
		if err != nil {
			return err
		}
		cur := st.Cursor
		accounts, err := tx.TxAccounts(cur.Account, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, account := range accounts {
			window, err := tx.TxWindow(account)
			if err != nil {
				return err
			}
			var sum int64
			for _, e := range window {
				sum += e.Points
			}
			repRank := uint64(0)
			if s, ok, err := tx.Score(state.AxisReputation, account); err != nil {
				return err
			} else if ok {
				repRank = s.Rank
			}
			points := (sum*int64(100+repRank) + 99) / 100
			if err := tx.SetRaw(state.AxisTxs, account, points); err != nil {
				return err
			}
			cur.Account = account
			cur.Pos++
		}
		res.Processed = len(accounts)
		if len(accounts) == r.cfg.BatchSize {
			st.Cursor = cur
			return suspend(tx, st)
		}
		st.Cursor = cur
		st.Done = true
		res.Done = true
		return tx.PutStageState(st)
	})
	return res, err
}

// runCalcMRegens folds each organization's votes into a regen median.
// Organizations whose vote-delta total falls below the configured minimum
// leave the axis entirely.
func (r *Runner) runCalcMRegens(ctx context.Context) (Result, error) {
	var res Result
	err := r.cfg.Store.Update(ctx, func(tx state.Tx) error {
		st, err := beginOrResume(tx, StageCalcMRegens, 0)
		if err != nil {
			return err
		}
		cur := st.Cursor
		orgs, err := tx.RegenOrgs(cur.Account, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, org := range orgs {
			votes, err := tx.RegenVotes(org)
			if err != nil {
				return err
			}
			var total int64
			deltas := make([]int64, 0, len(votes))
			for _, v := range votes {
				total += v.Delta
				deltas = append(deltas, v.Delta)
			}
			if total >= r.cfg.MinRegenVoteTotal {
				err = tx.SetRaw(state.AxisRegen, org, regen.Median(deltas))
			} else {
				err = tx.DeleteRaw(state.AxisRegen, org)
			}
			if err != nil {
				return err
			}
			cur.Account = org
			cur.Pos++
		}
		res.Processed = len(orgs)
		if len(orgs) == r.cfg.BatchSize {
			st.Cursor = cur
			return suspend(tx, st)
		}
		st.Cursor = cur
		st.Done = true
		res.Done = true
		return tx.PutStageState(st)
	})
	return res, err
}

// runCalcCS builds the contribution axis in two phases. Phase 1 walks the
// published reputation snapshot and writes each account's contribution
// points, the product of its reputation and transactions ranks. Phase 2 is
// a plain Ceiling ranking of those points.
func (r *Runner) runCalcCS(ctx context.Context) (Result, error) {
	var phase2 bool
	var res Result
	err := r.cfg.Store.Update(ctx, func(tx state.Tx) error {
		st, err := beginOrResume(tx, StageCalcCS, 0)
		if err != nil {
			return err
		}
		if st.Cursor.Phase != 0 {
			phase2 = true
			return nil
		}
		if st.Cursor.Pos == 0 {
			// The contribution raws are recomputed wholesale each pass;
			// accounts that left the reputation axis must not linger.
			if err := tx.ClearRaw(state.AxisContribution); err != nil {
				return err
			}
		}
		cur := st.Cursor
		scores, err := tx.Scores(state.AxisReputation, cur.Account, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, rep := range scores {
			txRank := uint64(0)
			if s, ok, err := tx.Score(state.AxisTxs, rep.Account); err != nil {
				return err
			} else if ok {
				txRank = s.Rank
			}
			points := int64(rep.Rank * txRank)
			if err := tx.SetRaw(state.AxisContribution, rep.Account, points); err != nil {
				return err
			}
			cur.Account = rep.Account
			cur.Pos++
		}
		res.Processed = len(scores)
		if len(scores) == r.cfg.BatchSize {
			st.Cursor = cur
			return suspend(tx, st)
		}
		// Phase 1 complete: reset the cursor for the ranking walk and
		// capture the participant count it will rank against.
		total, err := tx.RawCount(state.AxisContribution)
		if err != nil {
			return err
		}
		st.Cursor = state.Cursor{Phase: 1, Total: total}
		st.Done = false
		return tx.PutStageState(st)
	})
	if err != nil || !phase2 {
		return res, err
	}
	return r.runRankPhase(ctx, StageCalcCS, state.AxisContribution, state.AxisContribution, rank.Ceiling)
}

// runRankPhase is runRank for a stage whose cursor is already mid-pass in
// a later phase; it keeps the phase tag while walking.
func (r *Runner) runRankPhase(ctx context.Context, stage string, src, dst state.Axis, variant rank.Variant) (Result, error) {
	var res Result
	err := r.cfg.Store.Update(ctx, func(tx state.Tx) error {
		st, ok, err := tx.StageState(stage)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("stage %s: %w", stage, domain.ErrNotFound)
		}
		if st.Cursor.Pos == 0 {
			if err := tx.ClearStagedScores(dst, st.Version); err != nil {
				return err
			}
		}
		cur := st.Cursor
		var after *state.Sample
		if cur.Pos > 0 {
			after = &state.Sample{Account: cur.Account, Value: cur.Value}
		}
		samples, err := tx.RawSamples(src, after, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, s := range samples {
			score := state.AxisScore{
				Account: s.Account,
				Raw:     s.Value,
				Rank:    rank.For(cur.Pos, cur.Total, variant),
			}
			if err := tx.PutStagedScore(dst, st.Version, score); err != nil {
				return err
			}
			cur.Pos++
			cur.Value = s.Value
			cur.Account = s.Account
		}
		res.Processed = len(samples)
		if len(samples) == r.cfg.BatchSize {
			st.Cursor = cur
			return suspend(tx, st)
		}
		if err := tx.PublishScores(dst, st.Version); err != nil {
			return err
		}
		st.Cursor = cur
		st.Done = true
		res.Done = true
		return tx.PutStageState(st)
	})
	return res, err
}
