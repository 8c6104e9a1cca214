// Package engine wires the ledger, collectors, ranking pipeline, and
// reward distributor behind one facade. The API and admin surfaces talk
// only to this package.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/ledger"
	"github.com/seedcommons/harvest/engine/pkg/regen"
	"github.com/seedcommons/harvest/engine/pkg/reward"
	"github.com/seedcommons/harvest/engine/pkg/score"
	"github.com/seedcommons/harvest/engine/pkg/state"
	"github.com/seedcommons/harvest/engine/pkg/txpoints"
)

type Config struct {
	Logger      *slog.Logger
	Store       state.Store
	TokenLedger ledger.TokenLedger
	Clock       clockwork.Clock

	BatchSize         int
	PeriodLength      time.Duration
	WeightAxis        state.Axis
	MinRegenVoteTotal int64

	// DefaultPool is the reward pool used when a distribution run does
	// not name one.
	DefaultPool domain.Amount
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.TokenLedger == nil {
		return errors.New("token ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.PeriodLength <= 0 {
		cfg.PeriodLength = 7 * 24 * time.Hour
	}
	if cfg.WeightAxis == "" {
		cfg.WeightAxis = state.AxisPlanted
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config

	ledger      *ledger.Ledger
	collector   *txpoints.Collector
	regen       *regen.Recorder
	runner      *score.Runner
	distributor *reward.Distributor
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	led, err := ledger.New(ledger.Config{
		Logger:       cfg.Logger,
		Store:        cfg.Store,
		TokenLedger:  cfg.TokenLedger,
		Clock:        cfg.Clock,
		PeriodLength: cfg.PeriodLength,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	col, err := txpoints.New(txpoints.Config{Logger: cfg.Logger, Store: cfg.Store})
	if err != nil {
		return nil, fmt.Errorf("txpoints: %w", err)
	}
	rec, err := regen.New(regen.Config{Logger: cfg.Logger, Store: cfg.Store, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("regen: %w", err)
	}
	runner, err := score.New(score.Config{
		Logger:            cfg.Logger,
		Store:             cfg.Store,
		BatchSize:         cfg.BatchSize,
		MinRegenVoteTotal: cfg.MinRegenVoteTotal,
	})
	if err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}
	dist, err := reward.New(reward.Config{
		Logger:       cfg.Logger,
		Store:        cfg.Store,
		Clock:        cfg.Clock,
		WeightAxis:   cfg.WeightAxis,
		PeriodLength: cfg.PeriodLength,
		BatchSize:    cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reward: %w", err)
	}
	return &Engine{
		log:         cfg.Logger,
		cfg:         cfg,
		ledger:      led,
		collector:   col,
		regen:       rec,
		runner:      runner,
		distributor: dist,
	}, nil
}

// Ledger operations.

func (e *Engine) Plant(ctx context.Context, account domain.Account, amount domain.Amount) error {
	return e.ledger.Plant(ctx, account, amount)
}

func (e *Engine) Deposit(ctx context.Context, from domain.Account, amount domain.Amount, memo string) error {
	return e.ledger.Deposit(ctx, from, amount, memo)
}

func (e *Engine) Unplant(ctx context.Context, account domain.Account, amount domain.Amount) (uint64, error) {
	return e.ledger.Unplant(ctx, account, amount)
}

func (e *Engine) Sow(ctx context.Context, from, to domain.Account, amount domain.Amount) error {
	return e.ledger.Sow(ctx, from, to, amount)
}

func (e *Engine) ClaimRefund(ctx context.Context, account domain.Account, id uint64) (domain.Amount, error) {
	return e.ledger.ClaimRefund(ctx, account, id)
}

func (e *Engine) CancelRefund(ctx context.Context, account domain.Account, id uint64) error {
	return e.ledger.CancelRefund(ctx, account, id)
}

func (e *Engine) ClaimReward(ctx context.Context, account domain.Account) (domain.Amount, error) {
	return e.ledger.ClaimReward(ctx, account)
}

// Metric feeds.

func (e *Engine) RecordTransfer(ctx context.Context, from, to domain.Account, amount domain.Amount) error {
	return e.collector.RecordTransfer(ctx, from, to, amount)
}

func (e *Engine) RecordRegenVote(ctx context.Context, org, voter domain.Account, delta int64) error {
	return e.regen.RecordVote(ctx, org, voter, delta)
}

func (e *Engine) RevokeRegenVote(ctx context.Context, org, voter domain.Account) error {
	return e.regen.RevokeVote(ctx, org, voter)
}

// RecordReputation sets an account's externally assessed reputation points.
func (e *Engine) RecordReputation(ctx context.Context, account domain.Account, points int64) error {
	return e.recordRaw(ctx, state.AxisReputation, account, points)
}

// RecordCommunityBuilding sets an account's community-building points.
func (e *Engine) RecordCommunityBuilding(ctx context.Context, account domain.Account, points int64) error {
	return e.recordRaw(ctx, state.AxisCBS, account, points)
}

func (e *Engine) recordRaw(ctx context.Context, axis state.Axis, account domain.Account, points int64) error {
	if !account.Valid() {
		return fmt.Errorf("record %s: %w", axis, domain.ErrMalformedDirective)
	}
	if points < 0 {
		return fmt.Errorf("record %s: %w", axis, domain.ErrInvalidAmount)
	}
	return e.cfg.Store.Update(ctx, func(tx state.Tx) error {
		if points == 0 {
			return tx.DeleteRaw(axis, account)
		}
		return tx.SetRaw(axis, account, points)
	})
}

// Pipeline.

// Stages lists every runnable stage, ranking stages first, distribution
// last.
func (e *Engine) Stages() []string {
	return append(score.Stages(), reward.StageDistribute)
}

// RunStage executes one bounded invocation of a stage. Distribution runs
// with the configured default pool.
func (e *Engine) RunStage(ctx context.Context, stage string) (score.Result, error) {
	if stage == reward.StageDistribute {
		res, err := e.distributor.Distribute(ctx, e.cfg.DefaultPool)
		return score.Result{Done: res.Done, Processed: res.Processed}, err
	}
	return e.runner.Run(ctx, stage)
}

// Distribute runs one bounded distribution invocation with an explicit
// pool.
func (e *Engine) Distribute(ctx context.Context, pool domain.Amount) (reward.Result, error) {
	return e.distributor.Distribute(ctx, pool)
}

// RunStageToCompletion re-invokes a stage until its pass finishes.
// maxInvocations bounds runaway passes; exceeding it surfaces as a budget
// error.
func (e *Engine) RunStageToCompletion(ctx context.Context, stage string, maxInvocations int) (int, error) {
	if maxInvocations <= 0 {
		maxInvocations = 10000
	}
	processed := 0
	for i := 0; i < maxInvocations; i++ {
		res, err := e.RunStage(ctx, stage)
		if err != nil {
			return processed, err
		}
		processed += res.Processed
		if res.Done {
			return processed, nil
		}
	}
	return processed, fmt.Errorf("stage %s incomplete after %d invocations: %w", stage, maxInvocations, domain.ErrBudgetExceeded)
}

// StageStatus returns a stage's persisted pipeline state.
func (e *Engine) StageStatus(ctx context.Context, stage string) (state.StageState, error) {
	return e.runner.Status(ctx, stage)
}

// Store exposes the engine's store for read-only query surfaces.
func (e *Engine) Store() state.Store {
	return e.cfg.Store
}

// Reset wipes all engine state.
func (e *Engine) Reset(ctx context.Context) error {
	e.log.Warn("engine: resetting all state")
	return e.cfg.Store.Reset(ctx)
}
