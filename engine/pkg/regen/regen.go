// Package regen records community votes on organizations' regenerative
// impact. One vote per (org, voter); re-voting replaces the prior vote.
package regen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/metrics"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

type Config struct {
	Logger *slog.Logger
	Store  state.Store
	Clock  clockwork.Clock
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
	return nil
}

type Recorder struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Recorder{log: cfg.Logger, cfg: cfg}, nil
}

// RecordVote stores voter's signed assessment of org, replacing any
// previous vote by the same voter.
func (r *Recorder) RecordVote(ctx context.Context, org, voter domain.Account, delta int64) error {
	if !org.Valid() || !voter.Valid() {
		return fmt.Errorf("regen vote: %w", domain.ErrMalformedDirective)
	}
	if org == voter {
		return fmt.Errorf("regen vote: organization cannot vote on itself: %w", domain.ErrMalformedDirective)
	}
	err := r.cfg.Store.Update(ctx, func(tx state.Tx) error {
		return tx.PutRegenVote(state.RegenVote{
			Org:    org,
			Voter:  voter,
			Delta:  delta,
			CastAt: r.cfg.Clock.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	metrics.RegenVotesTotal.Inc()
	r.log.Debug("regen: vote recorded", "org", org, "voter", voter, "delta", delta)
	return nil
}

// RevokeVote removes voter's standing vote on org, if any.
func (r *Recorder) RevokeVote(ctx context.Context, org, voter domain.Account) error {
	return r.cfg.Store.Update(ctx, func(tx state.Tx) error {
		if _, ok, err := tx.RegenVote(org, voter); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("regen vote %s/%s: %w", org, voter, domain.ErrNotFound)
		}
		return tx.DeleteRegenVote(org, voter)
	})
}

// Median returns the statistical median of vote deltas, truncated toward
// zero for even counts. Zero votes yield zero.
func Median(deltas []int64) int64 {
	n := len(deltas)
	if n == 0 {
		return 0
	}
	sorted := make([]int64, n)
	copy(sorted, deltas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
