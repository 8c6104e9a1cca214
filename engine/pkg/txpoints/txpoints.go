// Package txpoints folds observed token transfers into per-account
// sliding windows of transaction points.
package txpoints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/metrics"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

const (
	// MaxPointsPerTransfer caps how many points one transfer can earn,
	// in amount base units (1777.0000 whole tokens).
	MaxPointsPerTransfer = int64(1777_0000)

	// WindowSize is how many recent transfers count per account. Older
	// entries fall out first-in first-out.
	WindowSize = 26
)

type Config struct {
	Logger *slog.Logger
	Store  state.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Collector records transfer volume into both parties' point windows.
type Collector struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collector{log: cfg.Logger, cfg: cfg}, nil
}

// RecordTransfer credits a capped number of points to both sides of a
// transfer. Self-transfers earn nothing.
func (c *Collector) RecordTransfer(ctx context.Context, from, to domain.Account, amount domain.Amount) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("record transfer: %w", domain.ErrMalformedDirective)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("record transfer: %w", domain.ErrInvalidAmount)
	}
	if from == to {
		return nil
	}
	points := min(int64(amount), MaxPointsPerTransfer)
	err := c.cfg.Store.Update(ctx, func(tx state.Tx) error {
		if err := tx.AppendTxPoints(from, points, WindowSize); err != nil {
			return err
		}
		return tx.AppendTxPoints(to, points, WindowSize)
	})
	if err != nil {
		return err
	}
	metrics.TransfersObserved.Inc()
	c.log.Debug("txpoints: transfer recorded", "from", from, "to", to, "points", points)
	return nil
}
