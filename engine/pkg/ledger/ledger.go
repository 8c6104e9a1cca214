// Package ledger implements the staked-balance ledger and its unstake
// vesting queue. Every operation runs as one store transaction; a failing
// operation leaves no partial mutation behind.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/memo"
	"github.com/seedcommons/harvest/engine/pkg/metrics"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

// VestingPeriods is the number of linear unlock periods per refund.
const VestingPeriods = 12

// TokenLedger is the outbound port to the external token custody contract.
// ClaimReward pays accrued rewards through it.
type TokenLedger interface {
	Transfer(ctx context.Context, to domain.Account, amount domain.Amount, transferMemo string) error
}

type Config struct {
	Logger       *slog.Logger
	Store        state.Store
	TokenLedger  TokenLedger
	Clock        clockwork.Clock
	PeriodLength time.Duration
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
	if cfg.PeriodLength <= 0 {
		cfg.PeriodLength = 7 * 24 * time.Hour
	}
	return nil
}

// Ledger is the stake ledger and vesting queue service.
type Ledger struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

// Plant stakes amount for account, creating the balance row on first use.
func (l *Ledger) Plant(ctx context.Context, account domain.Account, amount domain.Amount) error {
	if !amount.IsPositive() {
		return fmt.Errorf("plant %s: %w", account, domain.ErrInvalidAmount)
	}
	err := l.cfg.Store.Update(ctx, func(tx state.Tx) error {
		b, _, err := tx.Balance(account)
		if err != nil {
			return err
		}
		b.Account = account
		if b.Planted, err = b.Planted.Add(amount); err != nil {
			return err
		}
		return tx.PutBalance(b)
	})
	if err != nil {
		return err
	}
	metrics.LedgerOps.WithLabelValues("plant").Inc()
	l.log.Debug("ledger: planted", "account", account, "amount", amount.String())
	return nil
}

// Deposit applies an inbound custodial transfer according to its memo
// directive: plant for the sender, or plant for the account named by a
// "sow" memo. A memo that does not parse rejects the whole deposit.
func (l *Ledger) Deposit(ctx context.Context, from domain.Account, amount domain.Amount, rawMemo string) error {
	d, err := memo.Parse(rawMemo)
	if err != nil {
		return err
	}
	target := from
	if d.Kind == memo.PlantForAccount {
		target = d.Target
	}
	return l.Plant(ctx, target, amount)
}

// Unplant moves amount of planted stake into a new vesting entry. The
// principal leaves planted immediately and unlocks in twelfths.
func (l *Ledger) Unplant(ctx context.Context, account domain.Account, amount domain.Amount) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("unplant %s: %w", account, domain.ErrInvalidAmount)
	}
	var id uint64
	err := l.cfg.Store.Update(ctx, func(tx state.Tx) error {
		b, ok, err := tx.Balance(account)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unplant %s: %w", account, domain.ErrInsufficientStake)
		}
		if b.Planted, err = b.Planted.Sub(amount); err != nil {
			return fmt.Errorf("unplant %s: %w", account, err)
		}
		if err := tx.PutBalance(b); err != nil {
			return err
		}
		if id, err = tx.NextRefundID(account); err != nil {
			return err
		}
		return tx.PutRefund(state.Refund{
			Account:     account,
			ID:          id,
			Principal:   amount,
			RequestedAt: l.cfg.Clock.Now().UTC(),
		})
	})
	if err != nil {
		return 0, err
	}
	metrics.LedgerOps.WithLabelValues("unplant").Inc()
	l.log.Debug("ledger: unplanted", "account", account, "amount", amount.String(), "refund_id", id)
	return id, nil
}

// Sow moves planted stake from one account to another without vesting.
func (l *Ledger) Sow(ctx context.Context, from, to domain.Account, amount domain.Amount) error {
	if !amount.IsPositive() {
		return fmt.Errorf("sow %s->%s: %w", from, to, domain.ErrInvalidAmount)
	}
	if from == to {
		return fmt.Errorf("sow %s->%s: %w", from, to, domain.ErrMalformedDirective)
	}
	err := l.cfg.Store.Update(ctx, func(tx state.Tx) error {
		src, ok, err := tx.Balance(from)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("sow %s: %w", from, domain.ErrInsufficientStake)
		}
		if src.Planted, err = src.Planted.Sub(amount); err != nil {
			return fmt.Errorf("sow %s: %w", from, err)
		}
		dst, _, err := tx.Balance(to)
		if err != nil {
			return err
		}
		dst.Account = to
		if dst.Planted, err = dst.Planted.Add(amount); err != nil {
			return err
		}
		if err := l.maybeDropBalance(tx, src); err != nil {
			return err
		}
		return tx.PutBalance(dst)
	})
	if err != nil {
		return err
	}
	metrics.LedgerOps.WithLabelValues("sow").Inc()
	return nil
}

// ClaimRefund releases every vested-but-unclaimed twelfth of a refund into
// the account's reward balance. Claiming before a full period has elapsed
// succeeds and releases nothing; a fully consumed entry is deleted.
func (l *Ledger) ClaimRefund(ctx context.Context, account domain.Account, id uint64) (domain.Amount, error) {
	var released domain.Amount
	err := l.cfg.Store.Update(ctx, func(tx state.Tx) error {
		r, ok, err := tx.Refund(account, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("claim refund %s/%d: %w", account, id, domain.ErrNotFound)
		}
		elapsed := int(l.cfg.Clock.Now().UTC().Sub(r.RequestedAt) / l.cfg.PeriodLength)
		vested := min(VestingPeriods, elapsed)
		if vested <= r.ClaimedPeriods {
			released = 0
			return nil
		}
		released = r.Principal.Twelfths(vested) - r.Principal.Twelfths(r.ClaimedPeriods)
		if vested == VestingPeriods {
			if err := tx.DeleteRefund(account, id); err != nil {
				return err
			}
		} else {
			r.ClaimedPeriods = vested
			if err := tx.PutRefund(r); err != nil {
				return err
			}
		}
		b, _, err := tx.Balance(account)
		if err != nil {
			return err
		}
		b.Account = account
		if b.Reward, err = b.Reward.Add(released); err != nil {
			return err
		}
		return l.maybeDropBalance(tx, b)
	})
	if err != nil {
		return 0, err
	}
	metrics.LedgerOps.WithLabelValues("claimrefund").Inc()
	return released, nil
}

// CancelRefund deletes a pending refund and returns its unclaimed remainder
// directly to planted.
func (l *Ledger) CancelRefund(ctx context.Context, account domain.Account, id uint64) error {
	err := l.cfg.Store.Update(ctx, func(tx state.Tx) error {
		r, ok, err := tx.Refund(account, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cancel refund %s/%d: %w", account, id, domain.ErrNotFound)
		}
		remainder := r.Principal - r.Principal.Twelfths(r.ClaimedPeriods)
		if err := tx.DeleteRefund(account, id); err != nil {
			return err
		}
		b, _, err := tx.Balance(account)
		if err != nil {
			return err
		}
		b.Account = account
		if b.Planted, err = b.Planted.Add(remainder); err != nil {
			return err
		}
		return l.maybeDropBalance(tx, b)
	})
	if err != nil {
		return err
	}
	metrics.LedgerOps.WithLabelValues("cancelrefund").Inc()
	return nil
}

// ClaimReward pays the account's accrued reward out through the token
// ledger and zeroes it. Claiming with nothing accrued fails with NotFound.
func (l *Ledger) ClaimReward(ctx context.Context, account domain.Account) (domain.Amount, error) {
	var paid domain.Amount
	err := l.cfg.Store.Update(ctx, func(tx state.Tx) error {
		b, ok, err := tx.Balance(account)
		if err != nil {
			return err
		}
		if !ok || b.Reward == 0 {
			return fmt.Errorf("claim reward %s: %w", account, domain.ErrNotFound)
		}
		paid = b.Reward
		b.Reward = 0
		if err := l.maybeDropBalance(tx, b); err != nil {
			return err
		}
		return l.cfg.TokenLedger.Transfer(ctx, account, paid, "harvest reward")
	})
	if err != nil {
		return 0, err
	}
	metrics.LedgerOps.WithLabelValues("claimreward").Inc()
	l.log.Info("ledger: reward claimed", "account", account, "amount", paid.String())
	return paid, nil
}

// maybeDropBalance deletes a fully zeroed balance row once no vesting
// entries remain, otherwise writes it back.
func (l *Ledger) maybeDropBalance(tx state.Tx, b state.Balance) error {
	if b.Planted != 0 || b.Reward != 0 {
		return tx.PutBalance(b)
	}
	refunds, err := tx.Refunds(b.Account)
	if err != nil {
		return err
	}
	if len(refunds) > 0 {
		return tx.PutBalance(b)
	}
	return tx.DeleteBalance(b.Account)
}
