// Package pgstate is the PostgreSQL-backed state store. Update runs its
// mutations inside one serializable transaction; serialization failures
// surface to the caller for retry.
package pgstate

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for goose
	"github.com/pressly/goose/v3"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Config struct {
	Logger        *slog.Logger
	ConnStr       string
	MaxConns      int32
	RunMigrations bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConnStr == "" {
		return errors.New("connection string is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := Migrate(cfg.ConnStr); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{log: cfg.Logger, pool: pool}, nil
}

// Migrate applies all pending schema migrations.
func Migrate(connStr string) error {
	goose.SetBaseFS(embedMigrations)
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(state.ReadTx) error) error {
	return s.inTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(t *ptx) error {
		return fn(t)
	})
}

func (s *Store) Update(ctx context.Context, fn func(state.Tx) error) error {
	return s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(t *ptx) error {
		return fn(t)
	})
}

func (s *Store) inTx(ctx context.Context, opts pgx.TxOptions, fn func(*ptx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&ptx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var resetTables = []string{
	"balances", "refund_seqs", "refunds", "tx_seqs", "tx_windows",
	"raw_metrics", "regen_votes", "axis_scores", "published_axes",
	"rewards_owed", "pipeline", "periods",
}

func (s *Store) Reset(ctx context.Context) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(t *ptx) error {
		for _, table := range resetTables {
			if _, err := t.tx.Exec(ctx, "TRUNCATE "+table); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ptx adapts one pgx transaction to the state.Tx contract.
type ptx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *ptx) Balance(account domain.Account) (state.Balance, bool, error) {
	var b state.Balance
	err := t.tx.QueryRow(t.ctx,
		`SELECT account, planted, reward FROM balances WHERE account = $1`,
		account).Scan(&b.Account, &b.Planted, &b.Reward)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.Balance{}, false, nil
	}
	if err != nil {
		return state.Balance{}, false, err
	}
	return b, true, nil
}

func (t *ptx) Balances(start domain.Account, limit int) ([]state.Balance, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT account, planted, reward FROM balances WHERE account > $1 ORDER BY account LIMIT $2`,
		start, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Balance
	for rows.Next() {
		var b state.Balance
		if err := rows.Scan(&b.Account, &b.Planted, &b.Reward); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *ptx) PutBalance(b state.Balance) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO balances (account, planted, reward) VALUES ($1, $2, $3)
		 ON CONFLICT (account) DO UPDATE SET planted = $2, reward = $3`,
		b.Account, b.Planted, b.Reward)
	return err
}

func (t *ptx) DeleteBalance(account domain.Account) error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM balances WHERE account = $1`, account)
	return err
}

func (t *ptx) Refund(account domain.Account, id uint64) (state.Refund, bool, error) {
	var r state.Refund
	err := t.tx.QueryRow(t.ctx,
		`SELECT account, id, principal, requested_at, claimed_periods
		 FROM refunds WHERE account = $1 AND id = $2`,
		account, int64(id)).Scan(&r.Account, &r.ID, &r.Principal, &r.RequestedAt, &r.ClaimedPeriods)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.Refund{}, false, nil
	}
	if err != nil {
		return state.Refund{}, false, err
	}
	return r, true, nil
}

func (t *ptx) Refunds(account domain.Account) ([]state.Refund, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT account, id, principal, requested_at, claimed_periods
		 FROM refunds WHERE account = $1 ORDER BY id`,
		account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Refund
	for rows.Next() {
		var r state.Refund
		if err := rows.Scan(&r.Account, &r.ID, &r.Principal, &r.RequestedAt, &r.ClaimedPeriods); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *ptx) NextRefundID(account domain.Account) (uint64, error) {
	var id int64
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO refund_seqs (account, last_id) VALUES ($1, 1)
		 ON CONFLICT (account) DO UPDATE SET last_id = refund_seqs.last_id + 1
		 RETURNING last_id`,
		account).Scan(&id)
	return uint64(id), err
}

func (t *ptx) PutRefund(r state.Refund) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO refunds (account, id, principal, requested_at, claimed_periods)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account, id) DO UPDATE SET claimed_periods = $5`,
		r.Account, int64(r.ID), r.Principal, r.RequestedAt, r.ClaimedPeriods)
	return err
}

func (t *ptx) DeleteRefund(account domain.Account, id uint64) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM refunds WHERE account = $1 AND id = $2`, account, int64(id))
	return err
}

func (t *ptx) TxWindow(account domain.Account) ([]state.TxEntry, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT seq, points FROM tx_windows WHERE account = $1 ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.TxEntry
	for rows.Next() {
		var e state.TxEntry
		if err := rows.Scan(&e.Seq, &e.Points); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *ptx) TxAccounts(start domain.Account, limit int) ([]domain.Account, error) {
	return t.accountList(
		`SELECT DISTINCT account FROM tx_windows WHERE account > $1 ORDER BY account LIMIT $2`,
		start, limit)
}

func (t *ptx) AppendTxPoints(account domain.Account, points int64, window int) error {
	var seq int64
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO tx_seqs (account, last_seq) VALUES ($1, 1)
		 ON CONFLICT (account) DO UPDATE SET last_seq = tx_seqs.last_seq + 1
		 RETURNING last_seq`,
		account).Scan(&seq)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(t.ctx,
		`INSERT INTO tx_windows (account, seq, points) VALUES ($1, $2, $3)`,
		account, seq, points); err != nil {
		return err
	}
	// Seqs are dense per account, so the window is a simple cutoff.
	_, err = t.tx.Exec(t.ctx,
		`DELETE FROM tx_windows WHERE account = $1 AND seq <= $2`,
		account, seq-int64(window))
	return err
}

func (t *ptx) Raw(axis state.Axis, account domain.Account) (int64, bool, error) {
	var v int64
	var err error
	if axis == state.AxisPlanted {
		err = t.tx.QueryRow(t.ctx,
			`SELECT planted FROM balances WHERE account = $1`, account).Scan(&v)
	} else {
		err = t.tx.QueryRow(t.ctx,
			`SELECT value FROM raw_metrics WHERE axis = $1 AND account = $2`, axis, account).Scan(&v)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (t *ptx) RawSamples(axis state.Axis, after *state.Sample, limit int) ([]state.Sample, error) {
	var afterValue int64
	var afterAccount domain.Account
	if after != nil {
		afterValue, afterAccount = after.Value, after.Account
	} else {
		afterValue = -1 << 63
	}
	var rows pgx.Rows
	var err error
	if axis == state.AxisPlanted {
		rows, err = t.tx.Query(t.ctx,
			`SELECT account, planted FROM balances
			 WHERE (planted, account) > ($1, $2)
			 ORDER BY planted, account LIMIT $3`,
			afterValue, afterAccount, limit)
	} else {
		rows, err = t.tx.Query(t.ctx,
			`SELECT account, value FROM raw_metrics
			 WHERE axis = $1 AND (value, account) > ($2, $3)
			 ORDER BY value, account LIMIT $4`,
			axis, afterValue, afterAccount, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Sample
	for rows.Next() {
		var s state.Sample
		if err := rows.Scan(&s.Account, &s.Value); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *ptx) RawCount(axis state.Axis) (int, error) {
	var n int
	var err error
	if axis == state.AxisPlanted {
		err = t.tx.QueryRow(t.ctx, `SELECT count(*) FROM balances`).Scan(&n)
	} else {
		err = t.tx.QueryRow(t.ctx,
			`SELECT count(*) FROM raw_metrics WHERE axis = $1`, axis).Scan(&n)
	}
	return n, err
}

func (t *ptx) SetRaw(axis state.Axis, account domain.Account, value int64) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO raw_metrics (axis, account, value) VALUES ($1, $2, $3)
		 ON CONFLICT (axis, account) DO UPDATE SET value = $3`,
		axis, account, value)
	return err
}

func (t *ptx) DeleteRaw(axis state.Axis, account domain.Account) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM raw_metrics WHERE axis = $1 AND account = $2`, axis, account)
	return err
}

func (t *ptx) ClearRaw(axis state.Axis) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM raw_metrics WHERE axis = $1`, axis)
	return err
}

func (t *ptx) RegenVote(org, voter domain.Account) (state.RegenVote, bool, error) {
	var v state.RegenVote
	err := t.tx.QueryRow(t.ctx,
		`SELECT org, voter, delta, cast_at FROM regen_votes WHERE org = $1 AND voter = $2`,
		org, voter).Scan(&v.Org, &v.Voter, &v.Delta, &v.CastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.RegenVote{}, false, nil
	}
	if err != nil {
		return state.RegenVote{}, false, err
	}
	return v, true, nil
}

func (t *ptx) RegenVotes(org domain.Account) ([]state.RegenVote, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT org, voter, delta, cast_at FROM regen_votes WHERE org = $1 ORDER BY voter`, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.RegenVote
	for rows.Next() {
		var v state.RegenVote
		if err := rows.Scan(&v.Org, &v.Voter, &v.Delta, &v.CastAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *ptx) RegenOrgs(start domain.Account, limit int) ([]domain.Account, error) {
	return t.accountList(
		`SELECT DISTINCT org FROM regen_votes WHERE org > $1 ORDER BY org LIMIT $2`,
		start, limit)
}

func (t *ptx) PutRegenVote(v state.RegenVote) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO regen_votes (org, voter, delta, cast_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org, voter) DO UPDATE SET delta = $3, cast_at = $4`,
		v.Org, v.Voter, v.Delta, v.CastAt)
	return err
}

func (t *ptx) DeleteRegenVote(org, voter domain.Account) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM regen_votes WHERE org = $1 AND voter = $2`, org, voter)
	return err
}

func (t *ptx) Score(axis state.Axis, account domain.Account) (state.AxisScore, bool, error) {
	var s state.AxisScore
	err := t.tx.QueryRow(t.ctx,
		`SELECT s.account, s.raw_value, s.rank
		 FROM axis_scores s
		 JOIN published_axes p ON p.axis = s.axis AND p.version = s.version
		 WHERE s.axis = $1 AND s.account = $2`,
		axis, account).Scan(&s.Account, &s.Raw, &s.Rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.AxisScore{}, false, nil
	}
	if err != nil {
		return state.AxisScore{}, false, err
	}
	return s, true, nil
}

func (t *ptx) Scores(axis state.Axis, start domain.Account, limit int) ([]state.AxisScore, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT s.account, s.raw_value, s.rank
		 FROM axis_scores s
		 JOIN published_axes p ON p.axis = s.axis AND p.version = s.version
		 WHERE s.axis = $1 AND s.account > $2
		 ORDER BY s.account LIMIT $3`,
		axis, start, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.AxisScore
	for rows.Next() {
		var s state.AxisScore
		if err := rows.Scan(&s.Account, &s.Raw, &s.Rank); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *ptx) PutStagedScore(axis state.Axis, version uint64, s state.AxisScore) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO axis_scores (axis, version, account, raw_value, rank)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (axis, version, account) DO UPDATE SET raw_value = $4, rank = $5`,
		axis, int64(version), s.Account, s.Raw, int64(s.Rank))
	return err
}

func (t *ptx) ClearStagedScores(axis state.Axis, version uint64) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM axis_scores WHERE axis = $1 AND version = $2`, axis, int64(version))
	return err
}

func (t *ptx) PublishScores(axis state.Axis, version uint64) error {
	if _, err := t.tx.Exec(t.ctx,
		`INSERT INTO published_axes (axis, version) VALUES ($1, $2)
		 ON CONFLICT (axis) DO UPDATE SET version = $2`,
		axis, int64(version)); err != nil {
		return err
	}
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM axis_scores WHERE axis = $1 AND version <> $2`, axis, int64(version))
	return err
}

func (t *ptx) RewardOwed(account domain.Account) (domain.Amount, bool, error) {
	var a domain.Amount
	err := t.tx.QueryRow(t.ctx,
		`SELECT amount FROM rewards_owed WHERE account = $1`, account).Scan(&a)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return a, true, nil
}

func (t *ptx) SetRewardOwed(account domain.Account, amount domain.Amount) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO rewards_owed (account, amount) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET amount = $2`,
		account, amount)
	return err
}

func (t *ptx) ClearRewardsOwed() error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM rewards_owed`)
	return err
}

func (t *ptx) StageState(stage string) (state.StageState, bool, error) {
	var st state.StageState
	var cursor []byte
	var version int64
	err := t.tx.QueryRow(t.ctx,
		`SELECT stage, done, cursor, version FROM pipeline WHERE stage = $1`,
		stage).Scan(&st.Stage, &st.Done, &cursor, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.StageState{}, false, nil
	}
	if err != nil {
		return state.StageState{}, false, err
	}
	if err := json.Unmarshal(cursor, &st.Cursor); err != nil {
		return state.StageState{}, false, fmt.Errorf("failed to decode cursor for stage %s: %w", stage, err)
	}
	st.Version = uint64(version)
	return st, true, nil
}

func (t *ptx) PutStageState(st state.StageState) error {
	cursor, err := json.Marshal(st.Cursor)
	if err != nil {
		return fmt.Errorf("failed to encode cursor for stage %s: %w", st.Stage, err)
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO pipeline (stage, done, cursor, version) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stage) DO UPDATE SET done = $2, cursor = $3, version = $4`,
		st.Stage, st.Done, cursor, int64(st.Version))
	return err
}

func (t *ptx) PeriodMarker(name string) (uint64, bool, error) {
	var p int64
	err := t.tx.QueryRow(t.ctx,
		`SELECT period FROM periods WHERE name = $1`, name).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(p), true, nil
}

func (t *ptx) SetPeriodMarker(name string, period uint64) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO periods (name, period) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET period = $2`,
		name, int64(period))
	return err
}

func (t *ptx) accountList(query string, start domain.Account, limit int) ([]domain.Account, error) {
	rows, err := t.tx.Query(t.ctx, query, start, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
