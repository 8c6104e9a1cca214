// Package memstate is the in-memory state.Store. Updates run against a deep
// copy of the state that is swapped in only when the transaction function
// succeeds, so a failed operation never leaves partial mutations behind.
package memstate

import (
	"context"
	"sort"
	"sync"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/state"
)

type tables struct {
	balances   map[domain.Account]state.Balance
	refundSeqs map[domain.Account]uint64
	refunds    map[domain.Account]map[uint64]state.Refund
	txSeqs     map[domain.Account]uint64
	txWindows  map[domain.Account][]state.TxEntry
	raws       map[state.Axis]map[domain.Account]int64
	votes      map[domain.Account]map[domain.Account]state.RegenVote
	staged     map[state.Axis]map[uint64]map[domain.Account]state.AxisScore
	published  map[state.Axis]uint64
	rewards    map[domain.Account]domain.Amount
	stages     map[string]state.StageState
	periods    map[string]uint64
}

func newTables() *tables {
	return &tables{
		balances:   map[domain.Account]state.Balance{},
		refundSeqs: map[domain.Account]uint64{},
		refunds:    map[domain.Account]map[uint64]state.Refund{},
		txSeqs:     map[domain.Account]uint64{},
		txWindows:  map[domain.Account][]state.TxEntry{},
		raws:       map[state.Axis]map[domain.Account]int64{},
		votes:      map[domain.Account]map[domain.Account]state.RegenVote{},
		staged:     map[state.Axis]map[uint64]map[domain.Account]state.AxisScore{},
		published:  map[state.Axis]uint64{},
		rewards:    map[domain.Account]domain.Amount{},
		stages:     map[string]state.StageState{},
		periods:    map[string]uint64{},
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.balances {
		c.balances[k] = v
	}
	for k, v := range t.refundSeqs {
		c.refundSeqs[k] = v
	}
	for k, m := range t.refunds {
		cm := make(map[uint64]state.Refund, len(m))
		for id, r := range m {
			cm[id] = r
		}
		c.refunds[k] = cm
	}
	for k, v := range t.txSeqs {
		c.txSeqs[k] = v
	}
	for k, w := range t.txWindows {
		c.txWindows[k] = append([]state.TxEntry(nil), w...)
	}
	for a, m := range t.raws {
		cm := make(map[domain.Account]int64, len(m))
		for k, v := range m {
			cm[k] = v
		}
		c.raws[a] = cm
	}
	for org, m := range t.votes {
		cm := make(map[domain.Account]state.RegenVote, len(m))
		for k, v := range m {
			cm[k] = v
		}
		c.votes[org] = cm
	}
	for a, vm := range t.staged {
		cvm := make(map[uint64]map[domain.Account]state.AxisScore, len(vm))
		for ver, m := range vm {
			cm := make(map[domain.Account]state.AxisScore, len(m))
			for k, v := range m {
				cm[k] = v
			}
			cvm[ver] = cm
		}
		c.staged[a] = cvm
	}
	for k, v := range t.published {
		c.published[k] = v
	}
	for k, v := range t.rewards {
		c.rewards[k] = v
	}
	for k, v := range t.stages {
		c.stages[k] = v
	}
	for k, v := range t.periods {
		c.periods[k] = v
	}
	return c
}

// Store is an in-memory state.Store.
type Store struct {
	mu sync.RWMutex
	t  *tables
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{t: newTables()}
}

func (s *Store) View(ctx context.Context, fn func(state.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{t: s.t})
}

func (s *Store) Update(ctx context.Context, fn func(state.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.t.clone()
	if err := fn(&tx{t: next}); err != nil {
		return err
	}
	s.t = next
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = newTables()
	return nil
}

func (s *Store) Close() error { return nil }

// tx implements state.Tx over a tables value. The store's locking makes the
// whole transaction single-threaded, so methods never lock.
type tx struct {
	t *tables
}

func (x *tx) Balance(account domain.Account) (state.Balance, bool, error) {
	b, ok := x.t.balances[account]
	return b, ok, nil
}

func (x *tx) Balances(start domain.Account, limit int) ([]state.Balance, error) {
	accounts := sortedKeysAfter(x.t.balances, start)
	out := make([]state.Balance, 0, min(limit, len(accounts)))
	for _, a := range accounts {
		if len(out) == limit {
			break
		}
		out = append(out, x.t.balances[a])
	}
	return out, nil
}

func (x *tx) PutBalance(b state.Balance) error {
	x.t.balances[b.Account] = b
	return nil
}

func (x *tx) DeleteBalance(account domain.Account) error {
	delete(x.t.balances, account)
	return nil
}

func (x *tx) Refund(account domain.Account, id uint64) (state.Refund, bool, error) {
	r, ok := x.t.refunds[account][id]
	return r, ok, nil
}

func (x *tx) Refunds(account domain.Account) ([]state.Refund, error) {
	m := x.t.refunds[account]
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]state.Refund, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out, nil
}

func (x *tx) NextRefundID(account domain.Account) (uint64, error) {
	x.t.refundSeqs[account]++
	return x.t.refundSeqs[account], nil
}

func (x *tx) PutRefund(r state.Refund) error {
	m := x.t.refunds[r.Account]
	if m == nil {
		m = map[uint64]state.Refund{}
		x.t.refunds[r.Account] = m
	}
	m[r.ID] = r
	return nil
}

func (x *tx) DeleteRefund(account domain.Account, id uint64) error {
	delete(x.t.refunds[account], id)
	if len(x.t.refunds[account]) == 0 {
		delete(x.t.refunds, account)
	}
	return nil
}

func (x *tx) TxWindow(account domain.Account) ([]state.TxEntry, error) {
	return append([]state.TxEntry(nil), x.t.txWindows[account]...), nil
}

func (x *tx) TxAccounts(start domain.Account, limit int) ([]domain.Account, error) {
	accounts := sortedKeysAfter(x.t.txWindows, start)
	if len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

func (x *tx) AppendTxPoints(account domain.Account, points int64, window int) error {
	x.t.txSeqs[account]++
	entries := append(x.t.txWindows[account], state.TxEntry{Seq: x.t.txSeqs[account], Points: points})
	if over := len(entries) - window; over > 0 {
		entries = append([]state.TxEntry(nil), entries[over:]...)
	}
	x.t.txWindows[account] = entries
	return nil
}

func (x *tx) Raw(axis state.Axis, account domain.Account) (int64, bool, error) {
	if axis == state.AxisPlanted {
		b, ok := x.t.balances[account]
		return int64(b.Planted), ok, nil
	}
	v, ok := x.t.raws[axis][account]
	return v, ok, nil
}

func (x *tx) RawSamples(axis state.Axis, after *state.Sample, limit int) ([]state.Sample, error) {
	var all []state.Sample
	if axis == state.AxisPlanted {
		for a, b := range x.t.balances {
			all = append(all, state.Sample{Account: a, Value: int64(b.Planted)})
		}
	} else {
		for a, v := range x.t.raws[axis] {
			all = append(all, state.Sample{Account: a, Value: v})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Value != all[j].Value {
			return all[i].Value < all[j].Value
		}
		return all[i].Account < all[j].Account
	})
	out := make([]state.Sample, 0, limit)
	for _, s := range all {
		if after != nil && !sampleAfter(s, *after) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (x *tx) RawCount(axis state.Axis) (int, error) {
	if axis == state.AxisPlanted {
		return len(x.t.balances), nil
	}
	return len(x.t.raws[axis]), nil
}

func (x *tx) SetRaw(axis state.Axis, account domain.Account, value int64) error {
	m := x.t.raws[axis]
	if m == nil {
		m = map[domain.Account]int64{}
		x.t.raws[axis] = m
	}
	m[account] = value
	return nil
}

func (x *tx) DeleteRaw(axis state.Axis, account domain.Account) error {
	delete(x.t.raws[axis], account)
	return nil
}

func (x *tx) ClearRaw(axis state.Axis) error {
	delete(x.t.raws, axis)
	return nil
}

func (x *tx) RegenVote(org, voter domain.Account) (state.RegenVote, bool, error) {
	v, ok := x.t.votes[org][voter]
	return v, ok, nil
}

func (x *tx) RegenVotes(org domain.Account) ([]state.RegenVote, error) {
	m := x.t.votes[org]
	voters := make([]domain.Account, 0, len(m))
	for v := range m {
		voters = append(voters, v)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	out := make([]state.RegenVote, 0, len(voters))
	for _, v := range voters {
		out = append(out, m[v])
	}
	return out, nil
}

func (x *tx) RegenOrgs(start domain.Account, limit int) ([]domain.Account, error) {
	orgs := sortedKeysAfter(x.t.votes, start)
	if len(orgs) > limit {
		orgs = orgs[:limit]
	}
	return orgs, nil
}

func (x *tx) PutRegenVote(v state.RegenVote) error {
	m := x.t.votes[v.Org]
	if m == nil {
		m = map[domain.Account]state.RegenVote{}
		x.t.votes[v.Org] = m
	}
	m[v.Voter] = v
	return nil
}

func (x *tx) DeleteRegenVote(org, voter domain.Account) error {
	delete(x.t.votes[org], voter)
	if len(x.t.votes[org]) == 0 {
		delete(x.t.votes, org)
	}
	return nil
}

func (x *tx) Score(axis state.Axis, account domain.Account) (state.AxisScore, bool, error) {
	ver, ok := x.t.published[axis]
	if !ok {
		return state.AxisScore{}, false, nil
	}
	s, ok := x.t.staged[axis][ver][account]
	return s, ok, nil
}

func (x *tx) Scores(axis state.Axis, start domain.Account, limit int) ([]state.AxisScore, error) {
	ver, ok := x.t.published[axis]
	if !ok {
		return nil, nil
	}
	m := x.t.staged[axis][ver]
	accounts := sortedKeysAfter(m, start)
	out := make([]state.AxisScore, 0, min(limit, len(accounts)))
	for _, a := range accounts {
		if len(out) == limit {
			break
		}
		out = append(out, m[a])
	}
	return out, nil
}

func (x *tx) PutStagedScore(axis state.Axis, version uint64, s state.AxisScore) error {
	vm := x.t.staged[axis]
	if vm == nil {
		vm = map[uint64]map[domain.Account]state.AxisScore{}
		x.t.staged[axis] = vm
	}
	m := vm[version]
	if m == nil {
		m = map[domain.Account]state.AxisScore{}
		vm[version] = m
	}
	m[s.Account] = s
	return nil
}

func (x *tx) ClearStagedScores(axis state.Axis, version uint64) error {
	if vm := x.t.staged[axis]; vm != nil {
		delete(vm, version)
	}
	return nil
}

func (x *tx) PublishScores(axis state.Axis, version uint64) error {
	x.t.published[axis] = version
	for ver := range x.t.staged[axis] {
		if ver != version {
			delete(x.t.staged[axis], ver)
		}
	}
	return nil
}

func (x *tx) RewardOwed(account domain.Account) (domain.Amount, bool, error) {
	v, ok := x.t.rewards[account]
	return v, ok, nil
}

func (x *tx) SetRewardOwed(account domain.Account, amount domain.Amount) error {
	x.t.rewards[account] = amount
	return nil
}

func (x *tx) ClearRewardsOwed() error {
	x.t.rewards = map[domain.Account]domain.Amount{}
	return nil
}

func (x *tx) StageState(stage string) (state.StageState, bool, error) {
	s, ok := x.t.stages[stage]
	return s, ok, nil
}

func (x *tx) PutStageState(s state.StageState) error {
	x.t.stages[s.Stage] = s
	return nil
}

func (x *tx) PeriodMarker(name string) (uint64, bool, error) {
	p, ok := x.t.periods[name]
	return p, ok, nil
}

func (x *tx) SetPeriodMarker(name string, period uint64) error {
	x.t.periods[name] = period
	return nil
}

func sampleAfter(s, after state.Sample) bool {
	if s.Value != after.Value {
		return s.Value > after.Value
	}
	return s.Account > after.Account
}

func sortedKeysAfter[V any](m map[domain.Account]V, start domain.Account) []domain.Account {
	keys := make([]domain.Account, 0, len(m))
	for k := range m {
		if k > start {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
