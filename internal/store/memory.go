package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/defunds/fund-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic runs the callback against a private copy of the state and swaps
// it in only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func key(parts ...string) string { return strings.Join(parts, "\x00") }

type memState struct {
	funds       map[string]model.Fund
	positions   map[string]model.InvestorPosition
	withdrawals map[string]model.WithdrawalState
	progress    map[string]model.WithdrawalMintProgress
	delegations map[string]model.SwapDelegation
	trades      []model.Trade
	navs        map[string]model.NavAttestation
	balances    map[string]uint64
}

func newMemState() *memState {
	return &memState{
		funds:       make(map[string]model.Fund),
		positions:   make(map[string]model.InvestorPosition),
		withdrawals: make(map[string]model.WithdrawalState),
		progress:    make(map[string]model.WithdrawalMintProgress),
		delegations: make(map[string]model.SwapDelegation),
		navs:        make(map[string]model.NavAttestation),
		balances:    make(map[string]uint64),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		funds:       maps.Clone(s.funds),
		positions:   maps.Clone(s.positions),
		withdrawals: maps.Clone(s.withdrawals),
		progress:    maps.Clone(s.progress),
		delegations: maps.Clone(s.delegations),
		trades:      slices.Clone(s.trades),
		navs:        maps.Clone(s.navs),
		balances:    maps.Clone(s.balances),
	}
}

// Atomic implements Store.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Committed states are never mutated after the swap, so readers may use
// a snapshot without holding the lock.

func (s *MemoryStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	return s.read().GetFund(ctx, id)
}

func (s *MemoryStore) ListFunds(ctx context.Context) ([]model.Fund, error) {
	return s.read().ListFunds(ctx)
}

func (s *MemoryStore) GetPosition(ctx context.Context, fundID, investor string) (*model.InvestorPosition, error) {
	return s.read().GetPosition(ctx, fundID, investor)
}

func (s *MemoryStore) ListPositions(ctx context.Context, fundID string) ([]model.InvestorPosition, error) {
	return s.read().ListPositions(ctx, fundID)
}

func (s *MemoryStore) GetWithdrawal(ctx context.Context, fundID, investor string) (*model.WithdrawalState, error) {
	return s.read().GetWithdrawal(ctx, fundID, investor)
}

func (s *MemoryStore) GetProgress(ctx context.Context, withdrawalID, asset string) (*model.WithdrawalMintProgress, error) {
	return s.read().GetProgress(ctx, withdrawalID, asset)
}

func (s *MemoryStore) ListProgress(ctx context.Context, withdrawalID string) ([]model.WithdrawalMintProgress, error) {
	return s.read().ListProgress(ctx, withdrawalID)
}

func (s *MemoryStore) GetDelegation(ctx context.Context, fundID, asset string) (*model.SwapDelegation, error) {
	return s.read().GetDelegation(ctx, fundID, asset)
}

func (s *MemoryStore) ListTrades(ctx context.Context, fundID string) ([]model.Trade, error) {
	return s.read().ListTrades(ctx, fundID)
}

func (s *MemoryStore) GetNav(ctx context.Context, fundID string) (*model.NavAttestation, error) {
	return s.read().GetNav(ctx, fundID)
}

func (s *MemoryStore) Balance(ctx context.Context, holder, asset string) (uint64, error) {
	return s.read().Balance(ctx, holder, asset)
}

// --- memState reads ---

func (s *memState) GetFund(_ context.Context, id string) (*model.Fund, error) {
	f, ok := s.funds[id]
	if !ok {
		return nil, fmt.Errorf("%w: fund %s", model.ErrNotFound, id)
	}
	return &f, nil
}

func (s *memState) ListFunds(_ context.Context) ([]model.Fund, error) {
	funds := make([]model.Fund, 0, len(s.funds))
	for _, f := range s.funds {
		funds = append(funds, f)
	}
	sort.Slice(funds, func(i, j int) bool { return funds[i].CreatedAt.After(funds[j].CreatedAt) })
	return funds, nil
}

func (s *memState) GetPosition(_ context.Context, fundID, investor string) (*model.InvestorPosition, error) {
	p, ok := s.positions[key(fundID, investor)]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", model.ErrNotFound, fundID, investor)
	}
	return &p, nil
}

func (s *memState) ListPositions(_ context.Context, fundID string) ([]model.InvestorPosition, error) {
	var out []model.InvestorPosition
	for _, p := range s.positions {
		if p.FundID == fundID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Investor < out[j].Investor })
	return out, nil
}

func (s *memState) GetWithdrawal(_ context.Context, fundID, investor string) (*model.WithdrawalState, error) {
	w, ok := s.withdrawals[key(fundID, investor)]
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal %s/%s", model.ErrNotFound, fundID, investor)
	}
	return &w, nil
}

func (s *memState) GetProgress(_ context.Context, withdrawalID, asset string) (*model.WithdrawalMintProgress, error) {
	p, ok := s.progress[key(withdrawalID, asset)]
	if !ok {
		return nil, fmt.Errorf("%w: progress %s/%s", model.ErrNotFound, withdrawalID, asset)
	}
	return &p, nil
}

func (s *memState) ListProgress(_ context.Context, withdrawalID string) ([]model.WithdrawalMintProgress, error) {
	var out []model.WithdrawalMintProgress
	for _, p := range s.progress {
		if p.WithdrawalID == withdrawalID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *memState) GetDelegation(_ context.Context, fundID, asset string) (*model.SwapDelegation, error) {
	d, ok := s.delegations[key(fundID, asset)]
	if !ok {
		return nil, fmt.Errorf("%w: delegation %s/%s", model.ErrNotFound, fundID, asset)
	}
	return &d, nil
}

func (s *memState) ListTrades(_ context.Context, fundID string) ([]model.Trade, error) {
	var out []model.Trade
	for _, t := range s.trades {
		if t.FundID == fundID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memState) GetNav(_ context.Context, fundID string) (*model.NavAttestation, error) {
	n, ok := s.navs[fundID]
	if !ok {
		return nil, fmt.Errorf("%w: nav %s", model.ErrNotFound, fundID)
	}
	return &n, nil
}

func (s *memState) Balance(_ context.Context, holder, asset string) (uint64, error) {
	return s.balances[key(holder, asset)], nil
}

// --- memState writes (only reachable through Atomic) ---

func (s *memState) CreateFund(_ context.Context, f *model.Fund) error {
	if _, ok := s.funds[f.ID]; ok {
		return fmt.Errorf("%w: fund %s", model.ErrAlreadyExists, f.ID)
	}
	s.funds[f.ID] = *f
	return nil
}

func (s *memState) PutFund(_ context.Context, f *model.Fund) error {
	if _, ok := s.funds[f.ID]; !ok {
		return fmt.Errorf("%w: fund %s", model.ErrNotFound, f.ID)
	}
	s.funds[f.ID] = *f
	return nil
}

func (s *memState) PutPosition(_ context.Context, p *model.InvestorPosition) error {
	s.positions[key(p.FundID, p.Investor)] = *p
	return nil
}

func (s *memState) PutWithdrawal(_ context.Context, w *model.WithdrawalState) error {
	s.withdrawals[key(w.FundID, w.Investor)] = *w
	return nil
}

func (s *memState) DeleteWithdrawal(_ context.Context, fundID, investor string) error {
	delete(s.withdrawals, key(fundID, investor))
	return nil
}

func (s *memState) PutProgress(_ context.Context, p *model.WithdrawalMintProgress) error {
	s.progress[key(p.WithdrawalID, p.Asset)] = *p
	return nil
}

func (s *memState) DeleteProgress(_ context.Context, withdrawalID string) error {
	for k, p := range s.progress {
		if p.WithdrawalID == withdrawalID {
			delete(s.progress, k)
		}
	}
	return nil
}

func (s *memState) PutDelegation(_ context.Context, d *model.SwapDelegation) error {
	s.delegations[key(d.FundID, d.Asset)] = *d
	return nil
}

func (s *memState) DeleteDelegation(_ context.Context, fundID, asset string) error {
	delete(s.delegations, key(fundID, asset))
	return nil
}

func (s *memState) InsertTrade(_ context.Context, t *model.Trade) error {
	s.trades = append(s.trades, *t)
	return nil
}

func (s *memState) PutNav(_ context.Context, n *model.NavAttestation) error {
	s.navs[n.FundID] = *n
	return nil
}

func (s *memState) SetBalance(_ context.Context, holder, asset string, amount uint64) error {
	s.balances[key(holder, asset)] = amount
	return nil
}
