// Package store defines the persistence interface for the fund engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every state change happens inside Atomic: the callback sees a Tx, and
// either all of its writes commit or none do.
package store

import (
	"context"

	"github.com/defunds/fund-engine/internal/model"
)

// Reader is the read side shared by Store and Tx. Single-entity getters
// return an error wrapping model.ErrNotFound when the entity is absent.
type Reader interface {
	// --- Funds ---

	GetFund(ctx context.Context, id string) (*model.Fund, error)
	ListFunds(ctx context.Context) ([]model.Fund, error)

	// --- Positions ---

	GetPosition(ctx context.Context, fundID, investor string) (*model.InvestorPosition, error)
	ListPositions(ctx context.Context, fundID string) ([]model.InvestorPosition, error)

	// --- Withdrawal workflow ---

	GetWithdrawal(ctx context.Context, fundID, investor string) (*model.WithdrawalState, error)
	GetProgress(ctx context.Context, withdrawalID, asset string) (*model.WithdrawalMintProgress, error)
	ListProgress(ctx context.Context, withdrawalID string) ([]model.WithdrawalMintProgress, error)

	// --- Manager swaps ---

	GetDelegation(ctx context.Context, fundID, asset string) (*model.SwapDelegation, error)
	ListTrades(ctx context.Context, fundID string) ([]model.Trade, error)

	// --- Valuation ---

	GetNav(ctx context.Context, fundID string) (*model.NavAttestation, error)

	// --- Holdings ---

	// Balance returns 0 for a holder that never held the asset.
	Balance(ctx context.Context, holder, asset string) (uint64, error)
}

// Tx is a transactional view of the store.
type Tx interface {
	Reader

	// CreateFund fails with model.ErrAlreadyExists on a duplicate id.
	CreateFund(ctx context.Context, f *model.Fund) error
	PutFund(ctx context.Context, f *model.Fund) error

	PutPosition(ctx context.Context, p *model.InvestorPosition) error

	PutWithdrawal(ctx context.Context, w *model.WithdrawalState) error
	DeleteWithdrawal(ctx context.Context, fundID, investor string) error
	PutProgress(ctx context.Context, p *model.WithdrawalMintProgress) error
	DeleteProgress(ctx context.Context, withdrawalID string) error

	PutDelegation(ctx context.Context, d *model.SwapDelegation) error
	DeleteDelegation(ctx context.Context, fundID, asset string) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	PutNav(ctx context.Context, n *model.NavAttestation) error

	SetBalance(ctx context.Context, holder, asset string, amount uint64) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// Atomic runs fn in a transaction. An error from fn, or a cancelled
	// context, discards every write fn made.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
	_ Tx    = (*memState)(nil)
	_ Tx    = (*pgOps)(nil)
)
