// Package holdings is the account-based sub-ledger: one balance per
// (holder, asset). Moving value out of a fund-owned handle requires a proof
// from the ownership table.
package holdings

import (
	"context"
	"fmt"

	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/shares"
)

// BalanceStore reads and writes raw balances. A store transaction
// satisfies it, so ledger writes commit or roll back with the operation.
type BalanceStore interface {
	Balance(ctx context.Context, holder, asset string) (uint64, error)
	SetBalance(ctx context.Context, holder, asset string, amount uint64) error
}

// Ledger applies checked transfers on top of a BalanceStore.
type Ledger struct {
	bs   BalanceStore
	auth *authority.Table
}

// New creates a ledger bound to bs.
func New(bs BalanceStore, auth *authority.Table) *Ledger {
	return &Ledger{bs: bs, auth: auth}
}

// Balance returns the holding of holder in asset.
func (l *Ledger) Balance(ctx context.Context, holder, asset string) (uint64, error) {
	return l.bs.Balance(ctx, holder, asset)
}

// Credit mints amount into holder. Only bootstrap paths and the exchange
// stand-in call this.
func (l *Ledger) Credit(ctx context.Context, holder, asset string, amount uint64) error {
	bal, err := l.bs.Balance(ctx, holder, asset)
	if err != nil {
		return err
	}
	next, err := shares.Add(bal, amount)
	if err != nil {
		return err
	}
	return l.bs.SetBalance(ctx, holder, asset, next)
}

// Transfer moves amount of asset from one holder to another. When from is a
// derived handle, proof must verify against it.
func (l *Ledger) Transfer(ctx context.Context, from, to, asset string, amount uint64, proof *authority.Proof) error {
	if amount == 0 {
		return nil
	}
	if authority.IsDerived(from) {
		if proof == nil {
			return fmt.Errorf("%w: transfer from %s needs a proof", model.ErrUnauthorized, from)
		}
		if err := l.auth.Verify(*proof, from); err != nil {
			return err
		}
	}

	src, err := l.bs.Balance(ctx, from, asset)
	if err != nil {
		return err
	}
	if src < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", model.ErrInsufficientFunds, from, src, asset, amount)
	}
	if err := l.bs.SetBalance(ctx, from, asset, src-amount); err != nil {
		return err
	}

	dst, err := l.bs.Balance(ctx, to, asset)
	if err != nil {
		return err
	}
	next, err := shares.Add(dst, amount)
	if err != nil {
		return err
	}
	return l.bs.SetBalance(ctx, to, asset, next)
}
