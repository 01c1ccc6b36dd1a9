package holdings

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/model"
)

type mapStore map[[2]string]uint64

func (m mapStore) Balance(_ context.Context, holder, asset string) (uint64, error) {
	return m[[2]string{holder, asset}], nil
}

func (m mapStore) SetBalance(_ context.Context, holder, asset string, amount uint64) error {
	m[[2]string{holder, asset}] = amount
	return nil
}

func TestTransfer_BetweenInvestors(t *testing.T) {
	ctx := context.Background()
	l := New(mapStore{}, authority.NewTable(nil))
	if err := l.Credit(ctx, "alice", "USDC", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Transfer(ctx, "alice", "bob", "USDC", 40, nil); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := l.Balance(ctx, "alice", "USDC")
	b, _ := l.Balance(ctx, "bob", "USDC")
	if a != 60 || b != 40 {
		t.Errorf("expected 60/40, got %d/%d", a, b)
	}
}

func TestTransfer_Insufficient(t *testing.T) {
	ctx := context.Background()
	l := New(mapStore{}, authority.NewTable(nil))
	_ = l.Credit(ctx, "alice", "USDC", 10)
	err := l.Transfer(ctx, "alice", "bob", "USDC", 11, nil)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTransfer_FundHandleNeedsProof(t *testing.T) {
	ctx := context.Background()
	tbl := authority.NewTable(nil)
	h := tbl.Register("f1")
	l := New(mapStore{}, tbl)
	_ = l.Credit(ctx, h.Vault, "USDC", 100)

	if err := l.Transfer(ctx, h.Vault, "alice", "USDC", 10, nil); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without proof, got %v", err)
	}

	p, err := tbl.Issue("f1", authority.RoleVault)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := l.Transfer(ctx, h.Vault, "alice", "USDC", 10, &p); err != nil {
		t.Fatalf("transfer with proof: %v", err)
	}
	if bal, _ := l.Balance(ctx, "alice", "USDC"); bal != 10 {
		t.Errorf("expected 10, got %d", bal)
	}
}

func TestTransfer_ProofCannotCrossFunds(t *testing.T) {
	ctx := context.Background()
	tbl := authority.NewTable(nil)
	tbl.Register("f1")
	h2 := tbl.Register("f2")
	l := New(mapStore{}, tbl)
	_ = l.Credit(ctx, h2.Vault, "USDC", 100)

	p, _ := tbl.Issue("f1", authority.RoleVault)
	err := l.Transfer(ctx, h2.Vault, "mallory", "USDC", 100, &p)
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if bal, _ := l.Balance(ctx, h2.Vault, "USDC"); bal != 100 {
		t.Errorf("vault balance changed to %d", bal)
	}
}

func TestCredit_Overflow(t *testing.T) {
	ctx := context.Background()
	l := New(mapStore{}, authority.NewTable(nil))
	_ = l.Credit(ctx, "alice", "USDC", math.MaxUint64)
	if err := l.Credit(ctx, "alice", "USDC", 1); !errors.Is(err, model.ErrMathOverflow) {
		t.Errorf("expected ErrMathOverflow, got %v", err)
	}
}
