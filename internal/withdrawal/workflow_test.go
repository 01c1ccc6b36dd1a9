package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/holdings"
	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/policy"
	"github.com/defunds/fund-engine/internal/store"
	"github.com/defunds/fund-engine/internal/swap"
)

const (
	fundID   = "f1"
	investor = "alice"
	treasury = "treasury"
	target   = "router:dex"
)

type env struct {
	t     *testing.T
	ctx   context.Context
	st    *store.MemoryStore
	auth  *authority.Table
	wf    *Workflow
	vault string
}

// newEnv seeds a fund of 1500 shares backed by 1500 USDC plus 300 SOL, of
// which alice holds 750 shares, and a dex paying 2 USDC per SOL.
func newEnv(t *testing.T, deposited uint64, perfBps uint16) *env {
	t.Helper()
	auth := authority.NewTable([]byte("test-key"))
	h := auth.Register(fundID)
	del := swap.NewDelegate(policy.New(target), auth)
	dex := swap.NewQuoteRouter("dex", swap.Price{Input: "SOL", Output: "USDC", Price: decimal.NewFromInt(2)})
	del.Register("dex", dex)

	e := &env{
		t:     t,
		ctx:   context.Background(),
		st:    store.NewMemoryStore(),
		auth:  auth,
		wf:    New(auth, del, treasury),
		vault: h.Vault,
	}
	now := time.Now().UTC()
	e.run(func(tx store.Tx) error {
		if err := tx.CreateFund(e.ctx, &model.Fund{
			ID:                fundID,
			Manager:           "mgr",
			Name:              "Alpha",
			BaseAsset:         "USDC",
			Vault:             h.Vault,
			ShareAuthority:    h.ShareAuthority,
			PerformanceFeeBps: perfBps,
			TotalShares:       1500,
			TotalAssets:       1500,
			LastFeeCollection: now,
			CreatedAt:         now,
		}); err != nil {
			return err
		}
		if err := tx.PutPosition(e.ctx, &model.InvestorPosition{
			FundID:         fundID,
			Investor:       investor,
			Shares:         750,
			TotalDeposited: deposited,
			FirstDepositAt: now,
			LastActivityAt: now,
		}); err != nil {
			return err
		}
		ledger := holdings.New(tx, auth)
		if err := ledger.Credit(e.ctx, h.Vault, "USDC", 1500); err != nil {
			return err
		}
		if err := ledger.Credit(e.ctx, h.Vault, "SOL", 300); err != nil {
			return err
		}
		return ledger.Credit(e.ctx, dex.Reserve(), "USDC", 100_000)
	})
	return e
}

func (e *env) run(fn func(tx store.Tx) error) {
	e.t.Helper()
	if err := e.st.Atomic(e.ctx, fn); err != nil {
		e.t.Fatalf("unexpected error: %v", err)
	}
}

func (e *env) try(fn func(tx store.Tx) error) error {
	return e.st.Atomic(e.ctx, fn)
}

func (e *env) initiate(sharesToWithdraw uint64) *model.WithdrawalState {
	e.t.Helper()
	var ws *model.WithdrawalState
	e.run(func(tx store.Tx) error {
		var err error
		ws, err = e.wf.Initiate(e.ctx, tx, fundID, investor, sharesToWithdraw)
		return err
	})
	return ws
}

func (e *env) liquidate(amount uint64, dryRun bool) (*LegResult, error) {
	var res *LegResult
	err := e.try(func(tx store.Tx) error {
		var err error
		res, err = e.wf.LiquidateLeg(e.ctx, tx, fundID, investor, Leg{
			Asset:       "SOL",
			InputAmount: amount,
			Target:      target,
			DryRun:      dryRun,
		})
		return err
	})
	return res, err
}

func (e *env) finalize() (*Settlement, error) {
	var s *Settlement
	err := e.try(func(tx store.Tx) error {
		var err error
		s, err = e.wf.Finalize(e.ctx, tx, fundID, investor)
		return err
	})
	return s, err
}

func (e *env) balance(holder, asset string) uint64 {
	e.t.Helper()
	bal, err := e.st.Balance(e.ctx, holder, asset)
	if err != nil {
		e.t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestInitiate_SnapshotsFraction(t *testing.T) {
	e := newEnv(t, 750, 0)
	ws := e.initiate(750)
	if ws.Fraction != 500_000 {
		t.Errorf("expected fraction 500000, got %d", ws.Fraction)
	}
	if ws.Status != model.WithdrawalInitiated || ws.TotalSharesSnapshot != 1500 {
		t.Errorf("unexpected state %+v", ws)
	}
}

func TestInitiate_Rejections(t *testing.T) {
	e := newEnv(t, 750, 0)
	tests := []struct {
		name   string
		shares uint64
		want   error
	}{
		{"zero shares", 0, model.ErrInvalidShares},
		{"more than held", 751, model.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.try(func(tx store.Tx) error {
				_, err := e.wf.Initiate(e.ctx, tx, fundID, investor, tt.shares)
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestInitiate_OneOpenWorkflowPerInvestor(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(100)
	err := e.try(func(tx store.Tx) error {
		_, err := e.wf.Initiate(e.ctx, tx, fundID, investor, 100)
		return err
	})
	if !errors.Is(err, model.ErrInvalidWithdrawalStatus) {
		t.Errorf("expected ErrInvalidWithdrawalStatus, got %v", err)
	}
}

func TestLiquidateLeg_RemainingAllowance(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(750)

	res, err := e.liquidate(100, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AllowedTotal != 150 || res.Remaining != 50 {
		t.Errorf("expected allowed 150 remaining 50, got %d/%d", res.AllowedTotal, res.Remaining)
	}
	if res.Received != 200 {
		t.Errorf("expected 200 USDC received, got %d", res.Received)
	}
	if res.Withdrawal.Status != model.WithdrawalLiquidating || res.Withdrawal.ProceedsAccumulated != 200 {
		t.Errorf("unexpected withdrawal %+v", res.Withdrawal)
	}

	if _, err := e.liquidate(60, false); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if got := e.balance(e.vault, "SOL"); got != 200 {
		t.Errorf("rejected leg moved value: %d SOL left", got)
	}

	res, err = e.liquidate(50, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Remaining != 0 || res.Withdrawal.LiquidatedSum != 150 {
		t.Errorf("expected allowance exhausted, got %+v", res)
	}
}

func TestLiquidateLeg_Rejections(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(750)

	tests := []struct {
		name string
		leg  Leg
		want error
	}{
		{"zero amount", Leg{Asset: "SOL", Target: target}, model.ErrInvalidAmount},
		{"base asset", Leg{Asset: "USDC", InputAmount: 1, Target: target}, model.ErrInvalidInput},
		{"bad asset", Leg{Asset: "sol", InputAmount: 1, Target: target}, model.ErrInvalidInput},
		{"not allow-listed", Leg{Asset: "SOL", InputAmount: 1, Target: "router:other"}, model.ErrUnauthorized},
		{"slippage", Leg{Asset: "SOL", InputAmount: 10, MinimumOut: 21, Target: target}, model.ErrSlippageExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.try(func(tx store.Tx) error {
				_, err := e.wf.LiquidateLeg(e.ctx, tx, fundID, investor, tt.leg)
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLiquidateLeg_ZeroFractionFailsFast(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.run(func(tx store.Tx) error {
		f, err := tx.GetFund(e.ctx, fundID)
		if err != nil {
			return err
		}
		f.TotalShares = 10_000_000_000
		return tx.PutFund(e.ctx, f)
	})

	ws := e.initiate(1)
	if ws.Fraction != 0 {
		t.Fatalf("expected fraction 0, got %d", ws.Fraction)
	}
	if _, err := e.liquidate(10, false); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if got := e.balance(e.vault, "SOL"); got != 300 {
		t.Errorf("vault SOL moved: %d", got)
	}
}

func TestLiquidateLeg_DryRunAdvancesNothing(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(750)

	var res *LegResult
	e.run(func(tx store.Tx) error {
		var err error
		res, err = e.wf.LiquidateLeg(e.ctx, tx, fundID, investor, Leg{
			Asset:       "SOL",
			InputAmount: 150,
			Target:      target,
			Payload:     json.RawMessage(`{"instruction":"ledger"}`),
			DryRun:      true,
		})
		return err
	})
	if !res.DryRun || res.Remaining != 150 {
		t.Errorf("unexpected dry run result %+v", res)
	}

	ws, err := e.st.GetWithdrawal(e.ctx, fundID, investor)
	if err != nil {
		t.Fatalf("get withdrawal: %v", err)
	}
	if ws.Status != model.WithdrawalInitiated || ws.LiquidatedSum != 0 {
		t.Errorf("dry run advanced the workflow: %+v", ws)
	}
	if _, err := e.st.GetProgress(e.ctx, ws.ID, "SOL"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("dry run wrote progress: %v", err)
	}
}

func TestMarkReady_BlocksFurtherLegs(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(750)
	e.run(func(tx store.Tx) error {
		_, err := e.wf.MarkReady(e.ctx, tx, fundID, investor)
		return err
	})
	if _, err := e.liquidate(10, false); !errors.Is(err, model.ErrInvalidWithdrawalStatus) {
		t.Errorf("expected ErrInvalidWithdrawalStatus, got %v", err)
	}
}

func TestFinalize_FullLiquidationWithProfit(t *testing.T) {
	e := newEnv(t, 100, 2000)
	e.initiate(750)
	if _, err := e.liquidate(150, false); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	s, err := e.finalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.CompletionPpm != model.Precision || s.EffectiveShares != 750 || s.Gross != 300 {
		t.Errorf("unexpected settlement %+v", s)
	}
	// 300 gross: 3 platform, 197 profit, 39 performance split 7/32.
	if s.Fees.NetToInvestor != 258 || s.Fees.TreasuryTotal() != 10 || s.Fees.ManagerPerformanceShare != 32 {
		t.Errorf("unexpected fees %+v", s.Fees)
	}
	if got := e.balance(investor, "USDC"); got != 258 {
		t.Errorf("investor got %d", got)
	}
	if got := e.balance(treasury, "USDC"); got != 10 {
		t.Errorf("treasury got %d", got)
	}
	if got := e.balance("mgr", "USDC"); got != 32 {
		t.Errorf("manager got %d", got)
	}

	f, _ := e.st.GetFund(e.ctx, fundID)
	if f.TotalShares != 750 || f.TotalAssets != 1200 {
		t.Errorf("unexpected fund totals %d/%d", f.TotalShares, f.TotalAssets)
	}
	pos, _ := e.st.GetPosition(e.ctx, fundID, investor)
	if pos.Shares != 0 || pos.TotalWithdrawn != 258 {
		t.Errorf("unexpected position %+v", pos)
	}
	if _, err := e.st.GetWithdrawal(e.ctx, fundID, investor); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("withdrawal not closed: %v", err)
	}
	if _, err := e.finalize(); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second finalize: expected ErrNotFound, got %v", err)
	}
}

func TestFinalize_PartialLiquidationScalesBurn(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(750)
	if _, err := e.liquidate(100, false); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	s, err := e.finalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100 of 150 allowed SOL sold: burn floor(750*100/150) shares.
	if s.CompletionPpm != 666_666 || s.EffectiveShares != 500 || s.EffectiveFraction != 333_333 || s.Gross != 200 {
		t.Errorf("unexpected settlement %+v", s)
	}
	if s.Position.Shares != 250 {
		t.Errorf("expected 250 shares left, got %d", s.Position.Shares)
	}
	if s.Fund.TotalShares != 1000 {
		t.Errorf("expected 1000 shares outstanding, got %d", s.Fund.TotalShares)
	}
}

func TestScaleByCompletion_UsesExactRatio(t *testing.T) {
	ws := &model.WithdrawalState{AllowedSum: 1500, LiquidatedSum: 1000}
	got, err := scaleByCompletion(1_500_000_000_000, ws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1_000_000_000_000 {
		t.Errorf("expected 1000000000000, got %d", got)
	}

	tests := []struct {
		name string
		ws   model.WithdrawalState
		want uint64
	}{
		{"nothing allowed", model.WithdrawalState{LiquidatedSum: 5}, 0},
		{"over-liquidated caps at one", model.WithdrawalState{AllowedSum: 10, LiquidatedSum: 30}, 750},
		{"nothing sold", model.WithdrawalState{AllowedSum: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scaleByCompletion(750, &tt.ws)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestFinalize_NothingLiquidatedBurnsNothing(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(750)

	s, err := e.finalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.CompletionPpm != 0 || s.EffectiveShares != 0 || s.Gross != 0 {
		t.Errorf("unexpected settlement %+v", s)
	}
	if s.Position.Shares != 750 {
		t.Errorf("shares burned: %d left", s.Position.Shares)
	}
}

func TestAbandon_ClosesWithoutBurn(t *testing.T) {
	e := newEnv(t, 750, 0)
	e.initiate(750)
	if _, err := e.liquidate(100, false); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	var ws *model.WithdrawalState
	e.run(func(tx store.Tx) error {
		var err error
		ws, err = e.wf.Abandon(e.ctx, tx, fundID, investor)
		return err
	})
	if ws.Status != model.WithdrawalFailed {
		t.Errorf("expected failed, got %s", ws.Status)
	}
	if progress, _ := e.st.ListProgress(e.ctx, ws.ID); len(progress) != 0 {
		t.Errorf("progress not cleared: %v", progress)
	}
	pos, _ := e.st.GetPosition(e.ctx, fundID, investor)
	if pos.Shares != 750 {
		t.Errorf("abandon burned shares: %d", pos.Shares)
	}

	// A fresh workflow starts from the current holdings.
	ws = e.initiate(750)
	if ws.Status != model.WithdrawalInitiated {
		t.Errorf("expected initiated, got %s", ws.Status)
	}
}

func TestCompletionPpm(t *testing.T) {
	tests := []struct {
		allowed, liquidated, want uint64
	}{
		{0, 0, 0},
		{150, 150, 1_000_000},
		{150, 75, 500_000},
		{100, 200, 1_000_000},
	}
	for _, tt := range tests {
		got, err := CompletionPpm(&model.WithdrawalState{AllowedSum: tt.allowed, LiquidatedSum: tt.liquidated})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("CompletionPpm(%d/%d) = %d, want %d", tt.liquidated, tt.allowed, got, tt.want)
		}
	}
}

func TestFinalize_ValuesFromNavWhenNoProceeds(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		wantGross uint64
	}{
		{"fresh attestation", time.Hour, 1500},  // 3000 NAV * 50%
		{"expired attestation", -time.Hour, 750}, // 1500 base holding * 50%
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 750, 0)
			e.run(func(tx store.Tx) error {
				return tx.PutNav(e.ctx, &model.NavAttestation{
					FundID:    fundID,
					NavValue:  3000,
					ExpiresAt: time.Now().Add(tt.expiresIn),
					UpdatedAt: time.Now(),
				})
			})
			e.initiate(750)

			// A leg through the ledger instruction counts as liquidated
			// but brings in no proceeds.
			e.run(func(tx store.Tx) error {
				_, err := e.wf.LiquidateLeg(e.ctx, tx, fundID, investor, Leg{
					Asset:       "SOL",
					InputAmount: 150,
					Target:      target,
					Payload:     json.RawMessage(`{"instruction":"ledger"}`),
				})
				return err
			})

			s, err := e.finalize()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.CompletionPpm != model.Precision || s.Gross != tt.wantGross {
				t.Errorf("expected gross %d at full completion, got %+v", tt.wantGross, s)
			}
			if got := e.balance(investor, "USDC"); got != s.Fees.NetToInvestor {
				t.Errorf("investor got %d, settlement says %d", got, s.Fees.NetToInvestor)
			}
		})
	}
}
