package swap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/holdings"
	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/policy"
)

type mapStore map[[2]string]uint64

func (m mapStore) Balance(_ context.Context, holder, asset string) (uint64, error) {
	return m[[2]string{holder, asset}], nil
}

func (m mapStore) SetBalance(_ context.Context, holder, asset string, amount uint64) error {
	m[[2]string{holder, asset}] = amount
	return nil
}

// scripted is a router that runs fn and reports a fabricated delta.
type scripted struct {
	fn    func(ctx context.Context, l *holdings.Ledger, c Call) error
	calls int
}

func (s *scripted) Call(ctx context.Context, l *holdings.Ledger, c Call) ([]BalanceDelta, error) {
	s.calls++
	if err := s.fn(ctx, l, c); err != nil {
		return nil, err
	}
	// Claims a huge payout; the delegate must ignore it.
	return []BalanceDelta{{Holder: c.Accounts[1].Holder, Asset: "USDC", Before: 0, After: 1 << 60}}, nil
}

type fixture struct {
	ctx    context.Context
	tbl    *authority.Table
	ledger *holdings.Ledger
	del    *Delegate
	vault  string
}

func newFixture(t *testing.T, allowed ...string) *fixture {
	t.Helper()
	tbl := authority.NewTable(nil)
	h := tbl.Register("f1")
	l := holdings.New(mapStore{}, tbl)
	ctx := context.Background()
	if err := l.Credit(ctx, h.Vault, "SOL", 1_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return &fixture{
		ctx:    ctx,
		tbl:    tbl,
		ledger: l,
		del:    NewDelegate(policy.New(allowed...), tbl),
		vault:  h.Vault,
	}
}

func (f *fixture) request(minOut uint64) Request {
	return Request{
		FundID:      "f1",
		Source:      f.vault,
		InputAsset:  "SOL",
		InputAmount: 100,
		Destination: f.vault,
		OutputAsset: "USDC",
		MinimumOut:  minOut,
		Target:      "router:test",
		Payload:     BuildPayload("SOL", "USDC", 100),
	}
}

// paying returns a router that takes spend SOL with the proof and mints pay USDC.
func paying(spend, pay uint64) *scripted {
	return &scripted{fn: func(ctx context.Context, l *holdings.Ledger, c Call) error {
		src, dst := c.Accounts[0].Holder, c.Accounts[1].Holder
		if err := l.Transfer(ctx, src, "sink", "SOL", spend, &c.Proofs[0]); err != nil {
			return err
		}
		return l.Credit(ctx, dst, "USDC", pay)
	}}
}

func TestExecute_MeasuresBalanceDelta(t *testing.T) {
	f := newFixture(t, "router:test")
	f.del.Register("test", paying(100, 250))

	res, err := f.del.Execute(f.ctx, f.ledger, f.request(200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Received != 250 || res.Spent != 100 {
		t.Errorf("expected received=250 spent=100, got %+v", res)
	}
}

func TestExecute_SlippageExceeded(t *testing.T) {
	f := newFixture(t, "router:test")
	f.del.Register("test", paying(100, 199))

	_, err := f.del.Execute(f.ctx, f.ledger, f.request(200))
	if !errors.Is(err, model.ErrSlippageExceeded) {
		t.Errorf("expected ErrSlippageExceeded, got %v", err)
	}
}

func TestExecute_MinimumOutExactlyMet(t *testing.T) {
	f := newFixture(t, "router:test")
	f.del.Register("test", paying(100, 200))

	if _, err := f.del.Execute(f.ctx, f.ledger, f.request(200)); err != nil {
		t.Errorf("received == minimum should pass, got %v", err)
	}
}

func TestExecute_OverspendFails(t *testing.T) {
	f := newFixture(t, "router:test")
	f.del.Register("test", paying(101, 500))

	_, err := f.del.Execute(f.ctx, f.ledger, f.request(0))
	if !errors.Is(err, model.ErrInvocationFailed) {
		t.Errorf("expected ErrInvocationFailed, got %v", err)
	}
}

func TestExecute_RouterErrorIsInvocationFailed(t *testing.T) {
	f := newFixture(t, "router:test")
	f.del.Register("test", &scripted{fn: func(context.Context, *holdings.Ledger, Call) error {
		return errors.New("pool paused")
	}})

	_, err := f.del.Execute(f.ctx, f.ledger, f.request(0))
	if !errors.Is(err, model.ErrInvocationFailed) {
		t.Errorf("expected ErrInvocationFailed, got %v", err)
	}
}

func TestExecute_ClosedAllowList(t *testing.T) {
	f := newFixture(t)
	r := paying(100, 250)
	f.del.Register("test", r)

	_, err := f.del.Execute(f.ctx, f.ledger, f.request(0))
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if r.calls != 0 {
		t.Errorf("router must not be called, got %d calls", r.calls)
	}
}

func TestExecute_UnregisteredTarget(t *testing.T) {
	f := newFixture(t, "router:test")
	_, err := f.del.Execute(f.ctx, f.ledger, f.request(0))
	if !errors.Is(err, model.ErrInvocationFailed) {
		t.Errorf("expected ErrInvocationFailed, got %v", err)
	}
}

func TestExecute_SourceMustBeFundVault(t *testing.T) {
	f := newFixture(t, "router:test")
	f.del.Register("test", paying(100, 250))
	h2 := f.tbl.Register("f2")

	req := f.request(0)
	req.Source = h2.Vault
	if _, err := f.del.Execute(f.ctx, f.ledger, req); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestExecute_SameAsset(t *testing.T) {
	f := newFixture(t, "router:test")
	req := f.request(0)
	req.OutputAsset = "SOL"
	if _, err := f.del.Execute(f.ctx, f.ledger, req); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

// --- QuoteRouter ---

func TestQuoteRouter_EndToEnd(t *testing.T) {
	f := newFixture(t, "router:quote")
	qr := NewQuoteRouter("quote", Price{Input: "SOL", Output: "USDC", Price: decimal.RequireFromString("2.5")})
	f.del.Register("quote", qr)
	if err := f.ledger.Credit(f.ctx, qr.Reserve(), "USDC", 10_000); err != nil {
		t.Fatalf("credit reserve: %v", err)
	}

	req := f.request(250)
	req.Target = "router:quote"
	res, err := f.del.Execute(f.ctx, f.ledger, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Received != 250 {
		t.Errorf("expected 250, got %d", res.Received)
	}
	if bal, _ := f.ledger.Balance(f.ctx, f.vault, "SOL"); bal != 900 {
		t.Errorf("expected 900 SOL left, got %d", bal)
	}
}

func TestQuoteRouter_LedgerInstructionIsNoop(t *testing.T) {
	f := newFixture(t, "router:quote")
	f.del.Register("quote", NewQuoteRouter("quote"))

	req := f.request(0)
	req.Target = "router:quote"
	req.Payload = json.RawMessage(`{"instruction":"ledger"}`)
	res, err := f.del.Execute(f.ctx, f.ledger, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Received != 0 || res.Spent != 0 {
		t.Errorf("expected no movement, got %+v", res)
	}
}

func TestQuoteRouter_EmptyReserveFails(t *testing.T) {
	f := newFixture(t, "router:quote")
	f.del.Register("quote", NewQuoteRouter("quote", Price{Input: "SOL", Output: "USDC", Price: decimal.NewFromInt(2)}))

	req := f.request(0)
	req.Target = "router:quote"
	if _, err := f.del.Execute(f.ctx, f.ledger, req); !errors.Is(err, model.ErrInvocationFailed) {
		t.Errorf("expected ErrInvocationFailed, got %v", err)
	}
}

func TestQuoteRouter_InversePrice(t *testing.T) {
	qr := NewQuoteRouter("quote", Price{Input: "SOL", Output: "USDC", Price: decimal.NewFromInt(4)})
	got, err := qr.Quote(context.Background(), "USDC", "SOL", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 25 {
		t.Errorf("expected 25, got %d", got)
	}
	if _, err := qr.Quote(context.Background(), "USDC", "BONK", 1); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}
