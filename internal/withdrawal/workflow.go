// Package withdrawal implements the proportional withdrawal workflow: an
// investor snapshots a fractional claim on the fund, liquidates their share
// of each non-base holding through the swap delegate, and finalizes to
// receive base-asset proceeds net of fees.
//
// States move initiated → liquidating → ready_to_finalize → completed;
// failed is terminal. Completed and failed records are closed (deleted) in
// the same transaction that reaches them, so a (fund, investor) pair has at
// most one open workflow and Finalize can never run twice on one record.
//
// All methods run inside a caller-provided store transaction; an error
// leaves nothing behind.
package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/defunds/fund-engine/internal/asset"
	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/fees"
	"github.com/defunds/fund-engine/internal/holdings"
	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/shares"
	"github.com/defunds/fund-engine/internal/store"
	"github.com/defunds/fund-engine/internal/swap"
)

// Workflow runs withdrawal state transitions.
type Workflow struct {
	auth     *authority.Table
	delegate *swap.Delegate
	treasury string
	now      func() time.Time
}

// New creates a workflow paying platform fees to treasury.
func New(auth *authority.Table, delegate *swap.Delegate, treasury string) *Workflow {
	return &Workflow{
		auth:     auth,
		delegate: delegate,
		treasury: treasury,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Leg is one liquidation request.
type Leg struct {
	Asset       string
	InputAmount uint64
	MinimumOut  uint64
	Target      string
	Accounts    []swap.AccountMeta
	Payload     json.RawMessage
	DryRun      bool
}

// LegResult reports a liquidation leg.
type LegResult struct {
	Withdrawal   *model.WithdrawalState        `json:"withdrawal"`
	Progress     *model.WithdrawalMintProgress `json:"progress"`
	AllowedTotal uint64                        `json:"allowed_total"`
	Remaining    uint64                        `json:"remaining"`
	Received     uint64                        `json:"received"`
	DryRun       bool                          `json:"dry_run"`
}

// Settlement reports a finalized withdrawal.
type Settlement struct {
	Withdrawal        *model.WithdrawalState  `json:"withdrawal"`
	CompletionPpm     uint64                  `json:"completion_ppm"`
	EffectiveShares   uint64                  `json:"effective_shares"`
	EffectiveFraction uint64                  `json:"effective_fraction"`
	Gross             uint64                  `json:"gross"`
	CostBasis         uint64                  `json:"cost_basis"`
	Fees              fees.Breakdown          `json:"fees"`
	Fund              *model.Fund             `json:"fund"`
	Position          *model.InvestorPosition `json:"position"`
}

func (w *Workflow) loadFund(ctx context.Context, tx store.Tx, fundID string) (*model.Fund, error) {
	f, err := tx.GetFund(ctx, fundID)
	if err != nil {
		return nil, err
	}
	w.auth.Register(f.ID)
	return f, nil
}

func (w *Workflow) open(ctx context.Context, tx store.Tx, fundID, investor string) (*model.WithdrawalState, error) {
	ws, err := tx.GetWithdrawal(ctx, fundID, investor)
	if err != nil {
		return nil, err
	}
	if !ws.Status.Open() {
		return nil, fmt.Errorf("%w: withdrawal is %s", model.ErrInvalidWithdrawalStatus, ws.Status)
	}
	return ws, nil
}

// Initiate snapshots the investor's claim of sharesToWithdraw.
func (w *Workflow) Initiate(ctx context.Context, tx store.Tx, fundID, investor string, sharesToWithdraw uint64) (*model.WithdrawalState, error) {
	if sharesToWithdraw == 0 {
		return nil, fmt.Errorf("%w: shares must be positive", model.ErrInvalidShares)
	}
	f, err := w.loadFund(ctx, tx, fundID)
	if err != nil {
		return nil, err
	}
	pos, err := tx.GetPosition(ctx, fundID, investor)
	if err != nil {
		return nil, err
	}
	if sharesToWithdraw > pos.Shares {
		return nil, fmt.Errorf("%w: holds %d shares, requested %d", model.ErrInsufficientFunds, pos.Shares, sharesToWithdraw)
	}

	existing, err := tx.GetWithdrawal(ctx, fundID, investor)
	switch {
	case err == nil && existing.Status.Open():
		return nil, fmt.Errorf("%w: withdrawal %s already %s", model.ErrInvalidWithdrawalStatus, existing.ID, existing.Status)
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	var fraction uint64
	if f.TotalShares > 0 {
		fraction, err = shares.MulDiv(sharesToWithdraw, model.Precision, f.TotalShares)
		if err != nil {
			return nil, err
		}
	}

	now := w.now()
	ws := &model.WithdrawalState{
		ID:                  uuid.New().String(),
		FundID:              fundID,
		Investor:            investor,
		SharesToWithdraw:    sharesToWithdraw,
		TotalSharesSnapshot: f.TotalShares,
		Fraction:            fraction,
		Status:              model.WithdrawalInitiated,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := tx.PutWithdrawal(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// LiquidateLeg sells up to the investor's remaining allowance of one
// non-base asset into the fund's base holding.
func (w *Workflow) LiquidateLeg(ctx context.Context, tx store.Tx, fundID, investor string, leg Leg) (*LegResult, error) {
	ws, err := w.open(ctx, tx, fundID, investor)
	if err != nil {
		return nil, err
	}
	if ws.Status == model.WithdrawalReadyToFinalize {
		return nil, fmt.Errorf("%w: withdrawal is %s", model.ErrInvalidWithdrawalStatus, ws.Status)
	}
	if ws.Fraction == 0 {
		return nil, fmt.Errorf("%w: withdrawal fraction is zero", model.ErrInvalidInput)
	}
	if _, err := asset.Parse(leg.Asset); err != nil {
		return nil, err
	}
	f, err := w.loadFund(ctx, tx, fundID)
	if err != nil {
		return nil, err
	}
	if leg.Asset == f.BaseAsset {
		return nil, fmt.Errorf("%w: %s is the base asset", model.ErrInvalidInput, leg.Asset)
	}

	now := w.now()
	progress, err := tx.GetProgress(ctx, ws.ID, leg.Asset)
	if errors.Is(err, model.ErrNotFound) {
		progress = &model.WithdrawalMintProgress{WithdrawalID: ws.ID, Asset: leg.Asset, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}

	ledger := holdings.New(tx, w.auth)
	holding, err := ledger.Balance(ctx, f.Vault, leg.Asset)
	if err != nil {
		return nil, err
	}
	// The ceiling tracks the live holding, with this workflow's own sales
	// added back so earlier legs do not shrink it.
	base, err := shares.Add(holding, progress.AmountLiquidated)
	if err != nil {
		return nil, err
	}
	allowed, err := shares.MulDiv(base, ws.Fraction, model.Precision)
	if err != nil {
		return nil, err
	}
	remaining := shares.SaturatingSub(allowed, progress.AmountLiquidated)
	if leg.InputAmount == 0 || leg.InputAmount > remaining {
		return nil, fmt.Errorf("%w: input %d, remaining allowance %d", model.ErrInvalidAmount, leg.InputAmount, remaining)
	}

	payload := leg.Payload
	if len(payload) == 0 {
		payload = swap.BuildPayload(leg.Asset, f.BaseAsset, leg.InputAmount)
	}
	res, err := w.delegate.Execute(ctx, ledger, swap.Request{
		FundID:      f.ID,
		Source:      f.Vault,
		InputAsset:  leg.Asset,
		InputAmount: leg.InputAmount,
		Destination: f.Vault,
		OutputAsset: f.BaseAsset,
		MinimumOut:  leg.MinimumOut,
		Target:      leg.Target,
		Accounts:    leg.Accounts,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}

	result := &LegResult{
		Withdrawal:   ws,
		Progress:     progress,
		AllowedTotal: allowed,
		Remaining:    remaining,
		Received:     res.Received,
		DryRun:       leg.DryRun,
	}
	if leg.DryRun {
		return result, nil
	}

	progress.AllowedTotal = allowed
	progress.AmountLiquidated += leg.InputAmount
	progress.UpdatedAt = now
	if err := tx.PutProgress(ctx, progress); err != nil {
		return nil, err
	}

	if err := w.aggregate(ctx, tx, ws); err != nil {
		return nil, err
	}
	proceeds, err := shares.Add(ws.ProceedsAccumulated, res.Received)
	if err != nil {
		return nil, err
	}
	ws.ProceedsAccumulated = proceeds
	ws.Status = model.WithdrawalLiquidating
	ws.UpdatedAt = now
	if err := tx.PutWithdrawal(ctx, ws); err != nil {
		return nil, err
	}

	result.Remaining = remaining - leg.InputAmount
	return result, nil
}

// aggregate re-sums the per-asset progress into the withdrawal totals.
func (w *Workflow) aggregate(ctx context.Context, tx store.Tx, ws *model.WithdrawalState) error {
	list, err := tx.ListProgress(ctx, ws.ID)
	if err != nil {
		return err
	}
	var allowed, liquidated uint64
	for _, p := range list {
		if allowed, err = shares.Add(allowed, p.AllowedTotal); err != nil {
			return err
		}
		if liquidated, err = shares.Add(liquidated, p.AmountLiquidated); err != nil {
			return err
		}
	}
	ws.AllowedSum, ws.LiquidatedSum = allowed, liquidated
	return nil
}

// MarkReady ends the liquidation phase. No further legs are accepted.
func (w *Workflow) MarkReady(ctx context.Context, tx store.Tx, fundID, investor string) (*model.WithdrawalState, error) {
	ws, err := w.open(ctx, tx, fundID, investor)
	if err != nil {
		return nil, err
	}
	ws.Status = model.WithdrawalReadyToFinalize
	ws.UpdatedAt = w.now()
	if err := tx.PutWithdrawal(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// CompletionPpm is min(1, liquidated/allowed) in parts per million, and 0
// when nothing was allowed. It is reported only; settlement scales with the
// exact ratio through scaleByCompletion.
func CompletionPpm(ws *model.WithdrawalState) (uint64, error) {
	if ws.AllowedSum == 0 {
		return 0, nil
	}
	k, err := shares.MulDiv(ws.LiquidatedSum, model.Precision, ws.AllowedSum)
	if err != nil {
		return 0, err
	}
	return min(k, model.Precision), nil
}

// scaleByCompletion returns floor(v * min(liquidated, allowed) / allowed),
// and 0 when nothing was allowed.
func scaleByCompletion(v uint64, ws *model.WithdrawalState) (uint64, error) {
	if ws.AllowedSum == 0 {
		return 0, nil
	}
	return shares.MulDiv(v, min(ws.LiquidatedSum, ws.AllowedSum), ws.AllowedSum)
}

// Finalize settles the workflow: it burns the completed share of the claim,
// pays the investor net of fees and closes the record.
func (w *Workflow) Finalize(ctx context.Context, tx store.Tx, fundID, investor string) (*Settlement, error) {
	ws, err := w.open(ctx, tx, fundID, investor)
	if err != nil {
		return nil, err
	}
	f, err := w.loadFund(ctx, tx, fundID)
	if err != nil {
		return nil, err
	}
	pos, err := tx.GetPosition(ctx, fundID, investor)
	if err != nil {
		return nil, err
	}

	k, err := CompletionPpm(ws)
	if err != nil {
		return nil, err
	}
	effShares, err := scaleByCompletion(ws.SharesToWithdraw, ws)
	if err != nil {
		return nil, err
	}
	effFraction, err := scaleByCompletion(ws.Fraction, ws)
	if err != nil {
		return nil, err
	}
	if effShares > pos.Shares {
		return nil, fmt.Errorf("%w: holds %d shares, settlement burns %d", model.ErrInsufficientFunds, pos.Shares, effShares)
	}

	ledger := holdings.New(tx, w.auth)
	baseHolding, err := ledger.Balance(ctx, f.Vault, f.BaseAsset)
	if err != nil {
		return nil, err
	}

	gross := ws.ProceedsAccumulated
	if gross == 0 {
		valuation := baseHolding
		nav, err := tx.GetNav(ctx, fundID)
		switch {
		case err == nil && nav.Fresh(w.now()):
			valuation = nav.NavValue
		case err != nil && !errors.Is(err, model.ErrNotFound):
			return nil, err
		}
		if gross, err = shares.MulDiv(valuation, effFraction, model.Precision); err != nil {
			return nil, err
		}
	}

	var costBasis uint64
	if pos.Shares > 0 {
		if costBasis, err = shares.MulDiv(pos.TotalDeposited, effShares, pos.Shares); err != nil {
			return nil, err
		}
	}

	breakdown, err := fees.Compute(fees.Input{
		Gross:          gross,
		CostBasis:      costBasis,
		PerformanceBps: f.PerformanceFeeBps,
	})
	if err != nil {
		return nil, err
	}
	if baseHolding < gross {
		return nil, fmt.Errorf("%w: base holding %d, payout %d", model.ErrInsufficientFunds, baseHolding, gross)
	}

	if err := shares.BurnShares(f, effShares); err != nil {
		return nil, err
	}
	shares.ReduceAssets(f, gross)
	pos.Shares -= effShares

	if err := w.payout(ctx, ledger, f, investor, breakdown); err != nil {
		return nil, err
	}

	now := w.now()
	if pos.TotalWithdrawn, err = shares.Add(pos.TotalWithdrawn, breakdown.NetToInvestor); err != nil {
		return nil, err
	}
	pos.LastActivityAt = now

	if err := tx.PutFund(ctx, f); err != nil {
		return nil, err
	}
	if err := tx.PutPosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.DeleteProgress(ctx, ws.ID); err != nil {
		return nil, err
	}
	if err := tx.DeleteWithdrawal(ctx, fundID, investor); err != nil {
		return nil, err
	}

	ws.Status = model.WithdrawalCompleted
	ws.UpdatedAt = now
	return &Settlement{
		Withdrawal:        ws,
		CompletionPpm:     k,
		EffectiveShares:   effShares,
		EffectiveFraction: effFraction,
		Gross:             gross,
		CostBasis:         costBasis,
		Fees:              breakdown,
		Fund:              f,
		Position:          pos,
	}, nil
}

// payout moves a waterfall's parts out of the fund vault.
func (w *Workflow) payout(ctx context.Context, ledger *holdings.Ledger, f *model.Fund, investor string, b fees.Breakdown) error {
	proof, err := w.auth.Issue(f.ID, authority.RoleVault)
	if err != nil {
		return err
	}
	if err := ledger.Transfer(ctx, f.Vault, investor, f.BaseAsset, b.NetToInvestor, &proof); err != nil {
		return err
	}
	if err := ledger.Transfer(ctx, f.Vault, w.treasury, f.BaseAsset, b.TreasuryTotal(), &proof); err != nil {
		return err
	}
	return ledger.Transfer(ctx, f.Vault, f.Manager, f.BaseAsset, b.ManagerPerformanceShare, &proof)
}

// Abandon closes an open workflow without payout. Nothing is burned.
func (w *Workflow) Abandon(ctx context.Context, tx store.Tx, fundID, investor string) (*model.WithdrawalState, error) {
	ws, err := w.open(ctx, tx, fundID, investor)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteProgress(ctx, ws.ID); err != nil {
		return nil, err
	}
	if err := tx.DeleteWithdrawal(ctx, fundID, investor); err != nil {
		return nil, err
	}
	ws.Status = model.WithdrawalFailed
	ws.UpdatedAt = w.now()
	return ws, nil
}
