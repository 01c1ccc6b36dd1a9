// Package fund provides the fund service: atomic fund operations, their HTTP
// handlers, and the websocket event feed.
//
// Every state-changing operation takes the service mutex and runs inside a
// single store transaction, so an error anywhere discards all of its writes.
// Metrics, log lines and websocket events are emitted only after commit.
package fund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/defunds/fund-engine/internal/asset"
	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/fees"
	"github.com/defunds/fund-engine/internal/holdings"
	"github.com/defunds/fund-engine/internal/metrics"
	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/policy"
	"github.com/defunds/fund-engine/internal/shares"
	"github.com/defunds/fund-engine/internal/store"
	"github.com/defunds/fund-engine/internal/swap"
	"github.com/defunds/fund-engine/internal/withdrawal"
)

// Options configure a Service.
type Options struct {
	// Treasury receives platform fees.
	Treasury string
	// AllowDevCredit enables the Credit bootstrap operation.
	AllowDevCredit bool
}

// Service handles fund operations. Uses a mutex for serialized execution
// (single-instance).
type Service struct {
	store    store.Store
	auth     *authority.Table
	policy   *policy.Policy
	delegate *swap.Delegate
	workflow *withdrawal.Workflow
	opts     Options
	mu       sync.Mutex
	wsHub    *WSHub // optional
	now      func() time.Time
}

// NewService creates a fund service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, auth *authority.Table, pol *policy.Policy, del *swap.Delegate, hub *WSHub, opts Options) *Service {
	return &Service{
		store:    st,
		auth:     auth,
		policy:   pol,
		delegate: del,
		workflow: withdrawal.New(auth, del, opts.Treasury),
		opts:     opts,
		wsHub:    hub,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// run executes fn as one atomic, serialized operation.
func (s *Service) run(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	start := time.Now()
	s.mu.Lock()
	err := s.store.Atomic(ctx, fn)
	s.mu.Unlock()
	metrics.Observe(op, start, err)
	switch {
	case errors.Is(err, model.ErrSlippageExceeded):
		metrics.SwapRejections.WithLabelValues("slippage").Inc()
	case errors.Is(err, model.ErrInvocationFailed):
		metrics.SwapRejections.WithLabelValues("invocation").Inc()
	}
	return err
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

func requireCaller(caller string) error {
	if caller == "" {
		return fmt.Errorf("%w: caller identity required", model.ErrUnauthorized)
	}
	if authority.IsDerived(caller) {
		return fmt.Errorf("%w: %s is a fund handle", model.ErrUnauthorized, caller)
	}
	return asset.ValidateHolder(caller)
}

func (s *Service) loadFund(ctx context.Context, tx store.Reader, fundID string) (*model.Fund, error) {
	f, err := tx.GetFund(ctx, fundID)
	if err != nil {
		return nil, err
	}
	s.auth.Register(f.ID)
	return f, nil
}

func (s *Service) loadManaged(ctx context.Context, tx store.Reader, caller, fundID string) (*model.Fund, error) {
	f, err := s.loadFund(ctx, tx, fundID)
	if err != nil {
		return nil, err
	}
	if !authority.IsAuthorized(caller, f, authority.ActionManage, "") {
		return nil, fmt.Errorf("%w: %s does not manage fund %s", model.ErrUnauthorized, caller, fundID)
	}
	return f, nil
}

// --- Fund lifecycle ---

// CreateFundRequest is the JSON body for fund creation.
type CreateFundRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	BaseAsset         string `json:"base_asset"`
	ManagementFeeBps  uint16 `json:"management_fee_bps"`
	PerformanceFeeBps uint16 `json:"performance_fee_bps"`
}

// CreateFund registers a fund managed by caller. The id derives from
// (manager, name), so a manager cannot reuse a name.
func (s *Service) CreateFund(ctx context.Context, caller string, req CreateFundRequest) (*model.Fund, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := s.policy.CheckText(req.Name, req.Description); err != nil {
		return nil, err
	}
	if err := s.policy.CheckFees(req.ManagementFeeBps, req.PerformanceFeeBps); err != nil {
		return nil, err
	}
	if _, err := asset.Parse(req.BaseAsset); err != nil {
		return nil, err
	}

	now := s.now()
	id := authority.FundID(caller, req.Name)
	handles := s.auth.Register(id)
	f := &model.Fund{
		ID:                id,
		Manager:           caller,
		Name:              req.Name,
		Description:       req.Description,
		BaseAsset:         req.BaseAsset,
		Vault:             handles.Vault,
		ShareAuthority:    handles.ShareAuthority,
		ManagementFeeBps:  req.ManagementFeeBps,
		PerformanceFeeBps: req.PerformanceFeeBps,
		LastFeeCollection: now,
		CreatedAt:         now,
	}
	if err := s.run(ctx, "create_fund", func(tx store.Tx) error {
		return tx.CreateFund(ctx, f)
	}); err != nil {
		return nil, err
	}

	slog.Info("fund created",
		"id", f.ID,
		"manager", f.Manager,
		"name", f.Name,
		"base_asset", f.BaseAsset,
		"management_fee_bps", f.ManagementFeeBps,
		"performance_fee_bps", f.PerformanceFeeBps,
	)
	s.broadcast(WSMessage{Type: EventFundCreated, FundID: f.ID, Investor: f.Manager, SharePrice: shares.SharePrice(f).String()})
	return f, nil
}

// UpdateFundRequest is the JSON body for fund updates. Nil fields are left
// unchanged.
type UpdateFundRequest struct {
	Name              *string `json:"name,omitempty"`
	Description       *string `json:"description,omitempty"`
	ManagementFeeBps  *uint16 `json:"management_fee_bps,omitempty"`
	PerformanceFeeBps *uint16 `json:"performance_fee_bps,omitempty"`
}

// UpdateFund changes a fund's descriptive fields and fees. The fund id is
// not re-derived on rename.
func (s *Service) UpdateFund(ctx context.Context, caller, fundID string, req UpdateFundRequest) (*model.Fund, error) {
	var f *model.Fund
	err := s.run(ctx, "update_fund", func(tx store.Tx) error {
		var err error
		if f, err = s.loadManaged(ctx, tx, caller, fundID); err != nil {
			return err
		}
		if req.Name != nil {
			f.Name = *req.Name
		}
		if req.Description != nil {
			f.Description = *req.Description
		}
		if req.ManagementFeeBps != nil {
			f.ManagementFeeBps = *req.ManagementFeeBps
		}
		if req.PerformanceFeeBps != nil {
			f.PerformanceFeeBps = *req.PerformanceFeeBps
		}
		if err := s.policy.CheckText(f.Name, f.Description); err != nil {
			return err
		}
		if err := s.policy.CheckFees(f.ManagementFeeBps, f.PerformanceFeeBps); err != nil {
			return err
		}
		return tx.PutFund(ctx, f)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("fund updated", "id", f.ID, "name", f.Name,
		"management_fee_bps", f.ManagementFeeBps, "performance_fee_bps", f.PerformanceFeeBps)
	s.broadcast(WSMessage{Type: EventFundUpdated, FundID: f.ID})
	return f, nil
}

// --- Deposits and direct withdrawals ---

// DepositResult reports a deposit.
type DepositResult struct {
	Fund         *model.Fund             `json:"fund"`
	Position     *model.InvestorPosition `json:"position"`
	SharesMinted uint64                  `json:"shares_minted"`
}

// Deposit moves amount of the base asset from caller into the fund and
// mints shares at the current price.
func (s *Service) Deposit(ctx context.Context, caller, fundID string, amount uint64) (*DepositResult, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", model.ErrInvalidAmount)
	}

	var res DepositResult
	err := s.run(ctx, "deposit", func(tx store.Tx) error {
		f, err := s.loadFund(ctx, tx, fundID)
		if err != nil {
			return err
		}
		minted, err := shares.ToMint(f, amount)
		if err != nil {
			return err
		}
		if minted == 0 {
			return fmt.Errorf("%w: deposit of %d mints no shares", model.ErrInvalidAmount, amount)
		}

		ledger := holdings.New(tx, s.auth)
		if err := ledger.Transfer(ctx, caller, f.Vault, f.BaseAsset, amount, nil); err != nil {
			return err
		}
		if err := shares.ApplyDeposit(f, amount, minted); err != nil {
			return err
		}

		now := s.now()
		pos, err := tx.GetPosition(ctx, fundID, caller)
		if errors.Is(err, model.ErrNotFound) {
			pos = &model.InvestorPosition{
				FundID:            fundID,
				Investor:          caller,
				InitialInvestment: amount,
				FirstDepositAt:    now,
			}
		} else if err != nil {
			return err
		}
		if pos.Shares, err = shares.Add(pos.Shares, minted); err != nil {
			return err
		}
		if pos.TotalDeposited, err = shares.Add(pos.TotalDeposited, amount); err != nil {
			return err
		}
		pos.LastActivityAt = now

		if err := tx.PutFund(ctx, f); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}
		res = DepositResult{Fund: f, Position: pos, SharesMinted: minted}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("deposit made",
		"fund", fundID,
		"investor", caller,
		"amount", amount,
		"shares_minted", res.SharesMinted,
		"total_shares", res.Fund.TotalShares,
		"total_assets", res.Fund.TotalAssets,
	)
	s.broadcast(WSMessage{
		Type:       EventDepositMade,
		FundID:     fundID,
		Investor:   caller,
		Asset:      res.Fund.BaseAsset,
		Amount:     amount,
		Shares:     res.SharesMinted,
		SharePrice: shares.SharePrice(res.Fund).String(),
	})
	return &res, nil
}

// WithdrawResult reports a direct withdrawal.
type WithdrawResult struct {
	Fund     *model.Fund             `json:"fund"`
	Position *model.InvestorPosition `json:"position"`
	Amount   uint64                  `json:"amount"`
}

// Withdraw burns shares and pays their base-asset value immediately. It is
// refused while the investor has an open withdrawal workflow.
func (s *Service) Withdraw(ctx context.Context, caller, fundID string, sharesToBurn uint64) (*WithdrawResult, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if sharesToBurn == 0 {
		return nil, fmt.Errorf("%w: shares must be positive", model.ErrInvalidShares)
	}

	var res WithdrawResult
	err := s.run(ctx, "withdraw", func(tx store.Tx) error {
		f, err := s.loadFund(ctx, tx, fundID)
		if err != nil {
			return err
		}
		pos, err := tx.GetPosition(ctx, fundID, caller)
		if err != nil {
			return err
		}
		if sharesToBurn > pos.Shares {
			return fmt.Errorf("%w: holds %d shares, requested %d", model.ErrInsufficientFunds, pos.Shares, sharesToBurn)
		}
		if ws, err := tx.GetWithdrawal(ctx, fundID, caller); err == nil && ws.Status.Open() {
			return fmt.Errorf("%w: withdrawal %s is %s", model.ErrInvalidWithdrawalStatus, ws.ID, ws.Status)
		} else if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}

		amount, err := shares.WithdrawalAmount(f, sharesToBurn)
		if err != nil {
			return err
		}
		if err := shares.ApplyBurn(f, sharesToBurn, amount); err != nil {
			return err
		}

		ledger := holdings.New(tx, s.auth)
		proof, err := s.auth.Issue(f.ID, authority.RoleVault)
		if err != nil {
			return err
		}
		if err := ledger.Transfer(ctx, f.Vault, caller, f.BaseAsset, amount, &proof); err != nil {
			return err
		}

		pos.Shares -= sharesToBurn
		if pos.TotalWithdrawn, err = shares.Add(pos.TotalWithdrawn, amount); err != nil {
			return err
		}
		pos.LastActivityAt = s.now()

		if err := tx.PutFund(ctx, f); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}
		res = WithdrawResult{Fund: f, Position: pos, Amount: amount}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("withdrawal made",
		"fund", fundID,
		"investor", caller,
		"shares_burned", sharesToBurn,
		"amount", res.Amount,
	)
	s.broadcast(WSMessage{
		Type:     EventWithdrawalMade,
		FundID:   fundID,
		Investor: caller,
		Asset:    res.Fund.BaseAsset,
		Amount:   res.Amount,
		Shares:   sharesToBurn,
	})
	return &res, nil
}

// --- Withdrawal workflow ---

// InitiateWithdrawal opens a proportional withdrawal of sharesToWithdraw.
func (s *Service) InitiateWithdrawal(ctx context.Context, caller, fundID string, sharesToWithdraw uint64) (*model.WithdrawalState, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	var ws *model.WithdrawalState
	err := s.run(ctx, "initiate_withdrawal", func(tx store.Tx) error {
		var err error
		ws, err = s.workflow.Initiate(ctx, tx, fundID, caller, sharesToWithdraw)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenWithdrawals.Inc()
	slog.Info("withdrawal initiated",
		"id", ws.ID,
		"fund", fundID,
		"investor", caller,
		"shares", ws.SharesToWithdraw,
		"fraction_ppm", ws.Fraction,
	)
	s.broadcast(WSMessage{Type: EventWithdrawalInitiated, FundID: fundID, Investor: caller, Shares: ws.SharesToWithdraw})
	return ws, nil
}

// LegRequest is the JSON body for one liquidation leg.
type LegRequest struct {
	Asset       string             `json:"asset"`
	InputAmount uint64             `json:"input_amount"`
	MinimumOut  uint64             `json:"minimum_out"`
	Target      string             `json:"target"`
	Accounts    []swap.AccountMeta `json:"accounts,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	DryRun      bool               `json:"dry_run"`
}

// LiquidateLeg sells part of the caller's share of one fund holding.
func (s *Service) LiquidateLeg(ctx context.Context, caller, fundID string, req LegRequest) (*withdrawal.LegResult, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	var res *withdrawal.LegResult
	err := s.run(ctx, "liquidate_leg", func(tx store.Tx) error {
		var err error
		res, err = s.workflow.LiquidateLeg(ctx, tx, fundID, caller, withdrawal.Leg{
			Asset:       req.Asset,
			InputAmount: req.InputAmount,
			MinimumOut:  req.MinimumOut,
			Target:      req.Target,
			Accounts:    req.Accounts,
			Payload:     req.Payload,
			DryRun:      req.DryRun,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("withdrawal leg",
		"fund", fundID,
		"investor", caller,
		"asset", req.Asset,
		"input", req.InputAmount,
		"received", res.Received,
		"remaining", res.Remaining,
		"dry_run", req.DryRun,
	)
	if !req.DryRun {
		s.broadcast(WSMessage{
			Type:     EventWithdrawalLeg,
			FundID:   fundID,
			Investor: caller,
			Asset:    req.Asset,
			Amount:   req.InputAmount,
		})
	}
	return res, nil
}

// MarkWithdrawalReady ends the caller's liquidation phase.
func (s *Service) MarkWithdrawalReady(ctx context.Context, caller, fundID string) (*model.WithdrawalState, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	var ws *model.WithdrawalState
	err := s.run(ctx, "mark_ready", func(tx store.Tx) error {
		var err error
		ws, err = s.workflow.MarkReady(ctx, tx, fundID, caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("withdrawal ready", "id", ws.ID, "fund", fundID, "investor", caller)
	return ws, nil
}

// FinalizeWithdrawal settles the caller's workflow.
func (s *Service) FinalizeWithdrawal(ctx context.Context, caller, fundID string) (*withdrawal.Settlement, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	var st *withdrawal.Settlement
	err := s.run(ctx, "finalize_withdrawal", func(tx store.Tx) error {
		var err error
		st, err = s.workflow.Finalize(ctx, tx, fundID, caller)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenWithdrawals.Dec()
	recordFees(fundID, st.Fees)
	slog.Info("withdrawal finalized",
		"id", st.Withdrawal.ID,
		"fund", fundID,
		"investor", caller,
		"completion_ppm", st.CompletionPpm,
		"shares_burned", st.EffectiveShares,
		"gross", st.Gross,
		"net", st.Fees.NetToInvestor,
		"platform_fee", st.Fees.PlatformFee,
		"performance_fee", st.Fees.PerformanceFee,
	)
	s.broadcast(WSMessage{
		Type:       EventWithdrawalFinalized,
		FundID:     fundID,
		Investor:   caller,
		Asset:      st.Fund.BaseAsset,
		Amount:     st.Fees.NetToInvestor,
		Shares:     st.EffectiveShares,
		SharePrice: shares.SharePrice(st.Fund).String(),
	})
	return st, nil
}

// AbandonWithdrawal closes the caller's workflow without payout.
func (s *Service) AbandonWithdrawal(ctx context.Context, caller, fundID string) (*model.WithdrawalState, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	var ws *model.WithdrawalState
	err := s.run(ctx, "abandon_withdrawal", func(tx store.Tx) error {
		var err error
		ws, err = s.workflow.Abandon(ctx, tx, fundID, caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.OpenWithdrawals.Dec()
	slog.Info("withdrawal abandoned", "id", ws.ID, "fund", fundID, "investor", caller)
	s.broadcast(WSMessage{Type: EventWithdrawalAbandoned, FundID: fundID, Investor: caller})
	return ws, nil
}

func recordFees(fundID string, b fees.Breakdown) {
	metrics.FeesCollected.WithLabelValues(fundID, "platform").Add(float64(b.PlatformFee))
	metrics.FeesCollected.WithLabelValues(fundID, "performance_platform").Add(float64(b.PlatformPerformanceShare))
	metrics.FeesCollected.WithLabelValues(fundID, "performance_manager").Add(float64(b.ManagerPerformanceShare))
}

// --- Manager swaps ---

// AuthorizeSwapRequest is the JSON body for a swap authorization.
type AuthorizeSwapRequest struct {
	Asset    string `json:"asset"`
	Amount   uint64 `json:"amount"`
	Delegate string `json:"delegate,omitempty"` // defaults to the manager
}

// AuthorizeSwap lets a delegate move up to Amount of Asset out of the vault
// through manager swaps. It replaces any earlier authorization for Asset.
func (s *Service) AuthorizeSwap(ctx context.Context, caller, fundID string, req AuthorizeSwapRequest) (*model.SwapDelegation, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: authorization must be positive", model.ErrInvalidAmount)
	}
	if _, err := asset.Parse(req.Asset); err != nil {
		return nil, err
	}
	delegate := req.Delegate
	if delegate == "" {
		delegate = caller
	}
	if err := requireCaller(delegate); err != nil {
		return nil, err
	}

	var d *model.SwapDelegation
	err := s.run(ctx, "authorize_swap", func(tx store.Tx) error {
		if _, err := s.loadManaged(ctx, tx, caller, fundID); err != nil {
			return err
		}
		d = &model.SwapDelegation{
			FundID:    fundID,
			Asset:     req.Asset,
			Delegate:  delegate,
			Amount:    req.Amount,
			CreatedAt: s.now(),
		}
		return tx.PutDelegation(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("swap authorized", "fund", fundID, "asset", d.Asset, "delegate", d.Delegate, "amount", d.Amount)
	return d, nil
}

// RevokeSwap removes the authorization for asset.
func (s *Service) RevokeSwap(ctx context.Context, caller, fundID, assetID string) error {
	err := s.run(ctx, "revoke_swap", func(tx store.Tx) error {
		if _, err := s.loadManaged(ctx, tx, caller, fundID); err != nil {
			return err
		}
		if _, err := tx.GetDelegation(ctx, fundID, assetID); err != nil {
			return err
		}
		return tx.DeleteDelegation(ctx, fundID, assetID)
	})
	if err != nil {
		return err
	}
	slog.Info("swap revoked", "fund", fundID, "asset", assetID)
	return nil
}

// SwapRequest is the JSON body for a manager swap. When MinimumOut is zero
// and SlippageBps is set, the minimum is derived from the router's quote.
type SwapRequest struct {
	InputAsset  string             `json:"input_asset"`
	OutputAsset string             `json:"output_asset"`
	AmountIn    uint64             `json:"amount_in"`
	MinimumOut  uint64             `json:"minimum_out"`
	SlippageBps uint16             `json:"slippage_bps"`
	Target      string             `json:"target"`
	Accounts    []swap.AccountMeta `json:"accounts,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
}

// SwapResult reports a manager swap.
type SwapResult struct {
	Trade      *model.Trade          `json:"trade"`
	Received   uint64                `json:"received"`
	Delegation *model.SwapDelegation `json:"delegation,omitempty"` // nil once used up
}

// ExecuteSwap rebalances the vault through the swap delegate, consuming the
// caller's authorization for the input asset and recording a trade.
func (s *Service) ExecuteSwap(ctx context.Context, caller, fundID string, req SwapRequest) (*SwapResult, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if req.AmountIn == 0 {
		return nil, fmt.Errorf("%w: amount_in must be positive", model.ErrInvalidAmount)
	}
	if _, err := asset.Parse(req.InputAsset); err != nil {
		return nil, err
	}
	if _, err := asset.Parse(req.OutputAsset); err != nil {
		return nil, err
	}
	if err := s.policy.CheckSlippage(req.SlippageBps); err != nil {
		return nil, err
	}

	var res SwapResult
	err := s.run(ctx, "execute_swap", func(tx store.Tx) error {
		f, err := s.loadFund(ctx, tx, fundID)
		if err != nil {
			return err
		}
		d, err := tx.GetDelegation(ctx, fundID, req.InputAsset)
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: no swap authorization for %s", model.ErrUnauthorized, req.InputAsset)
		} else if err != nil {
			return err
		}
		if d.Delegate != caller {
			return fmt.Errorf("%w: %s is not the swap delegate", model.ErrUnauthorized, caller)
		}
		if d.Amount < req.AmountIn {
			return fmt.Errorf("%w: authorized %d, requested %d", model.ErrInvalidAmount, d.Amount, req.AmountIn)
		}

		minOut, err := s.minimumOut(ctx, req)
		if err != nil {
			return err
		}
		payload := req.Payload
		if len(payload) == 0 {
			payload = swap.BuildPayload(req.InputAsset, req.OutputAsset, req.AmountIn)
		}

		ledger := holdings.New(tx, s.auth)
		out, err := s.delegate.Execute(ctx, ledger, swap.Request{
			FundID:      f.ID,
			Source:      f.Vault,
			InputAsset:  req.InputAsset,
			InputAmount: req.AmountIn,
			Destination: f.Vault,
			OutputAsset: req.OutputAsset,
			MinimumOut:  minOut,
			Target:      req.Target,
			Accounts:    req.Accounts,
			Payload:     payload,
		})
		if err != nil {
			return err
		}

		d.Amount -= req.AmountIn
		if d.Amount == 0 {
			if err := tx.DeleteDelegation(ctx, fundID, req.InputAsset); err != nil {
				return err
			}
			d = nil
		} else if err := tx.PutDelegation(ctx, d); err != nil {
			return err
		}

		trade := &model.Trade{
			ID:          uuid.New().String(),
			FundID:      fundID,
			Trader:      caller,
			Type:        tradeType(f.BaseAsset, req.InputAsset, req.OutputAsset),
			InputAsset:  req.InputAsset,
			OutputAsset: req.OutputAsset,
			AmountIn:    req.AmountIn,
			AmountOut:   out.Received,
			Router:      req.Target,
			Timestamp:   s.now(),
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		res = SwapResult{Trade: trade, Received: out.Received, Delegation: d}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"fund", fundID,
		"trader", caller,
		"type", res.Trade.Type,
		"input_asset", req.InputAsset,
		"output_asset", req.OutputAsset,
		"amount_in", req.AmountIn,
		"amount_out", res.Received,
		"router", req.Target,
	)
	s.broadcast(WSMessage{
		Type:   EventTradeExecuted,
		FundID: fundID,
		Asset:  req.OutputAsset,
		Amount: res.Received,
	})
	return &res, nil
}

// minimumOut resolves the output floor of a manager swap.
func (s *Service) minimumOut(ctx context.Context, req SwapRequest) (uint64, error) {
	minOut := req.MinimumOut
	if minOut == 0 && req.SlippageBps > 0 {
		router, ok := s.delegate.Router(req.Target)
		if !ok {
			return 0, fmt.Errorf("%w: no router registered for %s", model.ErrInvocationFailed, req.Target)
		}
		q, ok := router.(swap.Quoter)
		if !ok {
			return 0, fmt.Errorf("%w: %s cannot quote, minimum_out required", model.ErrInvalidInput, req.Target)
		}
		quote, err := q.Quote(ctx, req.InputAsset, req.OutputAsset, req.AmountIn)
		if err != nil {
			return 0, fmt.Errorf("%w: quote: %v", model.ErrInvocationFailed, err)
		}
		if minOut, err = shares.MulDiv(quote, 10_000-uint64(req.SlippageBps), 10_000); err != nil {
			return 0, err
		}
	}
	if minOut == 0 {
		return 0, fmt.Errorf("%w: minimum_out must be positive", model.ErrInvalidAmount)
	}
	return minOut, nil
}

func tradeType(base, in, out string) model.TradeType {
	switch base {
	case in:
		return model.TradeBuy
	case out:
		return model.TradeSell
	}
	return model.TradeSwap
}

// --- Batch payouts ---

// PayoutRecipient names one position to pay and where the payout goes.
type PayoutRecipient struct {
	Investor  string `json:"investor"`
	Recipient string `json:"recipient"`
}

// PayInvestorsRequest is the JSON body for a batch payout.
type PayInvestorsRequest struct {
	TotalAmount uint64            `json:"total_amount"`
	Recipients  []PayoutRecipient `json:"recipients"`
}

// Payout is one investor's part of a batch payout.
type Payout struct {
	Investor string `json:"investor"`
	Shares   uint64 `json:"shares"`
	Amount   uint64 `json:"amount"`
}

// PayoutResult reports a batch payout.
type PayoutResult struct {
	Fees    fees.Breakdown `json:"fees"`
	Payouts []Payout       `json:"payouts"`
	Fund    *model.Fund    `json:"fund"`
}

// PayInvestors distributes TotalAmount of the base asset from the vault:
// fees first (no cost basis), then the investor pool pro rata by shares with
// the last recipient taking the rounding remainder.
func (s *Service) PayInvestors(ctx context.Context, caller, fundID string, req PayInvestorsRequest) (*PayoutResult, error) {
	if req.TotalAmount == 0 {
		return nil, fmt.Errorf("%w: total_amount must be positive", model.ErrInvalidAmount)
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", model.ErrInvalidInput)
	}
	investors := lo.Map(req.Recipients, func(r PayoutRecipient, _ int) string { return r.Investor })
	if dups := lo.FindDuplicates(investors); len(dups) > 0 {
		return nil, fmt.Errorf("%w: duplicate investors %v", model.ErrInvalidInput, dups)
	}
	if mismatched, ok := lo.Find(req.Recipients, func(r PayoutRecipient) bool { return r.Recipient != r.Investor }); ok {
		return nil, fmt.Errorf("%w: recipient %s does not own position %s", model.ErrInvalidInput, mismatched.Recipient, mismatched.Investor)
	}

	var res PayoutResult
	err := s.run(ctx, "pay_investors", func(tx store.Tx) error {
		f, err := s.loadManaged(ctx, tx, caller, fundID)
		if err != nil {
			return err
		}

		positions := make([]*model.InvestorPosition, 0, len(req.Recipients))
		for _, r := range req.Recipients {
			pos, err := tx.GetPosition(ctx, fundID, r.Investor)
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: %s has no position in fund %s", model.ErrInvalidInput, r.Investor, fundID)
			} else if err != nil {
				return err
			}
			positions = append(positions, pos)
		}

		ledger := holdings.New(tx, s.auth)
		held, err := ledger.Balance(ctx, f.Vault, f.BaseAsset)
		if err != nil {
			return err
		}
		if held < req.TotalAmount {
			return fmt.Errorf("%w: vault holds %d, payout %d", model.ErrInsufficientFunds, held, req.TotalAmount)
		}

		breakdown, err := fees.Compute(fees.Input{Gross: req.TotalAmount, PerformanceBps: f.PerformanceFeeBps})
		if err != nil {
			return err
		}
		weights := lo.Map(positions, func(p *model.InvestorPosition, _ int) uint64 { return p.Shares })
		amounts, err := fees.Distribute(breakdown.NetToInvestor, weights)
		if err != nil {
			return err
		}

		proof, err := s.auth.Issue(f.ID, authority.RoleVault)
		if err != nil {
			return err
		}
		if err := ledger.Transfer(ctx, f.Vault, s.opts.Treasury, f.BaseAsset, breakdown.TreasuryTotal(), &proof); err != nil {
			return err
		}
		if err := ledger.Transfer(ctx, f.Vault, f.Manager, f.BaseAsset, breakdown.ManagerPerformanceShare, &proof); err != nil {
			return err
		}

		now := s.now()
		payouts := make([]Payout, 0, len(positions))
		for i, pos := range positions {
			if err := ledger.Transfer(ctx, f.Vault, req.Recipients[i].Recipient, f.BaseAsset, amounts[i], &proof); err != nil {
				return err
			}
			if pos.TotalWithdrawn, err = shares.Add(pos.TotalWithdrawn, amounts[i]); err != nil {
				return err
			}
			pos.LastActivityAt = now
			if err := tx.PutPosition(ctx, pos); err != nil {
				return err
			}
			payouts = append(payouts, Payout{Investor: pos.Investor, Shares: pos.Shares, Amount: amounts[i]})
		}

		shares.ReduceAssets(f, req.TotalAmount)
		if err := tx.PutFund(ctx, f); err != nil {
			return err
		}
		res = PayoutResult{Fees: breakdown, Payouts: payouts, Fund: f}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordFees(fundID, res.Fees)
	slog.Info("investors paid",
		"fund", fundID,
		"total", req.TotalAmount,
		"recipients", len(res.Payouts),
		"net", res.Fees.NetToInvestor,
		"treasury", res.Fees.TreasuryTotal(),
		"manager", res.Fees.ManagerPerformanceShare,
	)
	s.broadcast(WSMessage{Type: EventInvestorsPaid, FundID: fundID, Asset: res.Fund.BaseAsset, Amount: req.TotalAmount})
	return &res, nil
}

// --- Valuation ---

// NavRequest is the JSON body for a NAV attestation.
type NavRequest struct {
	NavValue  uint64    `json:"nav_value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WriteNavAttestation records the manager's valuation of the fund.
func (s *Service) WriteNavAttestation(ctx context.Context, caller, fundID string, req NavRequest) (*model.NavAttestation, error) {
	now := s.now()
	if !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", model.ErrInvalidInput)
	}
	nav := &model.NavAttestation{
		FundID:    fundID,
		NavValue:  req.NavValue,
		ExpiresAt: req.ExpiresAt.UTC(),
		UpdatedAt: now,
	}
	err := s.run(ctx, "nav_attest", func(tx store.Tx) error {
		if _, err := s.loadManaged(ctx, tx, caller, fundID); err != nil {
			return err
		}
		return tx.PutNav(ctx, nav)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("nav attested", "fund", fundID, "nav", nav.NavValue, "expires_at", nav.ExpiresAt)
	return nav, nil
}

// --- Development bootstrap ---

// CreditRequest is the JSON body for a development credit.
type CreditRequest struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// Credit mints a balance out of thin air. It stands in for the external
// allocation service and is refused unless enabled.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (uint64, error) {
	if !s.opts.AllowDevCredit {
		return 0, fmt.Errorf("%w: development credit is disabled", model.ErrUnauthorized)
	}
	if err := asset.ValidateHolder(req.Holder); err != nil {
		return 0, err
	}
	if _, err := asset.Parse(req.Asset); err != nil {
		return 0, err
	}
	if req.Amount == 0 {
		return 0, fmt.Errorf("%w: credit must be positive", model.ErrInvalidAmount)
	}

	var bal uint64
	err := s.run(ctx, "credit", func(tx store.Tx) error {
		ledger := holdings.New(tx, s.auth)
		if err := ledger.Credit(ctx, req.Holder, req.Asset, req.Amount); err != nil {
			return err
		}
		var err error
		bal, err = ledger.Balance(ctx, req.Holder, req.Asset)
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Warn("development credit", "holder", req.Holder, "asset", req.Asset, "amount", req.Amount)
	return bal, nil
}

// --- Queries ---

// ListFunds returns all funds, or those of one manager.
func (s *Service) ListFunds(ctx context.Context, manager string) ([]model.Fund, error) {
	funds, err := s.store.ListFunds(ctx)
	if err != nil {
		return nil, err
	}
	if manager != "" {
		funds = lo.Filter(funds, func(f model.Fund, _ int) bool { return f.Manager == manager })
	}
	if funds == nil {
		funds = []model.Fund{}
	}
	return funds, nil
}

// FundView is a fund with its current share price.
type FundView struct {
	*model.Fund
	SharePrice decimal.Decimal `json:"share_price"`
}

// GetFund returns one fund.
func (s *Service) GetFund(ctx context.Context, fundID string) (*FundView, error) {
	f, err := s.store.GetFund(ctx, fundID)
	if err != nil {
		return nil, err
	}
	return &FundView{Fund: f, SharePrice: shares.SharePrice(f)}, nil
}

// PositionView is a position valued at the current share price.
type PositionView struct {
	*model.InvestorPosition
	CurrentValue  uint64          `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	SharePrice    decimal.Decimal `json:"share_price"`
}

// GetPosition returns an investor's valued position.
func (s *Service) GetPosition(ctx context.Context, fundID, investor string) (*PositionView, error) {
	f, err := s.store.GetFund(ctx, fundID)
	if err != nil {
		return nil, err
	}
	pos, err := s.store.GetPosition(ctx, fundID, investor)
	if err != nil {
		return nil, err
	}
	value, err := shares.CurrentValue(f, pos)
	if err != nil {
		return nil, err
	}
	pnl, err := shares.UnrealizedPnL(f, pos)
	if err != nil {
		return nil, err
	}
	return &PositionView{
		InvestorPosition: pos,
		CurrentValue:     value,
		UnrealizedPnL:    pnl,
		SharePrice:       shares.SharePrice(f),
	}, nil
}

// WithdrawalView is an open workflow with its per-asset progress.
type WithdrawalView struct {
	*model.WithdrawalState
	Progress   []model.WithdrawalMintProgress `json:"progress"`
	Completion decimal.Decimal                `json:"completion"`
}

// GetWithdrawal returns the open workflow of investor.
func (s *Service) GetWithdrawal(ctx context.Context, fundID, investor string) (*WithdrawalView, error) {
	ws, err := s.store.GetWithdrawal(ctx, fundID, investor)
	if err != nil {
		return nil, err
	}
	progress, err := s.store.ListProgress(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = []model.WithdrawalMintProgress{}
	}
	k, err := withdrawal.CompletionPpm(ws)
	if err != nil {
		return nil, err
	}
	return &WithdrawalView{
		WithdrawalState: ws,
		Progress:        progress,
		Completion:      shares.Decimal(k).Shift(-6),
	}, nil
}

// ListTrades returns the fund's trade audit trail.
func (s *Service) ListTrades(ctx context.Context, fundID string) ([]model.Trade, error) {
	if _, err := s.store.GetFund(ctx, fundID); err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, fundID)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// Balance returns a holding.
func (s *Service) Balance(ctx context.Context, holder, assetID string) (uint64, error) {
	if _, err := asset.Parse(assetID); err != nil {
		return 0, err
	}
	return s.store.Balance(ctx, holder, assetID)
}
