// Package model defines the core domain types shared across the fund engine.
// All quantities are integer base units (uint64) of the asset they refer to;
// share-price math happens in widened integers, never float64.
package model

import (
	"time"
)

// Precision is the fixed-point denominator for withdrawal fractions
// (parts per million).
const Precision uint64 = 1_000_000

// Fund is the aggregate state of one pooled vehicle.
type Fund struct {
	ID                string    `json:"id" db:"id"`
	Manager           string    `json:"manager" db:"manager"`
	Name              string    `json:"name" db:"name"`
	Description       string    `json:"description" db:"description"`
	BaseAsset         string    `json:"base_asset" db:"base_asset"`
	Vault             string    `json:"vault" db:"vault"`                     // holder handle for every fund-owned balance
	ShareAuthority    string    `json:"share_authority" db:"share_authority"` // handle allowed to mint/burn shares
	ManagementFeeBps  uint16    `json:"management_fee_bps" db:"management_fee_bps"`
	PerformanceFeeBps uint16    `json:"performance_fee_bps" db:"performance_fee_bps"`
	TotalShares       uint64    `json:"total_shares" db:"total_shares"`
	TotalAssets       uint64    `json:"total_assets" db:"total_assets"`
	LastFeeCollection time.Time `json:"last_fee_collection" db:"last_fee_collection"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// InvestorPosition is one investor's stake in one fund. It is created on
// first deposit and never deleted, even when Shares reaches zero.
type InvestorPosition struct {
	FundID            string    `json:"fund_id" db:"fund_id"`
	Investor          string    `json:"investor" db:"investor"`
	Shares            uint64    `json:"shares" db:"shares"`
	InitialInvestment uint64    `json:"initial_investment" db:"initial_investment"`
	TotalDeposited    uint64    `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn    uint64    `json:"total_withdrawn" db:"total_withdrawn"`
	FirstDepositAt    time.Time `json:"first_deposit_at" db:"first_deposit_at"`
	LastActivityAt    time.Time `json:"last_activity_at" db:"last_activity_at"`
}

// WithdrawalStatus is the state of a proportional withdrawal workflow.
type WithdrawalStatus string

const (
	WithdrawalInitiated       WithdrawalStatus = "initiated"
	WithdrawalLiquidating     WithdrawalStatus = "liquidating"
	WithdrawalReadyToFinalize WithdrawalStatus = "ready_to_finalize"
	WithdrawalCompleted       WithdrawalStatus = "completed"
	WithdrawalFailed          WithdrawalStatus = "failed"
)

// Open reports whether the workflow can still be acted on.
func (s WithdrawalStatus) Open() bool {
	switch s {
	case WithdrawalInitiated, WithdrawalLiquidating, WithdrawalReadyToFinalize:
		return true
	}
	return false
}

// WithdrawalState is one investor's in-flight proportional exit from a fund.
// Fraction is fixed at creation and never revised.
type WithdrawalState struct {
	ID                  string           `json:"id" db:"id"`
	FundID              string           `json:"fund_id" db:"fund_id"`
	Investor            string           `json:"investor" db:"investor"`
	SharesToWithdraw    uint64           `json:"shares_to_withdraw" db:"shares_to_withdraw"`
	TotalSharesSnapshot uint64           `json:"total_shares_snapshot" db:"total_shares_snapshot"`
	Fraction            uint64           `json:"fraction" db:"fraction"` // ppm of Precision
	AllowedSum          uint64           `json:"allowed_sum" db:"allowed_sum"`
	LiquidatedSum       uint64           `json:"liquidated_sum" db:"liquidated_sum"`
	ProceedsAccumulated uint64           `json:"proceeds_accumulated" db:"proceeds_accumulated"`
	Status              WithdrawalStatus `json:"status" db:"status"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// WithdrawalMintProgress is the per-asset liquidation ledger of one
// withdrawal. AmountLiquidated never exceeds AllowedTotal.
type WithdrawalMintProgress struct {
	WithdrawalID     string    `json:"withdrawal_id" db:"withdrawal_id"`
	Asset            string    `json:"asset" db:"asset"`
	AllowedTotal     uint64    `json:"allowed_total" db:"allowed_total"`
	AmountLiquidated uint64    `json:"amount_liquidated" db:"amount_liquidated"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// SwapDelegation is a manager's allowance to move up to Amount of Asset out
// of the fund vault through the swap delegate.
type SwapDelegation struct {
	FundID    string    `json:"fund_id" db:"fund_id"`
	Asset     string    `json:"asset" db:"asset"`
	Delegate  string    `json:"delegate" db:"delegate"`
	Amount    uint64    `json:"amount" db:"amount"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TradeType classifies a manager swap relative to the fund's base asset.
type TradeType string

const (
	TradeBuy  TradeType = "buy"  // base asset in, other asset out
	TradeSell TradeType = "sell" // other asset in, base asset out
	TradeSwap TradeType = "swap" // neither side is the base asset
)

// Trade is an immutable audit record of a manager swap.
type Trade struct {
	ID          string    `json:"id" db:"id"`
	FundID      string    `json:"fund_id" db:"fund_id"`
	Trader      string    `json:"trader" db:"trader"`
	Type        TradeType `json:"type" db:"type"`
	InputAsset  string    `json:"input_asset" db:"input_asset"`
	OutputAsset string    `json:"output_asset" db:"output_asset"`
	AmountIn    uint64    `json:"amount_in" db:"amount_in"`
	AmountOut   uint64    `json:"amount_out" db:"amount_out"`
	Router      string    `json:"router" db:"router"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// NavAttestation is an externally written valuation of a fund, denominated in
// base-asset units. The engine only reads it.
type NavAttestation struct {
	FundID    string    `json:"fund_id" db:"fund_id"`
	NavValue  uint64    `json:"nav_value" db:"nav_value"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Fresh reports whether the attestation is usable at now.
func (n *NavAttestation) Fresh(now time.Time) bool {
	return n != nil && now.Before(n.ExpiresAt)
}
