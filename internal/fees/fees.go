// Package fees computes the payout fee waterfall and pro-rata batch
// distributions. Every split is exact: the parts always sum to the input.
package fees

import (
	"fmt"

	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/shares"
)

const (
	// PlatformFeeDivisor takes 1% of gross.
	PlatformFeeDivisor uint64 = 100

	// PlatformPerformanceDivisor is the platform's cut (1/5) of the
	// performance fee; the manager keeps the rest.
	PlatformPerformanceDivisor uint64 = 5

	// MaxPerformanceBps is the hard ceiling the waterfall accepts.
	MaxPerformanceBps uint16 = 5000

	bpsDenominator uint64 = 10_000
)

// Input describes one payout.
type Input struct {
	Gross          uint64
	CostBasis      uint64
	PerformanceBps uint16
}

// Breakdown is the result of the waterfall.
// PlatformFee + PerformanceFee + NetToInvestor == Gross.
type Breakdown struct {
	Gross                    uint64 `json:"gross"`
	PlatformFee              uint64 `json:"platform_fee"`
	AfterPlatform            uint64 `json:"after_platform"`
	Profit                   uint64 `json:"profit"`
	PerformanceFee           uint64 `json:"performance_fee"`
	PlatformPerformanceShare uint64 `json:"platform_performance_share"`
	ManagerPerformanceShare  uint64 `json:"manager_performance_share"`
	NetToInvestor            uint64 `json:"net_to_investor"`
}

// TreasuryTotal is everything owed to the platform treasury.
func (b Breakdown) TreasuryTotal() uint64 {
	return b.PlatformFee + b.PlatformPerformanceShare
}

// Compute applies the waterfall: platform fee first, then a performance fee
// on profit above cost basis, split between platform and manager.
func Compute(in Input) (Breakdown, error) {
	if in.PerformanceBps > MaxPerformanceBps {
		return Breakdown{}, fmt.Errorf("%w: performance %d bps exceeds %d",
			model.ErrInvalidFee, in.PerformanceBps, MaxPerformanceBps)
	}

	b := Breakdown{Gross: in.Gross}
	b.PlatformFee = in.Gross / PlatformFeeDivisor
	b.AfterPlatform = in.Gross - b.PlatformFee
	b.Profit = shares.SaturatingSub(b.AfterPlatform, in.CostBasis)

	perf, err := shares.MulDiv(b.Profit, uint64(in.PerformanceBps), bpsDenominator)
	if err != nil {
		return Breakdown{}, err
	}
	b.PerformanceFee = perf
	b.PlatformPerformanceShare = perf / PlatformPerformanceDivisor
	b.ManagerPerformanceShare = perf - b.PlatformPerformanceShare
	b.NetToInvestor = b.AfterPlatform - perf
	return b, nil
}

// Distribute splits pool across weights pro rata. Each share floors and the
// last recipient takes whatever flooring left behind, so the result sums to
// exactly pool.
func Distribute(pool uint64, weights []uint64) ([]uint64, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: no recipients", model.ErrInvalidShares)
	}
	var total uint64
	for _, w := range weights {
		sum, err := shares.Add(total, w)
		if err != nil {
			return nil, err
		}
		total = sum
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: zero total weight", model.ErrInvalidShares)
	}

	out := make([]uint64, len(weights))
	var distributed uint64
	for i, w := range weights[:len(weights)-1] {
		part, err := shares.MulDiv(pool, w, total)
		if err != nil {
			return nil, err
		}
		out[i] = part
		distributed += part
	}
	out[len(out)-1] = pool - distributed
	return out, nil
}
