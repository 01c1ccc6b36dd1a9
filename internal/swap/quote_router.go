package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/defunds/fund-engine/internal/asset"
	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/holdings"
	"github.com/defunds/fund-engine/internal/shares"
)

// Router payload instructions.
const (
	InstructionSwap   = "swap"
	InstructionLedger = "ledger" // pre-flight, moves nothing
)

var (
	ErrNoPrice        = errors.New("swap: no price for pair")
	ErrBadPayload     = errors.New("swap: malformed payload")
	ErrMissingAccount = errors.New("swap: missing source or destination account")
)

// Payload is the instruction format understood by QuoteRouter.
type Payload struct {
	Instruction string `json:"instruction"`
	InputAsset  string `json:"input_asset,omitempty"`
	OutputAsset string `json:"output_asset,omitempty"`
	AmountIn    uint64 `json:"amount_in,omitempty"`
}

// BuildPayload encodes a QuoteRouter swap instruction.
func BuildPayload(inputAsset, outputAsset string, amountIn uint64) json.RawMessage {
	data, _ := json.Marshal(Payload{
		Instruction: InstructionSwap,
		InputAsset:  inputAsset,
		OutputAsset: outputAsset,
		AmountIn:    amountIn,
	})
	return data
}

// Price is one entry of a router's price table: units of Output paid per
// unit of Input.
type Price struct {
	Input  string          `json:"input" yaml:"input"`
	Output string          `json:"output" yaml:"output"`
	Price  decimal.Decimal `json:"price" yaml:"price"`
}

type pair struct{ in, out string }

// QuoteRouter is an in-process exchange used for development and tests. It
// prices from a static table, pulls the input from the signer account with
// the attached proof and pays out of its own reserve holding.
type QuoteRouter struct {
	name    string
	reserve string

	mu     sync.RWMutex
	prices map[pair]decimal.Decimal
}

// NewQuoteRouter creates a router whose reserve holder is router:{name}.
func NewQuoteRouter(name string, prices ...Price) *QuoteRouter {
	r := &QuoteRouter{
		name:    name,
		reserve: asset.Target(name),
		prices:  make(map[pair]decimal.Decimal),
	}
	for _, p := range prices {
		r.SetPrice(p.Input, p.Output, p.Price)
	}
	return r
}

// Name returns the router name.
func (r *QuoteRouter) Name() string { return r.name }

// Reserve returns the holder the router pays out of.
func (r *QuoteRouter) Reserve() string { return r.reserve }

// SetPrice sets the price of in quoted in out.
func (r *QuoteRouter) SetPrice(in, out string, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[pair{in, out}] = price
}

// Quote returns floor(amount * price). The inverse pair is used when only
// the reverse direction is listed.
func (r *QuoteRouter) Quote(_ context.Context, in, out string, amount uint64) (uint64, error) {
	r.mu.RLock()
	price, ok := r.prices[pair{in, out}]
	if !ok {
		if inv, found := r.prices[pair{out, in}]; found && inv.IsPositive() {
			price, ok = decimal.NewFromInt(1).DivRound(inv, 18), true
		}
	}
	r.mu.RUnlock()
	if !ok || !price.IsPositive() {
		return 0, fmt.Errorf("%w: %s/%s", ErrNoPrice, in, out)
	}

	got := shares.Decimal(amount).Mul(price).Floor()
	if !got.BigInt().IsUint64() {
		return 0, fmt.Errorf("swap: quote %s overflows", got)
	}
	return got.BigInt().Uint64(), nil
}

// Call executes a payload.
func (r *QuoteRouter) Call(ctx context.Context, ledger *holdings.Ledger, call Call) ([]BalanceDelta, error) {
	var p Payload
	if len(call.Payload) > 0 {
		if err := json.Unmarshal(call.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	switch p.Instruction {
	case InstructionLedger:
		return nil, nil
	case InstructionSwap:
	default:
		return nil, fmt.Errorf("%w: unknown instruction %q", ErrBadPayload, p.Instruction)
	}
	if p.AmountIn == 0 || p.InputAsset == "" || p.OutputAsset == "" {
		return nil, fmt.Errorf("%w: swap needs assets and amount", ErrBadPayload)
	}
	if len(call.Accounts) < 2 || !call.Accounts[0].Signer {
		return nil, ErrMissingAccount
	}
	src, dst := call.Accounts[0].Holder, call.Accounts[1].Holder

	var proof *authority.Proof
	for i := range call.Proofs {
		if call.Proofs[i].Holder == src {
			proof = &call.Proofs[i]
			break
		}
	}

	out, err := r.Quote(ctx, p.InputAsset, p.OutputAsset, p.AmountIn)
	if err != nil {
		return nil, err
	}

	srcBefore, err := ledger.Balance(ctx, src, p.InputAsset)
	if err != nil {
		return nil, err
	}
	dstBefore, err := ledger.Balance(ctx, dst, p.OutputAsset)
	if err != nil {
		return nil, err
	}
	if err := ledger.Transfer(ctx, src, r.reserve, p.InputAsset, p.AmountIn, proof); err != nil {
		return nil, err
	}
	if err := ledger.Transfer(ctx, r.reserve, dst, p.OutputAsset, out, nil); err != nil {
		return nil, err
	}

	return []BalanceDelta{
		{Holder: src, Asset: p.InputAsset, Before: srcBefore, After: srcBefore - p.AmountIn},
		{Holder: dst, Asset: p.OutputAsset, Before: dstBefore, After: dstBefore + out},
	}, nil
}
