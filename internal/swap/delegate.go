// Package swap forwards value-moving calls to an external exchange router
// on behalf of a fund and verifies the outcome.
//
// The delegate never trusts what a router reports. It snapshots the
// destination and source holdings, forwards the opaque call with the fund's
// vault flagged as signer and a derivation-bound proof attached, re-reads
// the holdings and judges the call only by the measured balance deltas.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/defunds/fund-engine/internal/asset"
	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/holdings"
	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/policy"
)

// AccountMeta is one account handed to a router.
type AccountMeta struct {
	Holder   string `json:"holder"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// Call is the forwarded invocation. By convention Accounts[0] is the source
// holding and Accounts[1] the destination.
type Call struct {
	Target   string
	Accounts []AccountMeta
	Payload  json.RawMessage
	Proofs   []authority.Proof
}

// BalanceDelta is a change a router claims to have made. It is logged only.
type BalanceDelta struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Before uint64 `json:"before"`
	After  uint64 `json:"after"`
}

// Router is an external exchange endpoint.
type Router interface {
	Call(ctx context.Context, ledger *holdings.Ledger, call Call) ([]BalanceDelta, error)
}

// Quoter is implemented by routers that can price a swap up front.
type Quoter interface {
	Quote(ctx context.Context, inputAsset, outputAsset string, amount uint64) (uint64, error)
}

// Request describes one delegated swap out of a fund holding.
type Request struct {
	FundID      string
	Source      string // fund-owned holder the input leaves from
	InputAsset  string
	InputAmount uint64
	Destination string
	OutputAsset string
	MinimumOut  uint64
	Target      string
	Accounts    []AccountMeta // extra accounts appended after source and destination
	Payload     json.RawMessage
}

// Result is the measured outcome of a delegated swap.
type Result struct {
	Target   string `json:"target"`
	Received uint64 `json:"received"`
	Spent    uint64 `json:"spent"`
}

// Delegate verifies and forwards swaps to registered routers.
type Delegate struct {
	policy *policy.Policy
	auth   *authority.Table

	mu      sync.RWMutex
	routers map[string]Router
}

// NewDelegate creates a delegate. Targets must be both registered and
// allowed by pol before any call is forwarded.
func NewDelegate(pol *policy.Policy, auth *authority.Table) *Delegate {
	return &Delegate{
		policy:  pol,
		auth:    auth,
		routers: make(map[string]Router),
	}
}

// Register binds a router to router:{name}.
func (d *Delegate) Register(name string, r Router) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routers[asset.Target(name)] = r
}

// Router returns the router bound to target.
func (d *Delegate) Router(target string) (Router, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routers[target]
	return r, ok
}

// Execute forwards req and returns the measured result. It fails with
// ErrSlippageExceeded when less than MinimumOut arrived and with
// ErrInvocationFailed when the router errors or overspends.
func (d *Delegate) Execute(ctx context.Context, ledger *holdings.Ledger, req Request) (*Result, error) {
	if _, err := asset.ParseTarget(req.Target); err != nil {
		return nil, err
	}
	if req.InputAsset == req.OutputAsset {
		return nil, fmt.Errorf("%w: input and output asset are both %s", model.ErrInvalidInput, req.InputAsset)
	}
	if !d.policy.Allowed(req.Target) {
		return nil, fmt.Errorf("%w: target %s is not allow-listed", model.ErrUnauthorized, req.Target)
	}
	router, ok := d.Router(req.Target)
	if !ok {
		return nil, fmt.Errorf("%w: no router registered for %s", model.ErrInvocationFailed, req.Target)
	}

	proof, err := d.auth.Issue(req.FundID, authority.RoleVault)
	if err != nil {
		return nil, err
	}
	if proof.Holder != req.Source {
		return nil, fmt.Errorf("%w: source %s is not the vault of %s", model.ErrUnauthorized, req.Source, req.FundID)
	}

	dstPre, err := ledger.Balance(ctx, req.Destination, req.OutputAsset)
	if err != nil {
		return nil, err
	}
	srcPre, err := ledger.Balance(ctx, req.Source, req.InputAsset)
	if err != nil {
		return nil, err
	}

	call := Call{
		Target: req.Target,
		Accounts: append([]AccountMeta{
			{Holder: req.Source, Signer: true, Writable: true},
			{Holder: req.Destination, Writable: true},
		}, req.Accounts...),
		Payload: req.Payload,
		Proofs:  []authority.Proof{proof},
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deltas, err := router.Call(ctx, ledger, call)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", model.ErrInvocationFailed, req.Target, err)
	}
	for _, delta := range deltas {
		slog.Debug("router reported delta",
			"target", req.Target,
			"holder", delta.Holder,
			"asset", delta.Asset,
			"before", delta.Before,
			"after", delta.After,
		)
	}

	dstPost, err := ledger.Balance(ctx, req.Destination, req.OutputAsset)
	if err != nil {
		return nil, err
	}
	srcPost, err := ledger.Balance(ctx, req.Source, req.InputAsset)
	if err != nil {
		return nil, err
	}

	var spent uint64
	if srcPost < srcPre {
		spent = srcPre - srcPost
	}
	if spent > req.InputAmount {
		return nil, fmt.Errorf("%w: %s spent %d, authorized %d", model.ErrInvocationFailed, req.Target, spent, req.InputAmount)
	}

	var received uint64
	if dstPost > dstPre {
		received = dstPost - dstPre
	}
	if received < req.MinimumOut {
		return nil, fmt.Errorf("%w: received %d, minimum %d", model.ErrSlippageExceeded, received, req.MinimumOut)
	}

	return &Result{Target: req.Target, Received: received, Spent: spent}, nil
}
