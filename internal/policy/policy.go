// Package policy holds the limits every fund operation is checked against:
// fee ceilings, the slippage ceiling, text field lengths and the router
// allow-list.
//
// The allow-list is closed by default. A target that was never explicitly
// allowed is rejected, so a fresh deployment cannot forward swaps anywhere
// until an operator lists the routers it trusts.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/defunds/fund-engine/internal/model"
)

// Default limits.
const (
	MaxManagementFeeBps  uint16 = 500
	MaxPerformanceFeeBps uint16 = 2000
	MaxSlippageBps       uint16 = 1000
	MaxNameLen                  = 50
	MaxDescriptionLen           = 200
)

// Policy enforces limits. The allow-list may be replaced at runtime.
type Policy struct {
	// MaxManagementBps caps the management fee a fund may declare.
	MaxManagementBps uint16

	// MaxPerformanceBps caps the performance fee a fund may declare.
	MaxPerformanceBps uint16

	// MaxSlippageBps caps the slippage tolerance a manager swap may request.
	MaxSlippageBps uint16

	mu    sync.RWMutex
	allow map[string]bool
}

// New creates a policy with the default limits and the given allow-list.
func New(allowed ...string) *Policy {
	p := &Policy{
		MaxManagementBps:  MaxManagementFeeBps,
		MaxPerformanceBps: MaxPerformanceFeeBps,
		MaxSlippageBps:    MaxSlippageBps,
	}
	p.SetAllowed(allowed)
	return p
}

// CheckFees validates a fund's declared fees.
func (p *Policy) CheckFees(managementBps, performanceBps uint16) error {
	if managementBps > p.MaxManagementBps {
		return fmt.Errorf("%w: management fee %d bps exceeds %d", model.ErrInvalidFee, managementBps, p.MaxManagementBps)
	}
	if performanceBps > p.MaxPerformanceBps {
		return fmt.Errorf("%w: performance fee %d bps exceeds %d", model.ErrInvalidFee, performanceBps, p.MaxPerformanceBps)
	}
	return nil
}

// CheckSlippage validates a requested slippage tolerance.
func (p *Policy) CheckSlippage(bps uint16) error {
	if bps > p.MaxSlippageBps {
		return fmt.Errorf("%w: slippage %d bps exceeds %d", model.ErrInvalidInput, bps, p.MaxSlippageBps)
	}
	return nil
}

// CheckText validates fund name and description lengths. Name must be
// non-empty.
func (p *Policy) CheckText(name, description string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("%w: name must be 1..%d bytes", model.ErrInvalidInput, MaxNameLen)
	}
	if len(description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d bytes", model.ErrInvalidInput, MaxDescriptionLen)
	}
	return nil
}

// Allowed reports whether target may receive forwarded calls.
func (p *Policy) Allowed(target string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allow[target]
}

// SetAllowed replaces the allow-list.
func (p *Policy) SetAllowed(targets []string) {
	allow := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t != "" {
			allow[t] = true
		}
	}
	p.mu.Lock()
	p.allow = allow
	p.mu.Unlock()
}

// AllowList returns the allowed targets in sorted order.
func (p *Policy) AllowList() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.allow))
	for t := range p.allow {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
