// Package asset parses and validates the identifiers the engine accepts:
// asset ids, holder identities and swap router targets.
package asset

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/defunds/fund-engine/internal/model"
)

// Kinds of asset identifiers.
const (
	KindTicker  = "ticker"
	KindAddress = "address"
)

// tickerRegex matches short upper-case symbols such as USDC or WETH.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// addressRegex matches base58 token addresses (32 to 44 characters).
var addressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// holderRegex matches investor and manager identities.
var holderRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// targetRegex matches router targets: router:{name}.
// Example: router:quote
var targetRegex = regexp.MustCompile(`^router:([a-z0-9][a-z0-9_-]{0,31})$`)

// Asset is a parsed asset identifier.
type Asset struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Parse validates an asset identifier.
func Parse(id string) (*Asset, error) {
	switch {
	case tickerRegex.MatchString(id):
		return &Asset{ID: id, Kind: KindTicker}, nil
	case addressRegex.MatchString(id):
		return &Asset{ID: id, Kind: KindAddress}, nil
	}
	return nil, fmt.Errorf("%w: asset %q (expected ticker or base58 address)", model.ErrInvalidInput, id)
}

// ValidateHolder checks an investor, manager or recipient identity.
func ValidateHolder(holder string) error {
	if !holderRegex.MatchString(holder) {
		return fmt.Errorf("%w: holder %q", model.ErrInvalidInput, holder)
	}
	return nil
}

// ParseTarget validates a router target and returns the router name.
func ParseTarget(target string) (string, error) {
	m := targetRegex.FindStringSubmatch(strings.TrimSpace(target))
	if m == nil {
		return "", fmt.Errorf("%w: target %q (expected router:{name})", model.ErrInvalidInput, target)
	}
	return m[1], nil
}

// Target formats a router name as a target.
func Target(name string) string {
	return "router:" + name
}
