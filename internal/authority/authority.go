// Package authority maps funds to the sub-ledger handles they own and issues
// capability proofs for moving value out of them.
//
// Handles are derived, never chosen: Derive(fund, role) is a blake3 digest of
// the fund id and role, so a handle cannot be claimed by anyone else. A Proof
// binds a fund, a holder and a role; Verify re-derives the holder and the tag
// and rejects any proof that was issued for a different fund.
package authority

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"lukechampine.com/blake3"

	"github.com/defunds/fund-engine/internal/model"
)

// Role names a fund-owned handle.
type Role string

const (
	RoleVault          Role = "vault"
	RoleShareAuthority Role = "share_authority"
)

// handlePrefix marks derived handles so the ledger can tell them apart from
// investor or external holders.
const handlePrefix = "fx:"

// FundID derives the fund identifier from its manager and name.
func FundID(manager, name string) string {
	h := blake3.New(16, nil)
	h.Write([]byte("fund\x00"))
	h.Write([]byte(manager))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return hex.EncodeToString(h.Sum(nil))
}

// Derive returns the handle fund owns under role.
func Derive(fundID string, role Role) string {
	h := blake3.New(20, nil)
	h.Write([]byte(fundID))
	h.Write([]byte{0})
	h.Write([]byte(role))
	return handlePrefix + string(role) + ":" + hex.EncodeToString(h.Sum(nil))
}

// IsDerived reports whether holder looks like a fund-owned handle.
func IsDerived(holder string) bool {
	return strings.HasPrefix(holder, handlePrefix)
}

// Handles are the sub-ledger handles of one fund.
type Handles struct {
	Vault          string
	ShareAuthority string
}

// Proof is a capability to move value out of Holder on behalf of Fund.
type Proof struct {
	Fund   string
	Holder string
	Role   Role
	Tag    string
}

type owner struct {
	fund string
	role Role
}

// Table is the ownership table. It is safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	key    []byte
	owners map[string]owner
	once   sync.Once
}

// NewTable creates an ownership table. A nil key draws a random one, which
// invalidates every proof issued by a previous process.
func NewTable(key []byte) *Table {
	return &Table{key: key}
}

func (t *Table) init() {
	t.once.Do(func() {
		switch {
		case len(t.key) == 0:
			k := make([]byte, 32)
			if _, err := rand.Read(k); err != nil {
				panic(fmt.Sprintf("authority: generating key: %v", err))
			}
			t.key = k
		case len(t.key) != 32:
			// blake3 keyed mode takes exactly 32 bytes.
			sum := blake3.Sum256(t.key)
			t.key = sum[:]
		}
		t.owners = make(map[string]owner)
	})
}

// Register records the handles of fundID. It is idempotent.
func (t *Table) Register(fundID string) Handles {
	t.init()
	hs := Handles{
		Vault:          Derive(fundID, RoleVault),
		ShareAuthority: Derive(fundID, RoleShareAuthority),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.owners[hs.Vault]; !ok {
		t.owners[hs.Vault] = owner{fund: fundID, role: RoleVault}
		t.owners[hs.ShareAuthority] = owner{fund: fundID, role: RoleShareAuthority}
	}
	return hs
}

// Owner returns the fund and role that own holder.
func (t *Table) Owner(holder string) (fundID string, role Role, ok bool) {
	t.init()
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.owners[holder]
	return o.fund, o.role, ok
}

// Issue creates a proof for the fund's handle under role.
func (t *Table) Issue(fundID string, role Role) (Proof, error) {
	t.init()
	holder := Derive(fundID, role)
	if f, _, ok := t.Owner(holder); !ok || f != fundID {
		return Proof{}, fmt.Errorf("%w: fund %s not registered", model.ErrUnauthorized, fundID)
	}
	return Proof{Fund: fundID, Holder: holder, Role: role, Tag: t.tag(fundID, holder, role)}, nil
}

// Verify checks that p authorizes spending from holder.
func (t *Table) Verify(p Proof, holder string) error {
	t.init()
	fundID, role, ok := t.Owner(holder)
	switch {
	case !ok:
		return fmt.Errorf("%w: %s is not a fund handle", model.ErrUnauthorized, holder)
	case p.Holder != holder || p.Fund != fundID || p.Role != role:
		return fmt.Errorf("%w: proof for %s does not cover %s", model.ErrUnauthorized, p.Fund, holder)
	case Derive(p.Fund, p.Role) != holder:
		return fmt.Errorf("%w: handle derivation mismatch", model.ErrUnauthorized)
	case p.Tag != t.tag(p.Fund, p.Holder, p.Role):
		return fmt.Errorf("%w: bad proof tag", model.ErrUnauthorized)
	}
	return nil
}

func (t *Table) tag(fundID, holder string, role Role) string {
	h := blake3.New(32, t.key)
	h.Write([]byte(fundID))
	h.Write([]byte{0})
	h.Write([]byte(holder))
	h.Write([]byte{0})
	h.Write([]byte(role))
	return hex.EncodeToString(h.Sum(nil))
}

// Action is an operation class checked against the caller.
type Action int

const (
	// ActionManage covers manager-only operations.
	ActionManage Action = iota
	// ActionInvest covers an investor acting on their own position.
	ActionInvest
)

// IsAuthorized reports whether caller may perform action on f. For
// ActionInvest, subject is the investor whose position is touched.
func IsAuthorized(caller string, f *model.Fund, action Action, subject string) bool {
	if caller == "" || f == nil {
		return false
	}
	switch action {
	case ActionManage:
		return caller == f.Manager
	case ActionInvest:
		return caller == subject
	}
	return false
}
