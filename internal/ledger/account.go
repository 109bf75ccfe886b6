package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	default:
		return "user"
	}
}

// Bucket is the sub-balance within an account. User funds move between
// available and locked; total is always derived, never stored.
type Bucket uint8

const (
	BucketAvailable Bucket = iota
	BucketLocked
)

func (b Bucket) String() string {
	if b == BucketLocked {
		return "locked"
	}
	return "available"
}

// AccountKey identifies one sub-balance for journal entries
type AccountKey struct {
	Scope  AccountScope
	UserID uuid.UUID // zero for system/external accounts
	Name   string    // system/external account name ("fees", "deposits", ...)
	Asset  string
	Bucket Bucket
}

// NewUserAccountKey creates a key for a user sub-balance
func NewUserAccountKey(userID uuid.UUID, asset string, bucket Bucket) AccountKey {
	return AccountKey{
		Scope:  AccountScopeUser,
		UserID: userID,
		Asset:  asset,
		Bucket: bucket,
	}
}

// NewFeeAccountKey creates the key for the commission sink account
func NewFeeAccountKey(asset string) AccountKey {
	return AccountKey{
		Scope:  AccountScopeSystem,
		Name:   "fees",
		Asset:  asset,
		Bucket: BucketAvailable,
	}
}

// NewExternalAccountKey creates a key for an external contra account
// ("deposits", "withdrawals"). External balances may go negative; they
// offset user funds so the ledger stays zero-sum per asset.
func NewExternalAccountKey(name, asset string) AccountKey {
	return AccountKey{
		Scope:  AccountScopeExternal,
		Name:   name,
		Asset:  asset,
		Bucket: BucketAvailable,
	}
}

// AccountPath returns the canonical string form for persistence and logs
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.Name, k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.Name, k.Asset)
	default:
		return fmt.Sprintf("user:%s:%s:%s", k.UserID, k.Asset, k.Bucket)
	}
}

// entryKey identifies a balance entry (one per account × asset; the entry
// holds both buckets so a single mutex covers available and locked).
type entryKey struct {
	Scope  AccountScope
	UserID uuid.UUID
	Name   string
	Asset  string
}

func (k AccountKey) entryKey() entryKey {
	return entryKey{Scope: k.Scope, UserID: k.UserID, Name: k.Name, Asset: k.Asset}
}

// path is the bucket-less canonical form used for snapshots
func (k entryKey) path() string {
	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.Name, k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.Name, k.Asset)
	default:
		return fmt.Sprintf("user:%s:%s", k.UserID, k.Asset)
	}
}

// less defines the fixed global lock order: ascending (scope, user, name,
// asset) regardless of buyer/seller role. Every multi-entry operation must
// acquire entry locks in this order to stay deadlock-free.
func (k entryKey) less(other entryKey) bool {
	if k.Scope != other.Scope {
		return k.Scope < other.Scope
	}
	for i := 0; i < len(k.UserID); i++ {
		if k.UserID[i] != other.UserID[i] {
			return k.UserID[i] < other.UserID[i]
		}
	}
	if k.Name != other.Name {
		return k.Name < other.Name
	}
	return k.Asset < other.Asset
}
