/*
Package ledger provides the core coin transaction ledger.

PURPOSE:
  This package contains the domain-agnostic pieces of the coin economy:
  transaction records, the sign rules that turn a transaction into a
  balance delta, and the reconciliation function that derives a user's
  canonical balance from the transaction set.

KEY CONCEPTS IN THIS FILE (types.go):
  - Coins: integer-denominated virtual currency (never fractional)
  - Transaction: an immutable record of one balance-affecting event
  - Kind: the business reason for the transaction (deposit, purchase, ...)
  - Status: lifecycle state; only completed transactions affect balance
  - TargetRef: what the transaction concerns (chapter, package, ...)

DESIGN PRINCIPLES:
  1. The cached User.CoinBalance is ONLY a mirror of Reconcile() output.
  2. Completed transactions are immutable in amount/kind/user; the only
     way to change history is the admin correction path, which always
     re-reconciles the full set rather than patching incrementally.
  3. Amounts are positive magnitudes; Kind (plus Direction for admin
     adjustments) determines whether they credit or debit.

SEE ALSO:
  - reconcile.go: Balance derivation
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COINS - Integer virtual currency
// =============================================================================

// Coins is an amount of the platform's virtual currency.
// Always a whole number; there are no fractional coins.
type Coins int64

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string
type UserID string

// NewTransactionID returns a fresh unique transaction identifier.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// =============================================================================
// TRANSACTION KINDS AND STATUS
// =============================================================================

// Kind is the business reason for a transaction.
type Kind string

const (
	KindDeposit         Kind = "deposit"         // Coin package purchase (credit)
	KindPurchase        Kind = "purchase"        // Chapter unlock (debit)
	KindReward          Kind = "reward"          // Platform grant, e.g. check-in bonus (credit)
	KindAdminAdjustment Kind = "adminAdjustment" // Manual correction (direction decides sign)
)

// Valid reports whether k is a known transaction kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindPurchase, KindReward, KindAdminAdjustment:
		return true
	}
	return false
}

// Direction disambiguates admin adjustments, which may credit or debit.
// For every other kind the direction is implied and this field is ignored.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Status is the lifecycle state of a transaction.
// Transitions happen exactly once and never revert:
//
//	pending -> completed | cancelled | failed
//
// Transactions may also be created directly in the completed state
// (the in-process purchase path does this).
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	if s != StatusPending {
		return false
	}
	return next == StatusCompleted || next == StatusCancelled || next == StatusFailed
}

// =============================================================================
// TARGET REFERENCE - What the transaction concerns
// =============================================================================

// TargetType names the entity a transaction points at.
type TargetType string

const (
	TargetChapter TargetType = "chapter"
	TargetStory   TargetType = "story"
	TargetPackage TargetType = "package"
)

// TargetRef is a polymorphic reference to the entity a transaction
// concerns. For purchases this is the chapter that was unlocked; the
// (user, target) pair is what the at-most-once-purchase constraint
// is enforced on.
type TargetRef struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// ChapterTarget builds a TargetRef for a chapter.
func ChapterTarget(chapterID string) TargetRef {
	return TargetRef{Type: TargetChapter, ID: chapterID}
}

// PackageTarget builds a TargetRef for a coin package.
func PackageTarget(packageID string) TargetRef {
	return TargetRef{Type: TargetPackage, ID: packageID}
}

// =============================================================================
// TRANSACTION - One balance-affecting event
// =============================================================================

// Transaction records a single balance-affecting event for a user.
//
// INVARIANTS:
//   - Amount is a positive magnitude; sign comes from Kind/Direction.
//   - A completed transaction is immutable in Amount/Kind/UserID outside
//     the admin correction path.
//   - Timestamps mirror status: CompletedAt is set iff the transaction
//     completed, CancelledAt iff it was cancelled or failed.
type Transaction struct {
	ID        TransactionID `json:"id"`
	UserID    UserID        `json:"user_id"`
	Kind      Kind          `json:"kind"`
	Amount    Coins         `json:"amount"` // positive magnitude
	Direction Direction     `json:"direction,omitempty"`
	Status    Status        `json:"status"`
	Target    *TargetRef    `json:"target,omitempty"`
	Note      string        `json:"note,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
}

// NewPurchase builds a completed purchase transaction for a chapter.
func NewPurchase(user UserID, chapterID string, price Coins) Transaction {
	now := time.Now().UTC()
	target := ChapterTarget(chapterID)
	return Transaction{
		ID:          NewTransactionID(),
		UserID:      user,
		Kind:        KindPurchase,
		Amount:      price,
		Status:      StatusCompleted,
		Target:      &target,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

// NewCredit builds a completed credit transaction (deposit or reward).
func NewCredit(user UserID, kind Kind, amount Coins, target *TargetRef, note string) Transaction {
	now := time.Now().UTC()
	return Transaction{
		ID:          NewTransactionID(),
		UserID:      user,
		Kind:        kind,
		Amount:      amount,
		Status:      StatusCompleted,
		Target:      target,
		Note:        note,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

// NewAdjustment builds a completed admin adjustment in the given direction.
func NewAdjustment(user UserID, amount Coins, dir Direction, note string) Transaction {
	now := time.Now().UTC()
	return Transaction{
		ID:          NewTransactionID(),
		UserID:      user,
		Kind:        KindAdminAdjustment,
		Amount:      amount,
		Direction:   dir,
		Status:      StatusCompleted,
		Note:        note,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

// IsCompletedPurchase reports whether tx is a completed purchase of target.
func (t Transaction) IsCompletedPurchase(target TargetRef) bool {
	return t.Kind == KindPurchase &&
		t.Status == StatusCompleted &&
		t.Target != nil &&
		*t.Target == target
}

// =============================================================================
// FILTERS - For admin ledger listing
// =============================================================================

// Filter narrows ledger listings. Zero values mean "any".
type Filter struct {
	UserID UserID
	Kind   Kind
	Status Status
	Limit  int
}
