/*
store.go - Persistence interfaces for the coin ledger

PURPOSE:
  Defines the boundary between the paywall/ledger logic and the database.
  The interfaces are deliberately split: Store covers plain reads and
  appends; AtomicStore covers the compound operations that MUST be a
  single storage transaction (debit+record, delete+reconcile).

WHY COMPOUND OPERATIONS?
  The purchase debit and the purchase record must commit together or not
  at all - a crash between the two must not leave the user double-charged
  or holding a free entitlement. Exposing "debit" and "append" separately
  would invite exactly the two-write bug this design exists to remove, so
  the store owns the atomic pairing and the service never sees the halves.

CONCURRENCY BACKSTOP:
  Implementations must enforce a uniqueness constraint on completed
  purchases per (user, target). Application-level checks are best effort;
  the constraint is what guarantees at-most-one debit under races.

IMPLEMENTATIONS:
  - store/sqlite: production implementation (also used in-memory by tests)

SEE ALSO:
  - reconcile.go: The balance derivation every reconciling op must use
  - paywall: The service layer driving these interfaces
*/
package ledger

import "context"

// =============================================================================
// STORE - Plain reads and appends
// =============================================================================

// Store handles transaction persistence and lookup.
type Store interface {
	// AppendTransaction persists a transaction that does not touch any
	// cached balance (e.g. a pending record). Balance-affecting writes go
	// through AtomicStore.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns a transaction by ID, or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// TransactionsByUser returns all of a user's transactions, oldest first.
	TransactionsByUser(ctx context.Context, user UserID) ([]Transaction, error)

	// ListTransactions returns transactions matching the filter, newest
	// first. Used by the admin ledger UI.
	ListTransactions(ctx context.Context, f Filter) ([]Transaction, error)

	// FindCompletedPurchase returns the completed purchase transaction for
	// (user, target), or nil if the user doesn't own the target.
	FindCompletedPurchase(ctx context.Context, user UserID, target TargetRef) (*Transaction, error)
}

// =============================================================================
// ATOMIC STORE - Compound balance-affecting operations
// =============================================================================

// CorrectionResult reports the outcome of an admin correction after full
// reconciliation.
type CorrectionResult struct {
	UserID  UserID `json:"user_id"`
	Balance Coins  `json:"balance"` // stored balance (clamped at 0)
	Derived Coins  `json:"derived"` // raw reconciled value, negative when forced past the guard
	Clamped bool   `json:"clamped"` // true when Derived < 0 and the stored value was clamped
}

// AtomicStore performs the compound operations that must be a single
// storage transaction. Implementations serialize these per user.
type AtomicStore interface {
	Store

	// PerformPurchase atomically debits the user by tx.Amount and inserts
	// tx (a completed purchase). The debit is conditional: it only applies
	// when the balance covers the amount. Returns the new balance.
	//
	// Errors: ErrUserNotFound, InsufficientFundsError, ErrDuplicatePurchase
	// (uniqueness backstop fired - the user already owns the target),
	// ErrStorageUnavailable.
	PerformPurchase(ctx context.Context, tx Transaction) (Coins, error)

	// PerformCredit atomically inserts tx (a completed deposit, reward or
	// credit adjustment) and overwrites the cached balance with a full
	// reconciliation. Returns the new balance.
	PerformCredit(ctx context.Context, tx Transaction) (Coins, error)

	// DeleteTransactionAndReconcile removes a transaction, re-reconciles the
	// owner's balance from the remaining set and overwrites the cached
	// value. When the reconciled balance would be negative the deletion is
	// refused with CorrectionBlockedError unless force is set; a forced
	// deletion clamps the stored balance at zero and flags the anomaly.
	DeleteTransactionAndReconcile(ctx context.Context, id TransactionID, force bool) (CorrectionResult, error)

	// UpdateTransactionAndReconcile overwrites a transaction record and
	// re-reconciles the owner's balance, with the same negative-balance
	// guard and force semantics as deletion.
	UpdateTransactionAndReconcile(ctx context.Context, tx Transaction, force bool) (CorrectionResult, error)

	// ReconciledBalance derives the user's balance from the ledger and also
	// returns the cached value, without modifying either. Used for the
	// consistency check.
	ReconciledBalance(ctx context.Context, user UserID) (derived, cached Coins, err error)
}
