/*
errors.go - Centralized error taxonomy for the coin ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Service packages wrap these with additional context; the API layer
  maps them onto HTTP statuses.

ERROR CATEGORIES:
  1. Not-found errors - Missing user/chapter/transaction
  2. Entitlement/paywall errors - Not published, insufficient funds
  3. Ledger errors - Duplicate purchase, blocked corrections
  4. Store errors - Transient storage failures, lost races

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var fundsErr *ledger.InsufficientFundsError
      errors.As(err, &fundsErr)
      // fundsErr.Needed / fundsErr.Available for the UI
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrChapterNotFound is returned when a referenced chapter doesn't exist.
	ErrChapterNotFound = errors.New("chapter not found")

	// ErrChapterNotPublished is returned when a non-privileged caller asks
	// about a chapter that isn't published. Distinct from the payment lock:
	// the caller must be able to tell "not visible" from "pay to read".
	ErrChapterNotPublished = errors.New("chapter not published")

	// ErrStoryNotFound is returned when a referenced story doesn't exist.
	ErrStoryNotFound = errors.New("story not found")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrPackageNotFound is returned when a referenced coin package doesn't exist.
	ErrPackageNotFound = errors.New("coin package not found")

	// ErrInsufficientFunds is returned when a purchase would drive the
	// balance negative. No state change has occurred.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicatePurchase is returned by the store when the completed-purchase
	// uniqueness constraint rejects an insert. Callers treat this as
	// "already owned", never as a failure.
	ErrDuplicatePurchase = errors.New("duplicate purchase")

	// ErrConflict is returned when a concurrent writer won a race; the
	// operation applied no state and may be retried after re-checking
	// entitlement.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrStorageUnavailable is returned for transient storage failures.
	// The whole operation failed closed: no debit, no record.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCorrectionBlocked is returned when an admin correction would drive
	// the user's reconciled balance negative and force was not set.
	ErrCorrectionBlocked = errors.New("correction would drive balance negative")

	// ErrImmutableTransaction is returned when a correction tries to change
	// fields of a terminal transaction outside the sanctioned admin path.
	ErrImmutableTransaction = errors.New("completed transaction is immutable")

	// ErrInvalidAmount is returned for zero or negative magnitudes.
	ErrInvalidAmount = errors.New("amount must be a positive number of coins")

	// ErrInvalidKind is returned when an operation receives a transaction
	// kind it does not accept.
	ErrInvalidKind = errors.New("invalid transaction kind for this operation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError carries the amounts the UI needs to prompt a top-up.
type InsufficientFundsError struct {
	UserID    UserID
	Needed    Coins
	Available Coins
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d coins, have %d", e.Needed, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// CorrectionBlockedError explains why an admin correction was refused and
// how large the resulting shortfall would be. The force flag is the caller's
// escape hatch.
type CorrectionBlockedError struct {
	TransactionID TransactionID
	UserID        UserID
	Shortfall     Coins // coins the user already spent that depended on this record
}

func (e *CorrectionBlockedError) Error() string {
	return fmt.Sprintf("correction blocked: user %s would be short %d coins (use force to override)",
		e.UserID, e.Shortfall)
}

func (e *CorrectionBlockedError) Unwrap() error {
	return ErrCorrectionBlocked
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrChapterNotFound) ||
		errors.Is(err, ErrStoryNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrPackageNotFound)
}

// IsRetryable reports whether the operation might succeed on retry.
// Conflicts should be retried only after re-checking entitlement.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageUnavailable)
}

// IsClientError reports whether the error is due to the caller's request
// rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrChapterNotPublished) ||
		errors.Is(err, ErrCorrectionBlocked) ||
		errors.Is(err, ErrImmutableTransaction) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidKind)
}
