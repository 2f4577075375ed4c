/*
admin.go - Ledger corrections and the balance consistency check

PURPOSE:
  The only path through which history changes. Deleting or editing a
  completed transaction is an administrative act with two guard rails:

  1. A correction that would drive the user's reconciled balance negative
     (they already spent coins that depended on the record) is refused
     with the specific shortfall, unless force is set. A forced
     correction clamps the stored balance at zero and reports the
     anomaly - it is never silently absorbed.
  2. After ANY correction the balance is fully re-derived from the
     remaining transaction set and the cache overwritten. Nothing is
     patched incrementally, so there is nothing to drift.

ENTITLEMENT REVOCATION:
  Deleting a completed purchase refunds its coins through reconciliation
  and, because entitlement is derived from transaction existence, revokes
  access to the chapter in the same stroke.
*/
package paywall

import (
	"context"
	"fmt"
	"log"

	"github.com/inkstone/coin-engine/ledger"
)

// Adjustment describes the fields an admin may change on a transaction.
// Nil pointers leave the field untouched.
type Adjustment struct {
	Amount    *ledger.Coins     `json:"amount,omitempty"`
	Kind      *ledger.Kind      `json:"kind,omitempty"`
	Direction *ledger.Direction `json:"direction,omitempty"`
	Status    *ledger.Status    `json:"status,omitempty"`
	Note      *string           `json:"note,omitempty"`
	Reason    string            `json:"reason,omitempty"` // cancel reason when Status moves to cancelled/failed
}

func (a Adjustment) touchesMoney() bool {
	return a.Amount != nil || a.Kind != nil || a.Direction != nil || a.Status != nil
}

// DeleteTransaction removes a transaction from the ledger and reconciles
// the owner's balance from what remains.
//
// Deleting a completed deposit the user already spent against is blocked
// with *ledger.CorrectionBlockedError unless force is set. Deleting a
// completed purchase refunds its amount and revokes the entitlement.
func (s *Service) DeleteTransaction(ctx context.Context, id ledger.TransactionID, force bool) (ledger.CorrectionResult, error) {
	result, err := s.store.DeleteTransactionAndReconcile(ctx, id, force)
	if err != nil {
		return ledger.CorrectionResult{}, err
	}
	if result.Clamped {
		correctionAnomaliesTotal.Inc()
		log.Printf("paywall: forced deletion of tx=%s left user=%s short %d coins (balance clamped to 0)",
			id, result.UserID, -result.Derived)
	} else {
		log.Printf("paywall: deleted tx=%s, user=%s reconciled to %d coins", id, result.UserID, result.Balance)
	}
	return result, nil
}

// AdjustTransaction edits a transaction after the fact. Monetary fields of
// a completed transaction are immutable everywhere else; this path may
// change them because it re-reconciles the full balance afterwards, under
// the same negative-balance guard as deletion.
func (s *Service) AdjustTransaction(ctx context.Context, id ledger.TransactionID, adj Adjustment, force bool) (ledger.Transaction, ledger.CorrectionResult, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return ledger.Transaction{}, ledger.CorrectionResult{}, err
	}

	updated, err := applyAdjustment(tx, adj)
	if err != nil {
		return ledger.Transaction{}, ledger.CorrectionResult{}, err
	}

	// Note-only edits don't move money, but running them through the same
	// reconciling update keeps a single write path for ledger rows.
	result, err := s.store.UpdateTransactionAndReconcile(ctx, updated, force)
	if err != nil {
		return ledger.Transaction{}, ledger.CorrectionResult{}, err
	}
	if result.Clamped {
		correctionAnomaliesTotal.Inc()
		log.Printf("paywall: forced adjustment of tx=%s left user=%s short %d coins (balance clamped to 0)",
			id, result.UserID, -result.Derived)
	}
	return updated, result, nil
}

// applyAdjustment validates and applies the requested changes.
func applyAdjustment(tx ledger.Transaction, adj Adjustment) (ledger.Transaction, error) {
	if adj.Status != nil && *adj.Status != tx.Status {
		// Status only ever moves forward, and only out of pending.
		if !tx.Status.CanTransition(*adj.Status) {
			return ledger.Transaction{}, fmt.Errorf("%w: status %s -> %s", ledger.ErrImmutableTransaction, tx.Status, *adj.Status)
		}
		tx = transition(tx, *adj.Status, adj.Reason)
	}

	if adj.Amount != nil {
		if *adj.Amount <= 0 {
			return ledger.Transaction{}, ledger.ErrInvalidAmount
		}
		tx.Amount = *adj.Amount
	}
	if adj.Kind != nil {
		if !adj.Kind.Valid() {
			return ledger.Transaction{}, fmt.Errorf("unknown transaction kind %q", *adj.Kind)
		}
		tx.Kind = *adj.Kind
	}
	if adj.Direction != nil {
		tx.Direction = *adj.Direction
	}
	if adj.Note != nil {
		tx.Note = *adj.Note
	}
	return tx, nil
}

// transition applies a status move and its timestamp bookkeeping.
func transition(tx ledger.Transaction, next ledger.Status, reason string) ledger.Transaction {
	now := nowUTC()
	tx.Status = next
	switch next {
	case ledger.StatusCompleted:
		tx.CompletedAt = &now
	case ledger.StatusCancelled, ledger.StatusFailed:
		tx.CancelledAt = &now
		tx.CancelReason = reason
	}
	return tx
}

// =============================================================================
// CONSISTENCY CHECK
// =============================================================================

// BalanceReport compares the cached balance against a fresh reconciliation.
type BalanceReport struct {
	UserID  ledger.UserID `json:"user_id"`
	Cached  ledger.Coins  `json:"cached"`
	Derived ledger.Coins  `json:"derived"`
	Match   bool          `json:"match"`
}

// VerifyBalance recomputes the user's balance from the ledger and compares
// it with the cached value. A mismatch indicates a bug elsewhere; it is
// logged and counted, never silently repaired - repairs without an audit
// trail are how the last system lost track of its money.
func (s *Service) VerifyBalance(ctx context.Context, userID ledger.UserID) (BalanceReport, error) {
	derived, cached, err := s.store.ReconciledBalance(ctx, userID)
	if err != nil {
		return BalanceReport{}, err
	}
	report := BalanceReport{
		UserID:  userID,
		Cached:  cached,
		Derived: derived,
		Match:   derived == cached,
	}
	if !report.Match {
		balanceMismatchesTotal.Inc()
		log.Printf("paywall: BALANCE MISMATCH user=%s cached=%d derived=%d", userID, cached, derived)
	}
	return report, nil
}

// History returns a user's transactions, oldest first.
func (s *Service) History(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.TransactionsByUser(ctx, userID)
}

// ListLedger returns transactions for the admin ledger UI.
func (s *Service) ListLedger(ctx context.Context, f ledger.Filter) ([]ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, f)
}
