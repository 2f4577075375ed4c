/*
reconcile.go - Canonical balance derivation

PURPOSE:
  The one and only place in the codebase where a coin balance is derived.
  Reconcile is a pure function of the transaction set: no hidden state,
  no clock, no store access. The cached User.CoinBalance exists purely
  as a mirror of this function's output.

SIGN RULES:
  deposit, reward                  -> +Amount
  purchase                         -> -Amount
  adminAdjustment (credit)         -> +Amount
  adminAdjustment (debit)          -> -Amount
  anything not completed           ->  0

WHY FULL RECOMPUTATION?
  Incremental balance patching is how ledgers drift. Every sanctioned
  mutation path (credit, purchase, admin correction) either performs a
  guarded atomic update or overwrites the cached balance with a fresh
  Reconcile over the full set. There is no third way.
*/
package ledger

// SignedAmount returns the balance delta a single transaction contributes.
// Only completed transactions contribute; pending, cancelled and failed
// records are worth zero regardless of kind.
func SignedAmount(tx Transaction) Coins {
	if tx.Status != StatusCompleted {
		return 0
	}
	switch tx.Kind {
	case KindDeposit, KindReward:
		return tx.Amount
	case KindPurchase:
		return -tx.Amount
	case KindAdminAdjustment:
		if tx.Direction == DirectionDebit {
			return -tx.Amount
		}
		return tx.Amount
	}
	return 0
}

// Reconcile derives the canonical balance from a user's transaction set.
// Pure: same transactions in, same balance out.
func Reconcile(txs []Transaction) Coins {
	var balance Coins
	for _, tx := range txs {
		balance += SignedAmount(tx)
	}
	return balance
}

// ReconcileExcluding derives the balance as if the transaction with the
// given ID did not exist. Used by the admin correction path to decide
// whether a deletion would drive the balance negative before it commits.
func ReconcileExcluding(txs []Transaction, exclude TransactionID) Coins {
	var balance Coins
	for _, tx := range txs {
		if tx.ID == exclude {
			continue
		}
		balance += SignedAmount(tx)
	}
	return balance
}
