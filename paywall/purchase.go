/*
purchase.go - The purchase and credit paths

PURCHASE ALGORITHM (serialized per user by the store):
  1. Chapter must exist and be published. Buying a free chapter is an
     idempotent no-op success, not an error.
  2. If a completed purchase already exists -> AlreadyOwned. No debit.
  3. Atomically: conditional debit + insert completed purchase record.
     Both or neither - the store owns the pairing.
  4. A lost race surfaces from the store as ErrDuplicatePurchase; we
     resolve it to AlreadyOwned here, because losing the race means the
     user owns the chapter. Never an error to the user.

FAIL-CLOSED:
  On any storage uncertainty the purchase is treated as failed (no debit,
  no entitlement). Retries must re-check ownership first, which step 2
  does on every call.

CREDIT:
  Credit() is the one sanctioned way a balance increases outside admin
  correction. The coin-package flow ("payment" succeeds immediately in
  this subsystem) reduces to a deposit credit of the package total.
*/
package paywall

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
)

// PurchaseOutcome classifies a successful purchase call.
type PurchaseOutcome string

const (
	OutcomePurchased    PurchaseOutcome = "purchased"
	OutcomeAlreadyOwned PurchaseOutcome = "already_owned"
	OutcomeFreeChapter  PurchaseOutcome = "free_chapter"
)

// PurchaseResult is the answer to a purchase call. All three outcomes are
// successes; failures are errors.
type PurchaseResult struct {
	Outcome     PurchaseOutcome `json:"outcome"`
	ChapterID   string          `json:"chapter_id"`
	Price       ledger.Coins    `json:"price"`
	NewBalance  ledger.Coins    `json:"new_balance"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
}

// Purchase unlocks a priced chapter for the user, debiting their balance
// and recording the purchase transaction atomically.
//
// Errors: ledger.ErrChapterNotFound, ledger.ErrChapterNotPublished,
// ledger.ErrUserNotFound, *ledger.InsufficientFundsError,
// ledger.ErrStorageUnavailable.
func (s *Service) Purchase(ctx context.Context, userID ledger.UserID, chapterID string) (PurchaseResult, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if !chapter.Published() {
		return PurchaseResult{}, ledger.ErrChapterNotPublished
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return PurchaseResult{}, err
	}

	// Free chapters need no transaction; success either way.
	if chapter.Free() {
		return PurchaseResult{
			Outcome:    OutcomeFreeChapter,
			ChapterID:  chapter.ID,
			NewBalance: user.CoinBalance,
		}, nil
	}

	// Idempotency: an existing completed purchase ends the call here.
	owned, err := s.store.FindCompletedPurchase(ctx, userID, ledger.ChapterTarget(chapter.ID))
	if err != nil {
		return PurchaseResult{}, err
	}
	if owned != nil {
		return PurchaseResult{
			Outcome:     OutcomeAlreadyOwned,
			ChapterID:   chapter.ID,
			Price:       chapter.PriceCoins,
			NewBalance:  user.CoinBalance,
			Transaction: owned,
		}, nil
	}

	tx := ledger.NewPurchase(userID, chapter.ID, chapter.PriceCoins)
	newBalance, err := s.store.PerformPurchase(ctx, tx)
	if errors.Is(err, ledger.ErrDuplicatePurchase) {
		// Lost a concurrent race - the other call debited and we did not.
		// Re-read ownership and report the idempotent outcome.
		log.Printf("paywall: purchase race lost for user=%s chapter=%s, resolving to already-owned", userID, chapter.ID)
		return s.resolveRace(ctx, userID, chapter)
	}
	if err != nil {
		var fundsErr *ledger.InsufficientFundsError
		if errors.As(err, &fundsErr) {
			insufficientFundsTotal.Inc()
		}
		return PurchaseResult{}, err
	}

	purchasesTotal.Inc()
	coinsSpentTotal.Add(float64(chapter.PriceCoins))
	log.Printf("paywall: user=%s purchased chapter=%s for %d coins (balance %d)",
		userID, chapter.ID, chapter.PriceCoins, newBalance)

	return PurchaseResult{
		Outcome:     OutcomePurchased,
		ChapterID:   chapter.ID,
		Price:       chapter.PriceCoins,
		NewBalance:  newBalance,
		Transaction: &tx,
	}, nil
}

// resolveRace handles the duplicate-purchase backstop firing: the winning
// call holds the entitlement, so this call reports AlreadyOwned. If the
// record somehow isn't visible yet the caller gets a retryable conflict.
func (s *Service) resolveRace(ctx context.Context, userID ledger.UserID, chapter catalog.Chapter) (PurchaseResult, error) {
	owned, err := s.store.FindCompletedPurchase(ctx, userID, ledger.ChapterTarget(chapter.ID))
	if err != nil {
		return PurchaseResult{}, err
	}
	if owned == nil {
		return PurchaseResult{}, ledger.ErrConflict
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{
		Outcome:     OutcomeAlreadyOwned,
		ChapterID:   chapter.ID,
		Price:       chapter.PriceCoins,
		NewBalance:  user.CoinBalance,
		Transaction: owned,
	}, nil
}

// =============================================================================
// CREDITS
// =============================================================================

// Credit adds coins to a user's balance as a deposit or reward. This and
// the admin correction path are the only ways a balance ever increases.
func (s *Service) Credit(ctx context.Context, userID ledger.UserID, amount ledger.Coins, kind ledger.Kind, target *ledger.TargetRef, note string) (ledger.Transaction, ledger.Coins, error) {
	if amount <= 0 {
		return ledger.Transaction{}, 0, ledger.ErrInvalidAmount
	}
	if kind != ledger.KindDeposit && kind != ledger.KindReward {
		return ledger.Transaction{}, 0, fmt.Errorf("%w: credit accepts deposit or reward, got %q", ledger.ErrInvalidKind, kind)
	}

	tx := ledger.NewCredit(userID, kind, amount, target, note)
	newBalance, err := s.store.PerformCredit(ctx, tx)
	if err != nil {
		return ledger.Transaction{}, 0, err
	}

	creditsTotal.Inc()
	coinsCreditedTotal.Add(float64(amount))
	log.Printf("paywall: credited user=%s %d coins (%s), balance %d", userID, amount, kind, newBalance)
	return tx, newBalance, nil
}

// BuyPackage is the coin-package deposit flow: payment-method selection
// happens outside this core and "payment success" is immediate, so the
// whole flow reduces to one deposit credit of the package total.
func (s *Service) BuyPackage(ctx context.Context, userID ledger.UserID, packageID string) (ledger.Transaction, ledger.Coins, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return ledger.Transaction{}, 0, err
	}
	target := ledger.PackageTarget(pkg.ID)
	note := fmt.Sprintf("coin package %q (%s %s)", pkg.Name, pkg.Price.StringFixed(2), pkg.Currency)
	return s.Credit(ctx, userID, pkg.TotalCoins(), ledger.KindDeposit, &target, note)
}
