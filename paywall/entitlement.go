/*
entitlement.go - Who may read a chapter

PURPOSE:
  The read-side decision. Pure with respect to state: checking
  entitlement never writes anything.

DECISION ORDER:
  1. Chapter must exist.
  2. Non-published chapters are invisible to everyone except the story
     owner and admins (a different answer than "pay up" - the caller
     must be able to distinguish the two).
  3. PriceCoins == 0 means free, unconditionally. The price is the
     source of truth; there is no stored "isFree" flag to disagree
     with it.
  4. Owner/admin bypass the paywall regardless of price.
  5. A completed purchase transaction for (user, chapter) grants access.
  6. Otherwise the chapter is locked: RequiresLogin for anonymous
     callers, RequiresPurchase (with price and current balance) for
     logged-in ones.

STALENESS:
  A check racing a concurrent purchase may report a stale lock for one
  round trip. That is acceptable; the purchase path itself is idempotent
  so the retry resolves to AlreadyOwned.
*/
package paywall

import (
	"context"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
)

// Decision is the outcome of an entitlement check.
type Decision string

const (
	// Grant variants.
	DecisionFree         Decision = "free"          // chapter costs nothing
	DecisionBypass       Decision = "bypass"        // story owner or admin
	DecisionAlreadyOwned Decision = "already_owned" // completed purchase exists

	// Deny variants.
	DecisionRequiresLogin    Decision = "requires_login"    // priced, anonymous caller
	DecisionRequiresPurchase Decision = "requires_purchase" // priced, not owned
)

// EntitlementResult is the full answer to "may this user read this chapter".
type EntitlementResult struct {
	Decision Decision        `json:"decision"`
	Chapter  catalog.Chapter `json:"-"`
	Price    ledger.Coins    `json:"price"`
	// Balance is the caller's current coin balance; only meaningful when
	// a user was supplied.
	Balance ledger.Coins `json:"balance,omitempty"`
}

// Granted reports whether the decision allows serving the full content.
func (r EntitlementResult) Granted() bool {
	switch r.Decision {
	case DecisionFree, DecisionBypass, DecisionAlreadyOwned:
		return true
	}
	return false
}

// CheckEntitlement decides whether userID (empty for anonymous) may read
// the chapter. Read-only: no state changes, ever.
//
// Errors: ledger.ErrChapterNotFound, ledger.ErrChapterNotPublished (for
// non-privileged callers of non-published chapters), ledger.ErrUserNotFound.
func (s *Service) CheckEntitlement(ctx context.Context, userID ledger.UserID, chapterID string) (EntitlementResult, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return EntitlementResult{}, err
	}

	var user catalog.User
	privileged := false
	if userID != "" {
		user, err = s.store.GetUser(ctx, userID)
		if err != nil {
			return EntitlementResult{}, err
		}
		privileged, err = s.isPrivileged(ctx, user, chapter)
		if err != nil {
			return EntitlementResult{}, err
		}
	}

	if !chapter.Published() {
		if privileged {
			return EntitlementResult{Decision: DecisionBypass, Chapter: chapter, Price: chapter.PriceCoins, Balance: user.CoinBalance}, nil
		}
		return EntitlementResult{}, ledger.ErrChapterNotPublished
	}

	// Price is authoritative: zero means free no matter what anyone
	// stored anywhere else.
	if chapter.Free() {
		return EntitlementResult{Decision: DecisionFree, Chapter: chapter, Balance: user.CoinBalance}, nil
	}

	if privileged {
		return EntitlementResult{Decision: DecisionBypass, Chapter: chapter, Price: chapter.PriceCoins, Balance: user.CoinBalance}, nil
	}

	if userID == "" {
		return EntitlementResult{Decision: DecisionRequiresLogin, Chapter: chapter, Price: chapter.PriceCoins}, nil
	}

	owned, err := s.store.FindCompletedPurchase(ctx, userID, ledger.ChapterTarget(chapter.ID))
	if err != nil {
		return EntitlementResult{}, err
	}
	if owned != nil {
		return EntitlementResult{Decision: DecisionAlreadyOwned, Chapter: chapter, Price: chapter.PriceCoins, Balance: user.CoinBalance}, nil
	}

	return EntitlementResult{
		Decision: DecisionRequiresPurchase,
		Chapter:  chapter,
		Price:    chapter.PriceCoins,
		Balance:  user.CoinBalance,
	}, nil
}

// isPrivileged reports whether the user bypasses the paywall for this
// chapter: admins always, authors for their own stories.
func (s *Service) isPrivileged(ctx context.Context, user catalog.User, chapter catalog.Chapter) (bool, error) {
	if user.IsAdmin() {
		return true, nil
	}
	story, err := s.store.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return false, err
	}
	return story.AuthorID == user.ID, nil
}
