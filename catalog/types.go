/*
Package catalog defines the content entities the paywall decides over.

PURPOSE:
  Users, stories, chapters and coin packages. The paywall core doesn't
  own the full content model (story browsing, comments, ratings and the
  rest of the reading platform live elsewhere); this package carries the
  minimum the ledger and entitlement logic need, plus the moderation
  state machine for chapters.

KEY DECISIONS:
  - "Free" is derived from the price, never stored. A chapter with
    PriceCoins == 0 is free, full stop. Storing a parallel boolean lets
    the two drift, and the price is what the debit uses.
  - Chapter visibility is a four-state machine (draft, pendingReview,
    published, rejected). Only published chapters are readable or
    purchasable by non-privileged users.
  - Coin package prices are real currency and use decimal.Decimal;
    coin amounts stay integer.
*/
package catalog

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/inkstone/coin-engine/ledger"
)

// =============================================================================
// USERS
// =============================================================================

// Role is a user's platform role.
type Role string

const (
	RoleReader Role = "reader"
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
)

// User is the slice of the platform user the paywall needs.
//
// CoinBalance is a cache of ledger.Reconcile over the user's completed
// transactions. It is mutated only by the sanctioned ledger entry points;
// nothing else in the codebase writes it.
type User struct {
	ID          ledger.UserID `json:"id"`
	Name        string        `json:"name"`
	Role        Role          `json:"role"`
	CoinBalance ledger.Coins  `json:"coin_balance"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// =============================================================================
// STORIES AND CHAPTERS
// =============================================================================

// Story is a serialized work. AuthorID is the owning user; owners bypass
// the paywall for their own chapters.
type Story struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	AuthorID  ledger.UserID `json:"author_id"`
	CreatedAt time.Time     `json:"created_at"`
}

// ChapterState is the moderation/publication state of a chapter.
type ChapterState string

const (
	StateDraft         ChapterState = "draft"
	StatePendingReview ChapterState = "pendingReview"
	StatePublished     ChapterState = "published"
	StateRejected      ChapterState = "rejected"
)

// CanTransition reports whether the moderation queue may move s to next.
//
//	draft -> pendingReview
//	pendingReview -> published | rejected
//	rejected -> pendingReview   (author fixes and resubmits)
func (s ChapterState) CanTransition(next ChapterState) bool {
	switch s {
	case StateDraft:
		return next == StatePendingReview
	case StatePendingReview:
		return next == StatePublished || next == StateRejected
	case StateRejected:
		return next == StatePendingReview
	}
	return false
}

// Chapter is one episode of a story.
type Chapter struct {
	ID         string       `json:"id"`
	StoryID    string       `json:"story_id"`
	Seq        int          `json:"seq"` // position within the story
	Title      string       `json:"title"`
	PriceCoins ledger.Coins `json:"price_coins"`
	State      ChapterState `json:"state"`
	Body       string       `json:"body,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Free reports whether the chapter costs nothing. Derived from the price;
// there is deliberately no stored flag to drift out of sync with it.
func (c Chapter) Free() bool { return c.PriceCoins == 0 }

// Published reports whether non-privileged users may see the chapter.
func (c Chapter) Published() bool { return c.State == StatePublished }

// =============================================================================
// COIN PACKAGES
// =============================================================================

// CoinPackage is a purchasable bundle of coins. Price is real currency;
// within this core "payment success" is immediate and unconditional, and
// the package purchase becomes a deposit credit of Coins+BonusCoins.
type CoinPackage struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Coins      ledger.Coins    `json:"coins"`
	BonusCoins ledger.Coins    `json:"bonus_coins"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TotalCoins is the number of coins a deposit for this package credits.
func (p CoinPackage) TotalCoins() ledger.Coins { return p.Coins + p.BonusCoins }
