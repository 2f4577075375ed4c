// store.go - Persistence interface for content entities.
//
// The paywall only ever reads these; writes exist for the collaborator
// CRUD surface (seeding, chapter moderation) and for tests.
package catalog

import (
	"context"
	"errors"

	"github.com/inkstone/coin-engine/ledger"
)

// ErrInvalidTransition is returned when a moderation transition is not
// allowed from the chapter's current state.
var ErrInvalidTransition = errors.New("invalid chapter state transition")

// Store persists users, stories, chapters and coin packages.
type Store interface {
	// Users. Note there is deliberately no way to set a balance here;
	// balances move only through the ledger's atomic operations.
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id ledger.UserID) (User, error)

	// Stories.
	CreateStory(ctx context.Context, s Story) error
	GetStory(ctx context.Context, id string) (Story, error)

	// Chapters.
	CreateChapter(ctx context.Context, c Chapter) error
	GetChapter(ctx context.Context, id string) (Chapter, error)
	ListChapters(ctx context.Context, storyID string) ([]Chapter, error)
	// SetChapterState applies a moderation transition. Implementations
	// reject transitions ChapterState.CanTransition disallows.
	SetChapterState(ctx context.Context, id string, next ChapterState) (Chapter, error)

	// Coin packages.
	CreatePackage(ctx context.Context, p CoinPackage) error
	GetPackage(ctx context.Context, id string) (CoinPackage, error)
	ListPackages(ctx context.Context) ([]CoinPackage, error)
}
