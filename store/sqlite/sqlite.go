/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.AtomicStore and catalog.Store in one place. The same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  users:          identity + cached coin balance (mirror of reconciliation)
  stories:        serialized works, owned by an author
  chapters:       episodes with price and moderation state
  coin_packages:  purchasable coin bundles (real-currency price)
  transactions:   the coin ledger

CONCURRENCY BACKSTOP:
  The invariant "at most one completed purchase per (user, chapter)" is
  enforced by a partial UNIQUE index, not by application code:

    idx_unique_completed_purchase
      ON transactions(user_id, target_type, target_id)
      WHERE kind = 'purchase' AND status = 'completed'

  Even if two requests race past the service-level ownership check, the
  second insert fails and its surrounding transaction rolls back, undoing
  its debit. The losing caller sees ErrDuplicatePurchase.

ATOMIC DEBIT:
  PerformPurchase runs a single immediate transaction: a conditional
  decrement ("subtract price where balance >= price") followed by the
  purchase insert. Either both commit or neither does. There is no code
  path that writes the balance and the record separately.

CONCURRENCY:
  A sync.Mutex serializes writers; SQLite allows one writer at a time
  anyway and the mutex keeps :memory: test databases honest. WAL mode
  lets readers proceed concurrently. MaxOpenConns is pinned to 1 so an
  in-memory database isn't silently duplicated per pooled connection.

SEE ALSO:
  - ledger/store.go: Interface contracts
  - ledger.go (this package): Transaction and atomic-operation methods
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
)

// Store implements ledger.AtomicStore and catalog.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes writers and keeps :memory: databases
	// from being per-connection copies.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'reader',
		coin_balance INTEGER NOT NULL DEFAULT 0 CHECK (coin_balance >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author_id TEXT NOT NULL REFERENCES users(id),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL REFERENCES stories(id),
		seq INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		price_coins INTEGER NOT NULL DEFAULT 0 CHECK (price_coins >= 0),
		state TEXT NOT NULL DEFAULT 'draft',
		body TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chapters_story
		ON chapters(story_id, seq);

	CREATE TABLE IF NOT EXISTS coin_packages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		coins INTEGER NOT NULL CHECK (coins > 0),
		bonus_coins INTEGER NOT NULL DEFAULT 0 CHECK (bonus_coins >= 0),
		price TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		created_at TEXT NOT NULL
	);

	-- The coin ledger. Append-mostly: completed rows change only through
	-- the admin correction path, which reconciles balances afterwards.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		direction TEXT,
		status TEXT NOT NULL,
		target_type TEXT,
		target_id TEXT,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		completed_at TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_kind_status
		ON transactions(kind, status);

	-- CRITICAL: at most one completed purchase per (user, target).
	-- This is the correctness backstop for concurrent double-purchase;
	-- the service-level ownership check is an optimization, this index
	-- is the guarantee.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_completed_purchase
		ON transactions(user_id, target_type, target_id)
		WHERE kind = 'purchase' AND status = 'completed';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u catalog.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = catalog.RoleReader
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role, coin_balance, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, u.CoinBalance, u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (catalog.User, error) {
	var u catalog.User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, coin_balance, created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.CoinBalance, &createdAt)
	if err == sql.ErrNoRows {
		return catalog.User{}, ledger.ErrUserNotFound
	}
	if err != nil {
		return catalog.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return u, nil
}

// =============================================================================
// STORIES
// =============================================================================

func (s *Store) CreateStory(ctx context.Context, st catalog.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stories (id, title, author_id, created_at)
		VALUES (?, ?, ?, ?)`,
		st.ID, st.Title, st.AuthorID, st.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create story: %w", err)
	}
	return nil
}

func (s *Store) GetStory(ctx context.Context, id string) (catalog.Story, error) {
	var st catalog.Story
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, author_id, created_at
		FROM stories WHERE id = ?`, id).
		Scan(&st.ID, &st.Title, &st.AuthorID, &createdAt)
	if err == sql.ErrNoRows {
		return catalog.Story{}, ledger.ErrStoryNotFound
	}
	if err != nil {
		return catalog.Story{}, fmt.Errorf("failed to load story: %w", err)
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return st, nil
}

// =============================================================================
// CHAPTERS
// =============================================================================

func (s *Store) CreateChapter(ctx context.Context, c catalog.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.State == "" {
		c.State = catalog.StateDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, story_id, seq, title, price_coins, state, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.StoryID, c.Seq, c.Title, c.PriceCoins, c.State, c.Body,
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create chapter: %w", err)
	}
	return nil
}

func (s *Store) GetChapter(ctx context.Context, id string) (catalog.Chapter, error) {
	var c catalog.Chapter
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, story_id, seq, title, price_coins, state, body, created_at, updated_at
		FROM chapters WHERE id = ?`, id).
		Scan(&c.ID, &c.StoryID, &c.Seq, &c.Title, &c.PriceCoins, &c.State, &c.Body, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return catalog.Chapter{}, ledger.ErrChapterNotFound
	}
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("failed to load chapter: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return c, nil
}

func (s *Store) ListChapters(ctx context.Context, storyID string) ([]catalog.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, story_id, seq, title, price_coins, state, body, created_at, updated_at
		FROM chapters WHERE story_id = ? ORDER BY seq`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []catalog.Chapter
	for rows.Next() {
		var c catalog.Chapter
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.StoryID, &c.Seq, &c.Title, &c.PriceCoins, &c.State, &c.Body, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chapter: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// SetChapterState applies a moderation transition, rejecting moves the
// state machine disallows.
func (s *Store) SetChapterState(ctx context.Context, id string, next catalog.ChapterState) (catalog.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chapter, err := s.GetChapter(ctx, id)
	if err != nil {
		return catalog.Chapter{}, err
	}
	if !chapter.State.CanTransition(next) {
		return catalog.Chapter{}, fmt.Errorf("%w: %s -> %s", catalog.ErrInvalidTransition, chapter.State, next)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE chapters SET state = ?, updated_at = ? WHERE id = ?`,
		next, now.Format(time.RFC3339), id,
	)
	if err != nil {
		return catalog.Chapter{}, fmt.Errorf("failed to update chapter state: %w", err)
	}
	chapter.State = next
	chapter.UpdatedAt = now
	return chapter, nil
}

// =============================================================================
// COIN PACKAGES
// =============================================================================

func (s *Store) CreatePackage(ctx context.Context, p catalog.CoinPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coin_packages (id, name, coins, bonus_coins, price, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Coins, p.BonusCoins, p.Price.String(), p.Currency,
		p.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create coin package: %w", err)
	}
	return nil
}

func (s *Store) GetPackage(ctx context.Context, id string) (catalog.CoinPackage, error) {
	var p catalog.CoinPackage
	var price, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, coins, bonus_coins, price, currency, created_at
		FROM coin_packages WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Coins, &p.BonusCoins, &price, &p.Currency, &createdAt)
	if err == sql.ErrNoRows {
		return catalog.CoinPackage{}, ledger.ErrPackageNotFound
	}
	if err != nil {
		return catalog.CoinPackage{}, fmt.Errorf("failed to load coin package: %w", err)
	}
	p.Price, _ = decimal.NewFromString(price)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return p, nil
}

func (s *Store) ListPackages(ctx context.Context) ([]catalog.CoinPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, coins, bonus_coins, price, currency, created_at
		FROM coin_packages ORDER BY coins`)
	if err != nil {
		return nil, fmt.Errorf("failed to list coin packages: %w", err)
	}
	defer rows.Close()

	var packages []catalog.CoinPackage
	for rows.Next() {
		var p catalog.CoinPackage
		var price, createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Coins, &p.BonusCoins, &price, &p.Currency, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan coin package: %w", err)
		}
		p.Price, _ = decimal.NewFromString(price)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked"))
}
