package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"budgetbuddy/internal/core"
	"budgetbuddy/internal/log"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for rows that do not exist or belong to another user.
var ErrNotFound = errors.New("not found")

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *log.Logger
	now     func() time.Time
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions from
	// tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		logger:  logger.WithComponent(log.ComponentStorage),
		now:     time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(r.queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertUser records a verified Telegram profile, refreshing the stored names.
// New users get the default categories.
func (r *SQLiteRepository) UpsertUser(ctx context.Context, profile core.User) (core.User, error) {
	return r.ensureUser(ctx, profile, true)
}

// EnsureUser returns the user for telegramID, creating it with placeholder
// names if missing. Existing profiles are left untouched.
func (r *SQLiteRepository) EnsureUser(ctx context.Context, profile core.User) (core.User, error) {
	return r.ensureUser(ctx, profile, false)
}

func (r *SQLiteRepository) ensureUser(ctx context.Context, profile core.User, refresh bool) (core.User, error) {
	var user core.User
	err := r.withTx(ctx, func(q *Queries) error {
		existing, err := q.GetUserByTelegramID(ctx, profile.TelegramID)
		switch {
		case err == nil:
			user = existing
			if refresh && profileChanged(existing, profile) {
				user, err = q.UpdateUserProfile(ctx, existing.ID, profile)
				if err != nil {
					return fmt.Errorf("update user profile: %w", err)
				}
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("get user: %w", err)
		}

		profile.CreatedAt = r.now()
		user, err = q.InsertUser(ctx, profile)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		for _, c := range core.DefaultCategories() {
			c.UserID = user.ID
			c.CreatedAt = profile.CreatedAt
			if err := c.Normalize(); err != nil {
				return fmt.Errorf("default category %q: %w", c.Name, err)
			}
			if _, err := q.InsertCategory(ctx, c); err != nil {
				return fmt.Errorf("seed category %q: %w", c.Name, err)
			}
		}
		r.logger.InfoContext(ctx, "User created",
			log.FieldUserID, user.TelegramID,
			log.FieldOperation, log.OpCreate,
		)
		return nil
	})
	return user, err
}

func profileChanged(a, b core.User) bool {
	return a.FirstName != b.FirstName ||
		a.LastName != b.LastName ||
		a.Username != b.Username ||
		a.LanguageCode != b.LanguageCode
}

func (r *SQLiteRepository) ListCategories(ctx context.Context, userID int64) ([]core.Category, error) {
	cats, err := r.queries.ListCategories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

func (r *SQLiteRepository) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if err := c.Normalize(); err != nil {
		return core.Category{}, err
	}
	c.IsActive = true
	c.CreatedAt = r.now()

	created, err := r.queries.InsertCategory(ctx, c)
	if err != nil {
		return core.Category{}, fmt.Errorf("insert category: %w", err)
	}
	r.logger.InfoContext(ctx, "Category created",
		log.FieldCategoryID, created.ID,
		log.FieldOperation, log.OpCreate,
	)
	return created, nil
}

// UpdateCategory applies patch to a category owned by userID.
func (r *SQLiteRepository) UpdateCategory(ctx context.Context, userID, id int64, patch core.CategoryPatch) (core.Category, error) {
	var updated core.Category
	err := r.withTx(ctx, func(q *Queries) error {
		current, err := q.GetCategory(ctx, userID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get category: %w", err)
		}
		if err := patch.Apply(&current); err != nil {
			return err
		}
		updated, err = q.UpdateCategory(ctx, current)
		if err != nil {
			return fmt.Errorf("update category: %w", err)
		}
		return nil
	})
	return updated, err
}

func (r *SQLiteRepository) DeleteCategory(ctx context.Context, userID, id int64) error {
	n, err := r.queries.DeleteCategory(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	r.logger.InfoContext(ctx, "Category deleted",
		log.FieldCategoryID, id,
		log.FieldOperation, log.OpDelete,
	)
	return nil
}

// ListTransactions returns the newest transactions first. limit is clamped
// with core.ClampLimit.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]core.Transaction, error) {
	txs, err := r.queries.ListTransactions(ctx, userID, core.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if err := t.Normalize(r.now()); err != nil {
		return core.Transaction{}, err
	}

	var created core.Transaction
	err := r.withTx(ctx, func(q *Queries) error {
		if t.CategoryID != nil {
			_, err := q.GetCategory(ctx, t.UserID, *t.CategoryID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("category %d: %w", *t.CategoryID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("get category: %w", err)
			}
		}
		var err error
		created, err = q.InsertTransaction(ctx, t)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Transaction{}, err
	}

	r.logger.InfoContext(ctx, "Transaction created",
		log.FieldTxType, created.Type,
		log.FieldAmount, created.Amount,
		log.FieldOperation, log.OpCreate,
	)
	return created, nil
}

func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, userID, id int64) error {
	n, err := r.queries.DeleteTransaction(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats sums the user's balance and rolling week and month totals at now.
func (r *SQLiteRepository) Stats(ctx context.Context, userID int64, now time.Time) (core.Stats, error) {
	s, err := r.queries.SumStats(ctx, userID, core.WindowAt(now))
	if err != nil {
		return core.Stats{}, fmt.Errorf("sum stats: %w", err)
	}
	return s, nil
}
