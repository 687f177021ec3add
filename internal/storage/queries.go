package storage

import (
	"context"
	"database/sql"
	"time"

	"budgetbuddy/internal/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the statements used by the repository.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, tg_user_id, first_name, last_name, username, language_code, created_at`

func scanUser(row scanner) (core.User, error) {
	var (
		u       core.User
		created int64
	)
	err := row.Scan(&u.ID, &u.TelegramID, &u.FirstName, &u.LastName, &u.Username, &u.LanguageCode, &created)
	u.CreatedAt = time.Unix(created, 0).UTC()
	return u, err
}

const getUserByTelegramID = `SELECT ` + userColumns + ` FROM users WHERE tg_user_id = ?`

func (q *Queries) GetUserByTelegramID(ctx context.Context, telegramID int64) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByTelegramID, telegramID))
}

const insertUser = `INSERT INTO users (tg_user_id, first_name, last_name, username, language_code, created_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING ` + userColumns

func (q *Queries) InsertUser(ctx context.Context, u core.User) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, insertUser,
		u.TelegramID, u.FirstName, u.LastName, u.Username, u.LanguageCode, u.CreatedAt.Unix()))
}

const updateUserProfile = `UPDATE users
SET first_name = ?, last_name = ?, username = ?, language_code = ?
WHERE id = ?
RETURNING ` + userColumns

func (q *Queries) UpdateUserProfile(ctx context.Context, id int64, u core.User) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, updateUserProfile,
		u.FirstName, u.LastName, u.Username, u.LanguageCode, id))
}

const categoryColumns = `id, user_id, name, kind, color, icon, is_active, created_at`

func scanCategory(row scanner) (core.Category, error) {
	var (
		c       core.Category
		kind    string
		created int64
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &kind, &c.Color, &c.Icon, &c.IsActive, &created)
	c.Kind = core.CategoryKind(kind)
	c.CreatedAt = time.Unix(created, 0).UTC()
	return c, err
}

const listCategories = `SELECT ` + categoryColumns + `
FROM categories
WHERE user_id = ?
ORDER BY kind, name, id`

func (q *Queries) ListCategories(ctx context.Context, userID int64) ([]core.Category, error) {
	rows, err := q.db.QueryContext(ctx, listCategories, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []core.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

const getCategory = `SELECT ` + categoryColumns + ` FROM categories WHERE id = ? AND user_id = ?`

func (q *Queries) GetCategory(ctx context.Context, userID, id int64) (core.Category, error) {
	return scanCategory(q.db.QueryRowContext(ctx, getCategory, id, userID))
}

const insertCategory = `INSERT INTO categories (user_id, name, kind, color, icon, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING ` + categoryColumns

func (q *Queries) InsertCategory(ctx context.Context, c core.Category) (core.Category, error) {
	return scanCategory(q.db.QueryRowContext(ctx, insertCategory,
		c.UserID, c.Name, string(c.Kind), c.Color, c.Icon, c.IsActive, c.CreatedAt.Unix()))
}

const updateCategory = `UPDATE categories
SET name = ?, kind = ?, color = ?, icon = ?, is_active = ?
WHERE id = ? AND user_id = ?
RETURNING ` + categoryColumns

func (q *Queries) UpdateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	return scanCategory(q.db.QueryRowContext(ctx, updateCategory,
		c.Name, string(c.Kind), c.Color, c.Icon, c.IsActive, c.ID, c.UserID))
}

const deleteCategory = `DELETE FROM categories WHERE id = ? AND user_id = ?`

func (q *Queries) DeleteCategory(ctx context.Context, userID, id int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteCategory, id, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const transactionColumns = `id, user_id, category_id, type, amount, note, occurred_at`

func scanTransaction(row scanner) (core.Transaction, error) {
	var (
		t        core.Transaction
		category sql.NullInt64
		txType   string
		occurred int64
	)
	err := row.Scan(&t.ID, &t.UserID, &category, &txType, &t.Amount, &t.Note, &occurred)
	if category.Valid {
		id := category.Int64
		t.CategoryID = &id
	}
	t.Type = core.TxType(txType)
	t.OccurredAt = time.Unix(occurred, 0).UTC()
	return t, err
}

const listTransactions = `SELECT ` + transactionColumns + `
FROM transactions
WHERE user_id = ?
ORDER BY occurred_at DESC, id DESC
LIMIT ?`

func (q *Queries) ListTransactions(ctx context.Context, userID int64, limit int) ([]core.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, listTransactions, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []core.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

const insertTransaction = `INSERT INTO transactions (user_id, category_id, type, amount, note, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING ` + transactionColumns

func (q *Queries) InsertTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	var category sql.NullInt64
	if t.CategoryID != nil {
		category = sql.NullInt64{Int64: *t.CategoryID, Valid: true}
	}
	return scanTransaction(q.db.QueryRowContext(ctx, insertTransaction,
		t.UserID, category, string(t.Type), t.Amount, t.Note, t.OccurredAt.Unix()))
}

const deleteTransaction = `DELETE FROM transactions WHERE id = ? AND user_id = ?`

func (q *Queries) DeleteTransaction(ctx context.Context, userID, id int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteTransaction, id, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const sumStats = `SELECT
    COALESCE(SUM(CASE WHEN type = 'income' THEN amount ELSE -amount END), 0),
    COALESCE(SUM(CASE WHEN type = 'expense' AND occurred_at >= ? THEN amount ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN type = 'income' AND occurred_at >= ? THEN amount ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN type = 'expense' AND occurred_at >= ? THEN amount ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN type = 'income' AND occurred_at >= ? THEN amount ELSE 0 END), 0)
FROM transactions
WHERE user_id = ?`

func (q *Queries) SumStats(ctx context.Context, userID int64, w core.StatsWindow) (core.Stats, error) {
	var s core.Stats
	week, month := w.WeekStart.Unix(), w.MonthStart.Unix()
	err := q.db.QueryRowContext(ctx, sumStats, week, week, month, month, userID).
		Scan(&s.Balance, &s.WeekSpent, &s.WeekIncome, &s.MonthSpent, &s.MonthIncome)
	return s, err
}
