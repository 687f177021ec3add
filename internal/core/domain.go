package core

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	KindExpense CategoryKind = "expense"
	KindIncome  CategoryKind = "income"
	KindDebt    CategoryKind = "debt"

	TypeExpense TxType = "expense"
	TypeIncome  TxType = "income"
)

const (
	MaxAmount         = 999_999_999
	MaxNoteLength     = 500
	MaxCategoryName   = 100
	MaxIconLength     = 50
	DefaultColor      = "#22d3ee"
	DefaultIcon       = "tag"
	DefaultTxLimit    = 50
	MaxTxLimit        = 200
	futureGrace       = 24 * time.Hour
	maxTransactionAge = 10 * 365 * 24 * time.Hour
)

type (
	CategoryKind string
	TxType       string

	// User is a Telegram account known to the tracker.
	User struct {
		ID           int64
		TelegramID   int64
		FirstName    string
		LastName     string
		Username     string
		LanguageCode string
		CreatedAt    time.Time
	}

	Category struct {
		ID        int64
		UserID    int64
		Name      string
		Kind      CategoryKind
		Color     string
		Icon      string
		IsActive  bool
		CreatedAt time.Time
	}

	// CategoryPatch carries the fields of a partial category update. Nil fields are left alone.
	CategoryPatch struct {
		Name     *string
		Kind     *CategoryKind
		Color    *string
		Icon     *string
		IsActive *bool
	}

	Transaction struct {
		ID         int64
		UserID     int64
		CategoryID *int64
		Type       TxType
		Amount     int64
		Note       string
		OccurredAt time.Time
	}

	// Stats are sums in the smallest currency unit.
	Stats struct {
		Balance     int64
		WeekSpent   int64
		WeekIncome  int64
		MonthSpent  int64
		MonthIncome int64
	}
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidType       = errors.New("invalid transaction type")
	ErrInvalidKind       = errors.New("invalid category kind")
	ErrInvalidColor      = errors.New("color must be a hex code like #22D3EE")
	ErrInvalidIcon       = errors.New("icon must contain only letters, numbers, dashes, and underscores")
	ErrEmptyName         = errors.New("category name cannot be empty")
	ErrInvalidCategoryID = errors.New("invalid category id")
	ErrFutureDate        = errors.New("transaction date cannot be more than 1 day in the future")
	ErrAncientDate       = errors.New("transaction date cannot be more than 10 years in the past")
)

// ValidationError reports a rejected field value.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

var (
	colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
	iconPattern  = regexp.MustCompile(`^[a-z0-9_-]+$`)
	spaceRun     = regexp.MustCompile(`\s+`)

	sqlPatterns = []string{
		"drop ", "delete ", "insert ", "update ", "select ",
		"--", ";", "/*", "*/", "xp_", "sp_", "exec",
	}
	xssPatterns = []string{"<script", "javascript:", "onerror=", "onclick=", "onload="}
)

func (k CategoryKind) Valid() bool {
	switch k {
	case KindExpense, KindIncome, KindDebt:
		return true
	}
	return false
}

func (t TxType) Valid() bool {
	return t == TypeExpense || t == TypeIncome
}

// NormalizeCategoryName trims, collapses whitespace and rejects injection-looking names.
func NormalizeCategoryName(name string) (string, error) {
	name = spaceRun.ReplaceAllString(strings.TrimSpace(name), " ")
	if name == "" {
		return "", invalid("name", ErrEmptyName)
	}
	if len([]rune(name)) > MaxCategoryName {
		return "", invalid("name", fmt.Errorf("at most %d characters", MaxCategoryName))
	}
	lower := strings.ToLower(name)
	for _, p := range sqlPatterns {
		if strings.Contains(lower, p) {
			return "", invalid("name", fmt.Errorf("invalid characters in category name: %q", p))
		}
	}
	for _, p := range xssPatterns {
		if strings.Contains(lower, p) {
			return "", invalid("name", fmt.Errorf("invalid characters in category name: %q", p))
		}
	}
	return name, nil
}

// NormalizeColor validates a #RRGGBB code and upper-cases it.
func NormalizeColor(color string) (string, error) {
	if !colorPattern.MatchString(color) {
		return "", invalid("color", ErrInvalidColor)
	}
	return strings.ToUpper(color), nil
}

// NormalizeIcon lower-cases an icon identifier.
func NormalizeIcon(icon string) (string, error) {
	icon = strings.ToLower(icon)
	if icon == "" || len(icon) > MaxIconLength || !iconPattern.MatchString(icon) {
		return "", invalid("icon", ErrInvalidIcon)
	}
	return icon, nil
}

// Normalize validates c in place.
func (c *Category) Normalize() error {
	var err error
	if c.Name, err = NormalizeCategoryName(c.Name); err != nil {
		return err
	}
	if c.Kind == "" {
		c.Kind = KindExpense
	}
	if !c.Kind.Valid() {
		return invalid("kind", ErrInvalidKind)
	}
	if c.Color, err = NormalizeColor(c.Color); err != nil {
		return err
	}
	if c.Icon, err = NormalizeIcon(c.Icon); err != nil {
		return err
	}
	return nil
}

// Apply validates p and copies the set fields onto c.
func (p CategoryPatch) Apply(c *Category) error {
	if p.Name != nil {
		name, err := NormalizeCategoryName(*p.Name)
		if err != nil {
			return err
		}
		c.Name = name
	}
	if p.Kind != nil {
		if !p.Kind.Valid() {
			return invalid("kind", ErrInvalidKind)
		}
		c.Kind = *p.Kind
	}
	if p.Color != nil {
		color, err := NormalizeColor(*p.Color)
		if err != nil {
			return err
		}
		c.Color = color
	}
	if p.Icon != nil {
		icon, err := NormalizeIcon(*p.Icon)
		if err != nil {
			return err
		}
		c.Icon = icon
	}
	if p.IsActive != nil {
		c.IsActive = *p.IsActive
	}
	return nil
}

// SanitizeNote strips control characters, squeezes spaces and blank lines, and
// truncates to MaxNoteLength runes. Script-like content is rejected.
func SanitizeNote(note string) (string, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return "", nil
	}

	var b strings.Builder
	lastSpace := false
	newlines := 0
	for _, r := range note {
		if r != '\n' && r != '\t' && (r < 0x20 || r == 0x7f) {
			continue
		}
		if r == ' ' {
			if lastSpace {
				continue
			}
			lastSpace = true
		} else {
			lastSpace = false
		}
		if r == '\n' {
			newlines++
			if newlines > 2 {
				continue
			}
		} else {
			newlines = 0
		}
		b.WriteRune(r)
	}

	runes := []rune(b.String())
	if len(runes) > MaxNoteLength {
		runes = runes[:MaxNoteLength]
	}
	note = string(runes)

	lower := strings.ToLower(note)
	for _, p := range xssPatterns {
		if strings.Contains(lower, p) {
			return "", invalid("note", fmt.Errorf("invalid content in note: %q", p))
		}
	}
	return note, nil
}

// Normalize validates t against now and fills defaults.
func (t *Transaction) Normalize(now time.Time) error {
	if !t.Type.Valid() {
		return invalid("type", ErrInvalidType)
	}
	if t.Amount <= 0 || t.Amount > MaxAmount {
		return invalid("amount", ErrInvalidAmount)
	}
	if t.CategoryID != nil && *t.CategoryID < 1 {
		return invalid("category_id", ErrInvalidCategoryID)
	}

	note, err := SanitizeNote(t.Note)
	if err != nil {
		return err
	}
	t.Note = note

	if t.OccurredAt.IsZero() {
		t.OccurredAt = now
	}
	if t.OccurredAt.After(now.Add(futureGrace)) {
		return invalid("occurred_at", ErrFutureDate)
	}
	if t.OccurredAt.Before(now.Add(-maxTransactionAge)) {
		return invalid("occurred_at", ErrAncientDate)
	}
	t.OccurredAt = t.OccurredAt.UTC()
	return nil
}

// ClampLimit applies the list defaults: non-positive means DefaultTxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultTxLimit
	}
	return min(limit, MaxTxLimit)
}

// DefaultCategories are seeded for every new user.
func DefaultCategories() []Category {
	seed := []struct {
		name string
		kind CategoryKind
		icon string
	}{
		{"Coffee & Snacks", KindExpense, "coffee"},
		{"Transport", KindExpense, "car"},
		{"Groceries", KindExpense, "shopping-basket"},
		{"Bills & Utilities", KindExpense, "zap"},
		{"Education", KindExpense, "graduation-cap"},
		{"Salary", KindIncome, "wallet"},
	}
	out := make([]Category, 0, len(seed))
	for _, s := range seed {
		out = append(out, Category{
			Name:     s.name,
			Kind:     s.kind,
			Color:    DefaultColor,
			Icon:     s.icon,
			IsActive: true,
		})
	}
	return out
}
