package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"budgetbuddy/internal/auth"
	"budgetbuddy/internal/core"
	"budgetbuddy/internal/log"
	"budgetbuddy/internal/storage"
)

type userResponse struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	Trusted      bool   `json:"trusted"`
}

type categoryResponse struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Kind      core.CategoryKind `json:"kind"`
	Color     string            `json:"color"`
	Icon      string            `json:"icon"`
	IsActive  bool              `json:"is_active"`
	CreatedAt time.Time         `json:"created_at"`
}

type createCategoryRequest struct {
	Name  string            `json:"name"`
	Kind  core.CategoryKind `json:"kind"`
	Color string            `json:"color"`
	Icon  string            `json:"icon"`
}

type updateCategoryRequest struct {
	Name     *string            `json:"name"`
	Kind     *core.CategoryKind `json:"kind"`
	Color    *string            `json:"color"`
	Icon     *string            `json:"icon"`
	IsActive *bool              `json:"is_active"`
}

type transactionResponse struct {
	ID         int64       `json:"id"`
	Type       core.TxType `json:"type"`
	Amount     int64       `json:"amount"`
	CategoryID *int64      `json:"category_id"`
	Note       string      `json:"note"`
	OccurredAt time.Time   `json:"occurred_at"`
}

type createTransactionRequest struct {
	Type       core.TxType `json:"type"`
	Amount     int64       `json:"amount"`
	CategoryID *int64      `json:"category_id"`
	Note       string      `json:"note"`
	OccurredAt *time.Time  `json:"occurred_at"`
}

type statsResponse struct {
	Balance     int64  `json:"balance"`
	WeekSpent   int64  `json:"week_spent"`
	WeekIncome  int64  `json:"week_income"`
	WeekNet     int64  `json:"week_net"`
	MonthSpent  int64  `json:"month_spent"`
	MonthIncome int64  `json:"month_income"`
	MonthNet    int64  `json:"month_net"`
	Currency    string `json:"currency"`
}

func toCategoryResponse(c core.Category) categoryResponse {
	return categoryResponse{
		ID:        c.ID,
		Name:      c.Name,
		Kind:      c.Kind,
		Color:     c.Color,
		Icon:      c.Icon,
		IsActive:  c.IsActive,
		CreatedAt: c.CreatedAt,
	}
}

func toTransactionResponse(t core.Transaction) transactionResponse {
	return transactionResponse{
		ID:         t.ID,
		Type:       t.Type,
		Amount:     t.Amount,
		CategoryID: t.CategoryID,
		Note:       t.Note,
		OccurredAt: t.OccurredAt,
	}
}

// currentUser maps the resolved identity to a stored user. Only verified
// identities may refresh the stored profile.
func (s *Server) currentUser(r *http.Request) (core.User, auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return core.User{}, id, auth.ErrUnauthorized
	}
	profile := core.User{
		TelegramID:   id.ID,
		FirstName:    id.FirstName,
		LastName:     id.LastName,
		Username:     id.Username,
		LanguageCode: id.LanguageCode,
	}
	var (
		user core.User
		err  error
	)
	if id.Trusted {
		user, err = s.store.UpsertUser(r.Context(), profile)
	} else {
		user, err = s.store.EnsureUser(r.Context(), profile)
	}
	return user, id, err
}

// writeError maps domain errors onto status codes. Unknown errors are logged
// and hidden behind a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		UnprocessableEntityError(verr.Error()).Write(w)
	case errors.Is(err, storage.ErrNotFound):
		NotFoundError(err.Error()).Write(w)
	case auth.IsUnauthorized(err):
		auth.WriteUnauthorized(w)
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err.Error())
		InternalServerError().Write(w)
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, id, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(userResponse{
		ID:           user.TelegramID,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Username:     user.Username,
		LanguageCode: user.LanguageCode,
		Trusted:      id.Trusted,
	}).Write(w)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cats, err := s.store.ListCategories(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]categoryResponse, 0, len(cats))
	for _, c := range cats {
		out = append(out, toCategoryResponse(c))
	}
	NewJSONResponse().Body(out).Write(w)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req := createCategoryRequest{Kind: core.KindExpense, Color: core.DefaultColor, Icon: core.DefaultIcon}
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	created, err := s.store.CreateCategory(r.Context(), core.Category{
		UserID: user.ID,
		Name:   req.Name,
		Kind:   req.Kind,
		Color:  req.Color,
		Icon:   req.Icon,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(toCategoryResponse(created)).Write(w)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateCategoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	updated, err := s.store.UpdateCategory(r.Context(), user.ID, id, core.CategoryPatch{
		Name:     req.Name,
		Kind:     req.Kind,
		Color:    req.Color,
		Icon:     req.Icon,
		IsActive: req.IsActive,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(toCategoryResponse(updated)).Write(w)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteCategory(r.Context(), user.ID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txs, err := s.store.ListTransactions(r.Context(), user.ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	NewJSONResponse().Body(out).Write(w)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	tx := core.Transaction{
		UserID:     user.ID,
		CategoryID: req.CategoryID,
		Type:       req.Type,
		Amount:     req.Amount,
		Note:       req.Note,
	}
	if req.OccurredAt != nil {
		tx.OccurredAt = *req.OccurredAt
	}

	created, err := s.store.CreateTransaction(r.Context(), tx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateStats(user.ID)

	log.FromContext(r.Context()).InfoContext(r.Context(), "Transaction recorded",
		log.FieldTxType, created.Type,
		log.FieldAmount, created.Amount)
	NewJSONResponse().Status(http.StatusCreated).Body(toTransactionResponse(created)).Write(w)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteTransaction(r.Context(), user.ID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidateStats(user.ID)
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.currentUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.stats(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(statsResponse{
		Balance:     stats.Balance,
		WeekSpent:   stats.WeekSpent,
		WeekIncome:  stats.WeekIncome,
		WeekNet:     stats.WeekNet(),
		MonthSpent:  stats.MonthSpent,
		MonthIncome: stats.MonthIncome,
		MonthNet:    stats.MonthNet(),
		Currency:    core.Currency,
	}).Write(w)
}

func statsKey(userID int64) string {
	return "stats:" + strconv.FormatInt(userID, 10)
}

func (s *Server) stats(ctx context.Context, userID int64) (core.Stats, error) {
	load := func(ctx context.Context) (core.Stats, error) {
		return s.store.Stats(ctx, userID, s.now())
	}
	if s.statsCache == nil {
		return load(ctx)
	}
	return s.statsCache.GetOrLoad(ctx, statsKey(userID), load)
}

func (s *Server) invalidateStats(userID int64) {
	if s.statsCache != nil {
		s.statsCache.Delete(statsKey(userID))
	}
}
