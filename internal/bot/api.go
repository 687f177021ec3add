package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"budgetbuddy/internal/auth"
)

const apiTimeout = 5 * time.Second

// Stats mirrors the API's /api/stats body.
type Stats struct {
	Balance     int64 `json:"balance"`
	WeekSpent   int64 `json:"week_spent"`
	WeekIncome  int64 `json:"week_income"`
	MonthSpent  int64 `json:"month_spent"`
	MonthIncome int64 `json:"month_income"`
}

func (s Stats) WeekNet() int64  { return s.WeekIncome - s.WeekSpent }
func (s Stats) MonthNet() int64 { return s.MonthIncome - s.MonthSpent }

type Transaction struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Amount     int64     `json:"amount"`
	Note       string    `json:"note"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Category struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	IsActive bool   `json:"is_active"`
}

type NewTransaction struct {
	Type       string     `json:"type"`
	Amount     int64      `json:"amount"`
	Note       string     `json:"note"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// StatusError is a non-2xx API answer.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// APIClient calls the tracker API on behalf of chat users. It identifies them
// with the bare user id header, which the API accepts only when configured to.
type APIClient struct {
	baseURL      string
	userIDHeader string
	httpClient   *http.Client
}

// NewAPIClient returns a client for the API at baseURL. A nil httpClient gets a
// five second timeout.
func NewAPIClient(baseURL, userIDHeader string, httpClient *http.Client) *APIClient {
	if userIDHeader == "" {
		userIDHeader = auth.DefaultUserIDHeader
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: apiTimeout}
	}
	return &APIClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		userIDHeader: userIDHeader,
		httpClient:   httpClient,
	}
}

func (c *APIClient) Stats(ctx context.Context, userID int64) (Stats, error) {
	var s Stats
	err := c.do(ctx, userID, http.MethodGet, "/api/stats", nil, &s)
	return s, err
}

func (c *APIClient) Transactions(ctx context.Context, userID int64, limit int) ([]Transaction, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var txs []Transaction
	err := c.do(ctx, userID, http.MethodGet, "/api/transactions?"+q.Encode(), nil, &txs)
	return txs, err
}

func (c *APIClient) Categories(ctx context.Context, userID int64) ([]Category, error) {
	var cats []Category
	err := c.do(ctx, userID, http.MethodGet, "/api/categories", nil, &cats)
	return cats, err
}

func (c *APIClient) CreateTransaction(ctx context.Context, userID int64, tx NewTransaction) (Transaction, error) {
	var created Transaction
	err := c.do(ctx, userID, http.MethodPost, "/api/transactions", tx, &created)
	return created, err
}

func (c *APIClient) do(ctx context.Context, userID int64, method, path string, payload, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(c.userIDHeader, strconv.FormatInt(userID, 10))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
