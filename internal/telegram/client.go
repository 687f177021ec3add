package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"budgetbuddy/internal/log"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	// Telegram allows about 30 messages per second across all chats.
	DefaultRate  = 30
	DefaultBurst = 1

	ParseModeHTML = "HTML"

	requestTimeout = 10 * time.Second
	maxAnswerBody  = 1 << 20
)

// Client calls the Bot API. Every call waits on a shared limiter so bursts of
// replies stay under the global send limit.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRate replaces the default send pacing.
func WithRate(perSecond rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(perSecond, burst) }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithComponent(log.ComponentTelegram)
		}
	}
}

// NewClient returns a client for the bot identified by token. An empty baseURL
// uses the public Bot API.
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(DefaultRate, DefaultBurst),
		logger:     log.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// SendMessage posts text to chatID. parseMode may be empty for plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	req := sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	}
	if err := c.call(ctx, "sendMessage", req, nil); err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "Message sent", log.FieldChatID, chatID)
	return nil
}

// GetMe checks the token and returns the bot account.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	err := c.call(ctx, "getMe", nil, &me)
	return me, err
}

func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram %s: wait for send slot: %w", method, err)
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("telegram %s: encode request: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("telegram %s: build request: %w", method, redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, redact(err))
	}
	defer resp.Body.Close()

	var answer apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAnswerBody)).Decode(&answer); err != nil {
		return fmt.Errorf("telegram %s: decode answer (status %d): %w", method, resp.StatusCode, err)
	}
	if !answer.OK {
		apiErr := &APIError{Code: answer.ErrorCode, Description: answer.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if answer.Parameters != nil {
			apiErr.RetryAfter = answer.Parameters.RetryAfter
		}
		c.logger.WarnContext(ctx, "Bot API call rejected",
			"method", method,
			"code", apiErr.Code,
			log.FieldError, apiErr.Description)
		return apiErr
	}

	if result != nil && len(answer.Result) > 0 {
		if err := json.Unmarshal(answer.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// redact drops the request URL from transport errors; it embeds the bot token.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s request: %w", uerr.Op, uerr.Err)
	}
	return err
}
