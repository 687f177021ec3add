// Package bot answers chat commands by calling the tracker API for the sender.
package bot

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"budgetbuddy/internal/core"
	"budgetbuddy/internal/log"
	"budgetbuddy/internal/telegram"
)

// LastLimit is how many transactions /last shows.
const LastLimit = 5

// Backend is the part of the tracker API the bot uses.
type Backend interface {
	Stats(ctx context.Context, userID int64) (Stats, error)
	Transactions(ctx context.Context, userID int64, limit int) ([]Transaction, error)
	Categories(ctx context.Context, userID int64) ([]Category, error)
	CreateTransaction(ctx context.Context, userID int64, tx NewTransaction) (Transaction, error)
}

// Sender delivers replies to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error
}

type Config struct {
	AppName string
	// Username is the bot's own @name. Commands addressed to another bot are ignored.
	Username string
}

type Bot struct {
	backend  Backend
	sender   Sender
	appName  string
	username string
	logger   *log.Logger
	now      func() time.Time
	commands map[string]command
}

type request struct {
	userID    int64
	firstName string
	args      []string
	sentAt    time.Time
}

type command struct {
	// mutating commands are not re-run for edited messages and their replies
	// are never retried, so a redelivery cannot record the same entry twice.
	mutating bool
	run      func(ctx context.Context, req request) string
}

func New(backend Backend, sender Sender, cfg Config, logger *log.Logger) *Bot {
	if logger == nil {
		logger = log.Discard()
	}
	if cfg.AppName == "" {
		cfg.AppName = "Budget Buddy"
	}
	b := &Bot{
		backend:  backend,
		sender:   sender,
		appName:  cfg.AppName,
		username: strings.TrimPrefix(cfg.Username, "@"),
		logger:   logger.WithComponent(log.ComponentBot),
		now:      time.Now,
	}
	b.commands = map[string]command{
		"start":      {run: b.start},
		"help":       {run: b.help},
		"balance":    {run: b.balance},
		"stats":      {run: b.stats},
		"last":       {run: b.last},
		"categories": {run: b.categories},
		"income": {mutating: true, run: func(ctx context.Context, req request) string {
			return b.addTransaction(ctx, req, core.TypeIncome)
		}},
		"expense": {mutating: true, run: func(ctx context.Context, req request) string {
			return b.addTransaction(ctx, req, core.TypeExpense)
		}},
	}
	return b
}

// HandleUpdate processes one raw update. Only failures worth retrying are
// returned; bad input and unknown updates are logged and dropped.
func (b *Bot) HandleUpdate(ctx context.Context, raw []byte) error {
	update, err := telegram.ParseUpdate(raw)
	if err != nil {
		b.logger.WarnContext(ctx, "Dropping undecodable update", log.FieldError, err.Error())
		return nil
	}

	edited := update.Message == nil
	msg := update.EffectiveMessage()
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}

	name, args, ok := b.parseCommand(msg.Text)
	if !ok {
		return nil
	}
	logger := b.logger.With(
		log.FieldUpdateID, update.UpdateID,
		log.FieldChatID, msg.Chat.ID,
		log.FieldCommand, name)

	cmd, known := b.commands[name]
	if known && cmd.mutating && edited {
		logger.DebugContext(ctx, "Ignoring edited command")
		return nil
	}

	reply := replyUnknownCommand
	if known {
		sentAt := b.now()
		if msg.Date > 0 {
			sentAt = time.Unix(msg.Date, 0)
		}
		reply = cmd.run(ctx, request{
			userID:    msg.From.ID,
			firstName: msg.From.FirstName,
			args:      args,
			sentAt:    sentAt,
		})
	}

	if err := b.sender.SendMessage(ctx, msg.Chat.ID, reply, telegram.ParseModeHTML); err != nil {
		if cmd.mutating || !retryable(err) {
			logger.ErrorContext(ctx, "Failed to send reply", log.FieldError, err.Error())
			return nil
		}
		return err
	}
	logger.InfoContext(ctx, "Command handled")
	return nil
}

// parseCommand splits "/name@bot arg1 arg2". Commands for other bots are ignored.
func (b *Bot) parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name, mention, _ := strings.Cut(fields[0][1:], "@")
	if name == "" {
		return "", nil, false
	}
	if mention != "" && b.username != "" && !strings.EqualFold(mention, b.username) {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func retryable(err error) bool {
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

func (b *Bot) start(_ context.Context, req request) string {
	return welcomeText(b.appName, req.firstName)
}

func (b *Bot) help(context.Context, request) string {
	return helpText
}

func (b *Bot) balance(ctx context.Context, req request) string {
	s, err := b.backend.Stats(ctx, req.userID)
	if err != nil {
		return b.failure(ctx, "balance", err, "❌ Could not fetch balance. Please try again.")
	}
	return balanceText(s)
}

func (b *Bot) stats(ctx context.Context, req request) string {
	s, err := b.backend.Stats(ctx, req.userID)
	if err != nil {
		return b.failure(ctx, "stats", err, "❌ Could not fetch statistics.")
	}
	return statsText(s)
}

func (b *Bot) last(ctx context.Context, req request) string {
	txs, err := b.backend.Transactions(ctx, req.userID, LastLimit)
	if err != nil {
		return b.failure(ctx, "last", err, "❌ Could not fetch transactions.")
	}
	if len(txs) == 0 {
		return replyNoTransactions
	}
	return lastText(txs)
}

func (b *Bot) categories(ctx context.Context, req request) string {
	cats, err := b.backend.Categories(ctx, req.userID)
	if err != nil {
		return b.failure(ctx, "categories", err, "❌ Could not fetch categories.")
	}
	if len(cats) == 0 {
		return replyNoCategories
	}
	return categoriesText(cats)
}

func (b *Bot) addTransaction(ctx context.Context, req request, txType core.TxType) string {
	if len(req.args) == 0 {
		return usageText(txType)
	}
	amount, err := core.ParseAmount(req.args[0])
	if err != nil {
		return replyInvalidAmount
	}
	note := strings.Join(req.args[1:], " ")
	if note == "" {
		note = "Income"
		if txType == core.TypeExpense {
			note = "Expense"
		}
	}

	occurredAt := req.sentAt.UTC()
	_, err = b.backend.CreateTransaction(ctx, req.userID, NewTransaction{
		Type:       string(txType),
		Amount:     amount,
		Note:       note,
		OccurredAt: &occurredAt,
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusUnprocessableEntity {
			return addFailedText(txType, se.Message)
		}
		return b.failure(ctx, string(txType), err, addFailedText(txType, ""))
	}

	b.logger.InfoContext(ctx, "Transaction recorded",
		log.FieldUserID, req.userID,
		log.FieldTxType, string(txType),
		log.FieldAmount, amount)
	return addedText(txType, amount, note)
}

// failure picks the reply for a failed API call: the API answered with an
// error status, it is throttling, or it could not be reached.
func (b *Bot) failure(ctx context.Context, what string, err error, statusReply string) string {
	b.logger.ErrorContext(ctx, "API call failed",
		log.FieldOperation, what,
		log.FieldError, err.Error())

	var se *StatusError
	if !errors.As(err, &se) {
		return replyConnectionError
	}
	if se.Status == http.StatusTooManyRequests {
		return replySlowDown
	}
	return statusReply
}
