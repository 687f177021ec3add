package bot

import (
	"fmt"
	"html"
	"strings"

	"budgetbuddy/internal/core"
)

const (
	replyConnectionError = "❌ Error connecting to server."
	replySlowDown        = "⏳ Too many requests. Please try again in a minute."
	replyInvalidAmount   = "❌ Invalid amount. Please use numbers only."
	replyNoTransactions  = "📭 No transactions yet. Use /income or /expense to add one!"
	replyNoCategories    = "📭 No categories yet!"
	replyUnknownCommand  = "🤔 Unknown command. Use /help to see what I can do."

	lastDateLayout = "Jan 02, 15:04"
)

func money(amount int64) string {
	return core.FormatMoney(amount)
}

func trendEmoji(net int64) string {
	if net >= 0 {
		return "📈"
	}
	return "📉"
}

func welcomeText(appName, firstName string) string {
	name := strings.TrimSpace(firstName)
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(`👋 Welcome to <b>%s</b>, %s!

I help you track your income and expenses easily.

<b>Quick Commands:</b>
💰 /income 50000 Salary - Add income
💸 /expense 10000 Coffee - Add expense
📊 /balance - Check your balance
📈 /stats - View statistics
📝 /last - Last transactions
🏷️ /categories - Manage categories
❓ /help - Show all commands`, html.EscapeString(appName), html.EscapeString(name))
}

const helpText = `📚 <b>Available Commands:</b>

<b>Quick Actions:</b>
💰 <code>/income &lt;amount&gt; &lt;note&gt;</code> - Add income
   Example: <code>/income 50000 Salary payment</code>

💸 <code>/expense &lt;amount&gt; &lt;note&gt;</code> - Add expense
   Example: <code>/expense 10000 Coffee and snacks</code>

<b>View Data:</b>
📊 /balance - Show current balance
📈 /stats - Weekly and monthly statistics
📝 /last - Show last 5 transactions
🏷️ /categories - List all categories

<b>Other:</b>
❓ /help - Show this help message
🔄 /start - Restart bot`

func usageText(txType core.TxType) string {
	example := "/income 50000 Salary payment"
	if txType == core.TypeExpense {
		example = "/expense 10000 Coffee and snacks"
	}
	return fmt.Sprintf("❌ Usage: <code>/%s &lt;amount&gt; &lt;note&gt;</code>\nExample: <code>%s</code>", txType, example)
}

func balanceText(s Stats) string {
	emoji := "💰"
	if s.Balance < 0 {
		emoji = "📉"
	}
	return fmt.Sprintf(`%s <b>Your Balance</b>

Current: <b>%s</b>

📊 This Week:
  Income: %s
  Spent: %s

📈 This Month:
  Income: %s
  Spent: %s`,
		emoji, money(s.Balance),
		money(s.WeekIncome), money(s.WeekSpent),
		money(s.MonthIncome), money(s.MonthSpent))
}

func statsText(s Stats) string {
	return fmt.Sprintf(`📊 <b>Your Statistics</b>

💰 <b>Overall Balance:</b> %s

📅 <b>This Week:</b>
  %s Net: %s
  ✅ Income: %s
  ❌ Spent: %s

📆 <b>This Month:</b>
  %s Net: %s
  ✅ Income: %s
  ❌ Spent: %s

💡 Use /last to see recent transactions`,
		money(s.Balance),
		trendEmoji(s.WeekNet()), money(s.WeekNet()), money(s.WeekIncome), money(s.WeekSpent),
		trendEmoji(s.MonthNet()), money(s.MonthNet()), money(s.MonthIncome), money(s.MonthSpent))
}

func lastText(txs []Transaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📝 <b>Last %d Transactions:</b>\n", len(txs))
	for _, tx := range txs {
		emoji, sign := "💸", "-"
		if tx.Type == string(core.TypeIncome) {
			emoji, sign = "💰", "+"
		}
		note := tx.Note
		if note == "" {
			note = "No note"
		}
		date := "Unknown date"
		if !tx.OccurredAt.IsZero() {
			date = tx.OccurredAt.UTC().Format(lastDateLayout)
		}
		fmt.Fprintf(&b, "\n%s %s%s\n   %s\n   🕐 %s\n", emoji, sign, money(tx.Amount), html.EscapeString(note), date)
	}
	return strings.TrimRight(b.String(), "\n")
}

func categoriesText(cats []Category) string {
	groups := []struct {
		kind  core.CategoryKind
		title string
	}{
		{core.KindIncome, "💰 <b>Income:</b>"},
		{core.KindExpense, "💸 <b>Expenses:</b>"},
		{core.KindDebt, "🧾 <b>Debts:</b>"},
	}

	var b strings.Builder
	b.WriteString("🏷️ <b>Your Categories:</b>\n")
	for _, g := range groups {
		var names []string
		for _, c := range cats {
			if c.Kind == string(g.kind) {
				names = append(names, c.Name)
			}
		}
		if len(names) == 0 {
			continue
		}
		b.WriteString("\n" + g.title + "\n")
		for _, n := range names {
			b.WriteString("  • " + html.EscapeString(n) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func addedText(txType core.TxType, amount int64, note string) string {
	title, emoji := "Income", "💰"
	if txType == core.TypeExpense {
		title, emoji = "Expense", "💸"
	}
	return fmt.Sprintf("✅ %s added!\n\n%s Amount: %s\n📝 Note: %s\n\nUse /balance to see your updated balance.",
		title, emoji, money(amount), html.EscapeString(note))
}

func addFailedText(txType core.TxType, reason string) string {
	if reason != "" {
		return fmt.Sprintf("❌ Failed to add %s: %s", txType, html.EscapeString(reason))
	}
	return fmt.Sprintf("❌ Failed to add %s. Please try again.", txType)
}
