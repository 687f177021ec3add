package core

import (
	"strconv"
	"strings"
)

// Currency is the display suffix for amounts.
const Currency = "UZS"

// ParseAmount reads a whole amount in the smallest unit, as typed in chat.
// Digit group separators (spaces, commas, underscores) are accepted.
//
// Examples:
//
//	ParseAmount("50000")  -> 50000, nil
//	ParseAmount("50,000") -> 50000, nil
//	ParseAmount("-5")     -> 0, ErrInvalidAmount
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(",", "", "_", "", " ", "").Replace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 || v > MaxAmount {
		return 0, ErrInvalidAmount
	}
	return v, nil
}

// FormatMoney renders an amount with thousands separators, e.g. "50,000 UZS".
func FormatMoney(amount int64) string {
	neg := amount < 0
	digits := strconv.FormatInt(amount, 10)
	if neg {
		digits = digits[1:]
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte(',')
		b.WriteString(digits[i : i+3])
	}
	b.WriteByte(' ')
	b.WriteString(Currency)
	return b.String()
}
