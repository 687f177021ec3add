package core

import "time"

const (
	WeekWindow  = 7 * 24 * time.Hour
	MonthWindow = 30 * 24 * time.Hour
)

// StatsWindow holds the lower bounds used when summing recent transactions.
type StatsWindow struct {
	WeekStart  time.Time
	MonthStart time.Time
}

// WindowAt returns rolling week and month bounds ending at now.
func WindowAt(now time.Time) StatsWindow {
	now = now.UTC()
	return StatsWindow{
		WeekStart:  now.Add(-WeekWindow),
		MonthStart: now.Add(-MonthWindow),
	}
}

// WeekNet is income minus spending over the last week.
func (s Stats) WeekNet() int64 {
	return s.WeekIncome - s.WeekSpent
}

// MonthNet is income minus spending over the last month.
func (s Stats) MonthNet() int64 {
	return s.MonthIncome - s.MonthSpent
}
