package monitor

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

// Summary counts goals by state.
type Summary struct {
	Total   int
	ByState map[goal.State]int
}

// Summarize counts events by state.
func Summarize(events []goal.Event) Summary {
	s := Summary{Total: len(events), ByState: make(map[goal.State]int)}
	for _, ev := range events {
		s.ByState[ev.State]++
	}
	return s
}

// Settled is the number of goals in a terminal state.
func (s Summary) Settled() int {
	return s.ByState[goal.StateSuccess] + s.ByState[goal.StateFailure] + s.ByState[goal.StateStopped]
}

// Fraction is the settled share of all goals, 0 when there are none.
func (s Summary) Fraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Settled()) / float64(s.Total)
}

// SortEvents orders events by environment, then name.
func SortEvents(events []goal.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].Key, events[j].Key
		if a.Environment != b.Environment {
			return a.Environment < b.Environment
		}
		return a.Name < b.Name
	})
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats duration in seconds to "Xh Ym", "Xm" or "Xs"
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
