package cronsched

import (
	"time"

	"github.com/brewva/brewva/internal/config"
)

// withinActiveHours reports whether t falls inside ah's [start, end)
// window in ah's timezone. A nil ah, or one with an empty Start/End,
// always matches. Start > End is treated as an overnight window (e.g.
// 22:00-06:00) wrapping past midnight.
func withinActiveHours(ah *config.ActiveHoursConfig, t time.Time) bool {
	if ah == nil || ah.Start == "" || ah.End == "" {
		return true
	}
	loc := time.UTC
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	nowMin := local.Hour()*60 + local.Minute()

	startMin, okStart := parseHHMM(ah.Start)
	endMin, okEnd := parseHHMM(ah.End)
	if !okStart || !okEnd {
		return true
	}
	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// Overnight window wraps past midnight.
	return nowMin >= startMin || nowMin < endMin
}

func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
