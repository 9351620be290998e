package scheduling

import "time"

// WeekIndex selects the template-week used for date in a rotation of
// weekCount weeks anchored at anchor:
//
//	floor(daysBetween(anchor, date) / 7) mod weekCount
//
// Dates before the anchor use floor division so the rotation continues
// backwards without a seam. Returns 0 when weekCount <= 1.
func WeekIndex(anchor, date time.Time, weekCount int) int {
	if weekCount <= 1 {
		return 0
	}
	days := DaysBetween(anchor, date)
	week := days / 7
	if days < 0 && days%7 != 0 {
		week--
	}
	idx := week % weekCount
	if idx < 0 {
		idx += weekCount
	}
	return idx
}

// SlotsOn returns the template events of the rotation week that applies
// to date whose weekday matches date's weekday.
func (t Template) SlotsOn(date time.Time) []TemplateEvent {
	if len(t.Weeks) == 0 {
		return nil
	}
	week := t.Weeks[WeekIndex(t.anchor(), date, len(t.Weeks))]
	wd := date.Weekday()

	var slots []TemplateEvent
	for _, te := range week.Events {
		if te.Weekday == wd {
			slots = append(slots, te)
		}
	}
	return slots
}

// anchor falls back to the creation date when no explicit anchor is set.
func (t Template) anchor() time.Time {
	if !t.AnchorDate.IsZero() {
		return DateOf(t.AnchorDate)
	}
	return DateOf(t.CreatedAt)
}
