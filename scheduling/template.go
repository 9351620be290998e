package scheduling

import "time"

// Validate checks the structural invariants of a template before it is
// stored: at least one week, and every slot well-formed.
func (t Template) Validate() error {
	if t.ID == "" {
		return invalid("id", "required")
	}
	if t.ClientID == "" {
		return invalid("client_id", "required")
	}
	if len(t.Weeks) == 0 {
		return invalid("weeks", "at least one template-week is required")
	}

	seen := make(map[TemplateEventID]bool)
	for wi, w := range t.Weeks {
		for _, te := range w.Events {
			if te.ID == "" {
				return invalid("weeks", "week %d: slot id required", wi)
			}
			if seen[te.ID] {
				return invalid("weeks", "week %d: duplicate slot id %s", wi, te.ID)
			}
			seen[te.ID] = true

			if te.Weekday < time.Sunday || te.Weekday > time.Saturday {
				return invalid("weekday", "slot %s: weekday %d out of range", te.ID, te.Weekday)
			}
			if !te.Start.Valid() || !te.End.Valid() {
				return invalid("time", "slot %s: time of day out of range", te.ID)
			}
			// No overnight wraparound.
			if te.Start >= te.End {
				return invalid("time", "slot %s: start %s must be before end %s", te.ID, te.Start, te.End)
			}
			if te.AuthorizationID == "" {
				return invalid("authorization_id", "slot %s: required", te.ID)
			}
			if te.PlannedUnits < 0 {
				return invalid("planned_units", "slot %s: must not be negative", te.ID)
			}
		}
	}
	return nil
}

// Slot finds a template event by id across all weeks.
func (t Template) Slot(id TemplateEventID) (TemplateEvent, bool) {
	for _, w := range t.Weeks {
		for _, te := range w.Events {
			if te.ID == id {
				return te, true
			}
		}
	}
	return TemplateEvent{}, false
}

// nextUngenerated is the first date generation may materialize.
func (t Template) nextUngenerated(today time.Time) time.Time {
	today = DateOf(today)
	if t.GeneratedThrough.IsZero() {
		return today
	}
	return MaxDate(today, DateOf(t.GeneratedThrough).AddDate(0, 0, 1))
}
