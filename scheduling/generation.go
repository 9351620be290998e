/*
generation.go - Template expansion into dated schedule events

PURPOSE:
  Expands a client's template over a caller-supplied horizon into
  concrete schedule events, reserving units for each one.

ALGORITHM:
  1. start = max(today, generatedThrough + 1 day). If through < start the
     call is a no-op success (Noop = true).
  2. Walk every date start..through. The rotation week for a date is
     WeekIndex(anchor, date, len(weeks)).
  3. For every slot of that week on that weekday:
       - an event already exists for (slot, date)  -> skipped
       - otherwise reserve planned units and insert the event, both in
         one transaction. A capacity or window failure still inserts the
         event, without a reservation, flagged with a warning.
  4. Advance generatedThrough to through.

IDEMPOTENCY:
  (TemplateEventID, EventDate) is unique in storage. A concurrent run that
  loses the insert race rolls back its reservation and counts a skip.
  The watermark is only written after all dates are processed, so an
  interrupted run can be retried from the same watermark.

HORIZON:
  Forward-only. Dates already generated are never revisited, even if the
  template changed since. There is no engine-level span limit; the API
  layer validates the span.

SEE ALSO:
  - rotation.go: WeekIndex and SlotsOn
  - ledger.go: reserveIn
*/
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

type WarningKind string

const (
	WarningCapacityExceeded   WarningKind = "capacity_exceeded"
	WarningOutsideWindow      WarningKind = "outside_authorization_window"
	WarningCapacityOnCheckOut WarningKind = "capacity_exceeded_on_check_out"
)

// CapacityWarning is surfaced alongside a successful result for manual
// review. It never blocks the operation.
type CapacityWarning struct {
	Kind            WarningKind
	EventID         EventID
	TemplateEventID TemplateEventID
	AuthorizationID AuthorizationID
	Date            time.Time
	Requested       int
	Available       int
	Message         string
}

func (w CapacityWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

type GenerationResult struct {
	TemplateID       TemplateID
	From             time.Time
	Through          time.Time
	CreatedCount     int
	SkippedCount     int
	CapacityWarnings []CapacityWarning
	EventIDs         []EventID

	// Noop marks a call whose horizon was already covered.
	Noop bool
}

// =============================================================================
// GENERATOR
// =============================================================================

type Generator struct {
	Store    TxStore
	Ledger   *Ledger
	Units    UnitRule
	Location *time.Location
	Clock    Clock
	Notifier Notifier
	Logger   zerolog.Logger
}

func NewGenerator(store TxStore, ledger *Ledger) *Generator {
	return &Generator{
		Store:    store,
		Ledger:   ledger,
		Units:    DefaultUnitRule(),
		Location: time.UTC,
		Notifier: NopNotifier{},
		Logger:   zerolog.Nop(),
	}
}

// errSlotTaken aborts a per-slot transaction when the insert loses to an
// existing event.
var errSlotTaken = errors.New("slot already generated")

// Generate materializes the template through throughDate (inclusive).
func (g *Generator) Generate(ctx context.Context, id TemplateID, throughDate time.Time) (GenerationResult, error) {
	if id == "" {
		return GenerationResult{}, invalid("template_id", "required")
	}
	if throughDate.IsZero() {
		return GenerationResult{}, invalid("through_date", "required")
	}

	t, err := g.Store.GetTemplate(ctx, id)
	if err != nil {
		return GenerationResult{}, err
	}

	through := DateOf(throughDate)
	start := t.nextUngenerated(g.Clock.today(g.Location))
	result := GenerationResult{TemplateID: id, From: start, Through: through}
	if through.Before(start) {
		result.Noop = true
		return result, nil
	}

	log := g.Logger.With().Str("template_id", string(id)).Logger()

	for d := start; !d.After(through); d = d.AddDate(0, 0, 1) {
		for _, slot := range t.SlotsOn(d) {
			if err := g.materialize(ctx, t, slot, d, &result); err != nil {
				// Watermark untouched: the caller can retry the same call.
				return result, fmt.Errorf("generate %s on %s: %w", slot.ID, d.Format(DateLayout), err)
			}
		}
	}

	if err := g.advanceWatermark(ctx, id, through); err != nil {
		return result, err
	}

	log.Info().
		Str("from", start.Format(DateLayout)).
		Str("through", through.Format(DateLayout)).
		Int("created", result.CreatedCount).
		Int("skipped", result.SkippedCount).
		Int("warnings", len(result.CapacityWarnings)).
		Msg("template generated")

	g.notify(ctx, result)
	return result, nil
}

// materialize creates the event for one (slot, date) unless it exists.
func (g *Generator) materialize(ctx context.Context, t Template, slot TemplateEvent, d time.Time, result *GenerationResult) error {
	var (
		created ScheduleEvent
		warning *CapacityWarning
	)

	err := runWithRetry(ctx, g.Store, g.Ledger.MaxRetries, g.Logger, "generate", func(s Store) error {
		created, warning = ScheduleEvent{}, nil

		if _, exists, err := s.FindGeneratedEvent(ctx, slot.ID, d); err != nil {
			return err
		} else if exists {
			return errSlotTaken
		}

		ev := g.newEvent(t, slot, d)
		res, err := g.Ledger.reserveIn(ctx, s, slot.AuthorizationID, ev.PlannedUnits, ReserveOptions{
			EventID:        ev.ID,
			Date:           d,
			IdempotencyKey: fmt.Sprintf("generate:%s:%s", slot.ID, d.Format(DateLayout)),
		})
		switch w := capacityWarning(err, ev); {
		case w != nil:
			warning = w
			ev.CapacityWarning = w.Message
		case err != nil:
			return err
		default:
			ev.ReservationID = res.ID
		}

		if err := s.CreateEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return errSlotTaken
			}
			return err
		}
		created = ev
		return nil
	})

	switch {
	case errors.Is(err, errSlotTaken), errors.Is(err, ErrDuplicate):
		result.SkippedCount++
		return nil
	case err != nil:
		return err
	}

	result.CreatedCount++
	result.EventIDs = append(result.EventIDs, created.ID)
	if warning != nil {
		result.CapacityWarnings = append(result.CapacityWarnings, *warning)
		g.Logger.Warn().
			Str("event_id", string(created.ID)).
			Str("authorization_id", string(created.AuthorizationID)).
			Str("kind", string(warning.Kind)).
			Msg(warning.Message)
	}
	return nil
}

func (g *Generator) newEvent(t Template, slot TemplateEvent, d time.Time) ScheduleEvent {
	now := g.Clock.now()
	status := StatusPlanned
	if !t.Active {
		status = StatusDraft
	}
	return ScheduleEvent{
		ID:              EventID(uuid.NewString()),
		TemplateID:      t.ID,
		TemplateEventID: slot.ID,
		ClientID:        t.ClientID,
		EventDate:       d,
		StartAt:         slot.Start.On(d, g.Location),
		EndAt:           slot.End.On(d, g.Location),
		AuthorizationID: slot.AuthorizationID,
		EventCode:       slot.EventCode,
		StaffID:         slot.StaffID,
		Status:          status,
		Verification:    VerificationNotStarted,
		PlannedUnits:    g.Units.PlannedUnits(slot),
		Origin:          OriginTemplate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// capacityWarning turns the non-fatal reservation failures into a warning.
// Returns nil for success and for fatal errors.
func capacityWarning(err error, ev ScheduleEvent) *CapacityWarning {
	if err == nil {
		return nil
	}
	w := &CapacityWarning{
		EventID:         ev.ID,
		TemplateEventID: ev.TemplateEventID,
		AuthorizationID: ev.AuthorizationID,
		Date:            ev.EventDate,
		Requested:       ev.PlannedUnits,
	}
	var capErr *CapacityError
	switch {
	case errors.As(err, &capErr):
		w.Kind = WarningCapacityExceeded
		w.Available = capErr.Available
		w.Message = capErr.Error()
	case errors.Is(err, ErrOutsideAuthorizationWindow):
		w.Kind = WarningOutsideWindow
		w.Message = err.Error()
	default:
		return nil
	}
	return w
}

// advanceWatermark moves generatedThrough forward, never back.
func (g *Generator) advanceWatermark(ctx context.Context, id TemplateID, through time.Time) error {
	return runWithRetry(ctx, g.Store, g.Ledger.MaxRetries, g.Logger, "watermark", func(s Store) error {
		t, err := s.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		if !t.GeneratedThrough.IsZero() && !through.After(DateOf(t.GeneratedThrough)) {
			return nil
		}
		t.GeneratedThrough = through
		t.UpdatedAt = g.Clock.now()
		return s.UpdateTemplate(ctx, &t)
	})
}

func (g *Generator) notify(ctx context.Context, r GenerationResult) {
	if g.Notifier == nil {
		return
	}
	warnings := make([]string, 0, len(r.CapacityWarnings))
	for _, w := range r.CapacityWarnings {
		warnings = append(warnings, w.String())
	}
	n := Notification{
		Kind:       NotifyGenerationCompleted,
		At:         g.Clock.now(),
		TemplateID: r.TemplateID,
		Created:    r.CreatedCount,
		Skipped:    r.SkippedCount,
		Warnings:   warnings,
	}
	if err := g.Notifier.Notify(ctx, n); err != nil {
		g.Logger.Error().Err(err).Str("template_id", string(r.TemplateID)).Msg("failed to publish generation notification")
	}
	notifyWarnings(ctx, g.Notifier, n.At, r.CapacityWarnings, g.Logger)
}
