/*
visit.go - Visit state machine

PURPOSE:
  Governs one schedule event from scheduling through delivery and
  verification. Two explicit state fields live on the same event:

    Status        DRAFT -> PLANNED -> CONFIRMED -> IN_PROGRESS -> COMPLETED
                  (CANCELLED from any non-terminal state)
    Verification  NOT_STARTED -> IN_PROGRESS -> COMPLETED | INCOMPLETE
                  -> VERIFIED   (CANCELLED mirrors a cancelled event)

  Scheduling edges come from transitionsTable. Verification is
  re-derived with DefaultVerification after every change, except that a
  manual VERIFIED sticks.

UNIT EFFECTS:
  checkOut  reconciles the reservation to the actual units. Care was
            delivered, so this always writes (override) and an overrun
            comes back as a warning, never as a rollback.
  cancel    releases the reservation, unless the visit was already checked
            in: then units stay held, the event is hidden from the active
            schedule, and check-out may still complete it.

ATOMICITY:
  Every transition is one store transaction covering the event, its visit
  record, and the ledger. The event write is version-checked, so two
  concurrent transitions on one event cannot both win.

SEE ALSO:
  - transitions.go: the edge table
  - verification.go: DefaultVerification
  - unscheduled.go: staff replacement
*/
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Payload carries the action-specific inputs of a transition.
type Payload struct {
	Reason  string
	ActorID string

	// At is when the action happened (check-in/out time). Zero means now.
	At time.Time

	AdjustedIn  *time.Time
	AdjustedOut *time.Time
	DoNotBill   *bool
}

type TransitionResult struct {
	Event    ScheduleEvent
	Visit    *VisitRecord
	Warnings []CapacityWarning
}

type Machine struct {
	Store    TxStore
	Ledger   *Ledger
	Units    UnitRule
	Location *time.Location
	Clock    Clock
	Notifier Notifier
	Logger   zerolog.Logger
}

func NewMachine(store TxStore, ledger *Ledger) *Machine {
	return &Machine{
		Store:    store,
		Ledger:   ledger,
		Units:    DefaultUnitRule(),
		Location: time.UTC,
		Notifier: NopNotifier{},
		Logger:   zerolog.Nop(),
	}
}

// Transition applies action to the event. On any error the event is left
// unchanged.
func (m *Machine) Transition(ctx context.Context, id EventID, action Action, p Payload) (TransitionResult, error) {
	if err := validatePayload(action, p); err != nil {
		return TransitionResult{}, err
	}

	var result TransitionResult
	err := runWithRetry(ctx, m.Store, m.Ledger.MaxRetries, m.Logger, string(action), func(s Store) error {
		r, err := m.transitionIn(ctx, s, id, action, p)
		result = r
		return err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	m.logWarnings(result.Warnings)
	m.notify(ctx, NotifyEventTransitioned, action, result)
	return result, nil
}

// Refresh re-derives the verification state, moving visits whose window
// has passed without a check-out to INCOMPLETE.
func (m *Machine) Refresh(ctx context.Context, id EventID) (TransitionResult, error) {
	var result TransitionResult
	err := runWithRetry(ctx, m.Store, m.Ledger.MaxRetries, m.Logger, "refresh", func(s Store) error {
		ev, visit, err := loadEvent(ctx, s, id)
		if err != nil {
			return err
		}
		result = TransitionResult{Event: ev, Visit: visit}
		next := nextVerification(ev.Verification, ev, visit, m.Clock.now())
		if next == ev.Verification {
			return nil
		}
		r, err := m.save(ctx, s, ev, visit, nil)
		result = r
		return err
	})
	return result, err
}

// Get returns the event with its visit record, if any.
func (m *Machine) Get(ctx context.Context, id EventID) (ScheduleEvent, *VisitRecord, error) {
	return loadEvent(ctx, m.Store, id)
}

func validatePayload(action Action, p Payload) error {
	if !action.Valid() {
		return invalid("action", "unknown action %q", action)
	}
	switch action {
	case ActionCancel:
		// Minimum length is the caller's policy.
		if strings.TrimSpace(p.Reason) == "" {
			return invalid("reason", "required to cancel")
		}
	case ActionVerify:
		if strings.TrimSpace(p.ActorID) == "" {
			return invalid("actor_id", "required to verify")
		}
	case ActionAdjust:
		if p.AdjustedIn == nil || p.AdjustedOut == nil {
			if p.DoNotBill == nil {
				return invalid("adjusted_in", "adjusted times or do_not_bill required")
			}
		}
	}
	if p.AdjustedIn != nil || p.AdjustedOut != nil {
		if p.AdjustedIn == nil || p.AdjustedOut == nil {
			return invalid("adjusted_out", "adjusted in and out must be given together")
		}
		if !p.AdjustedIn.Before(*p.AdjustedOut) {
			return invalid("adjusted_out", "must be after adjusted_in")
		}
	}
	return nil
}

func (m *Machine) transitionIn(ctx context.Context, s Store, id EventID, action Action, p Payload) (TransitionResult, error) {
	ev, visit, err := loadEvent(ctx, s, id)
	if err != nil {
		return TransitionResult{}, err
	}
	now := m.Clock.now()
	at := p.At
	if at.IsZero() {
		at = now
	}

	switch action {
	case ActionVerify:
		return m.verifyIn(ctx, s, ev, visit, p, now)
	case ActionAdjust:
		return m.adjustIn(ctx, s, ev, visit, p)
	}

	edge, ok := Lookup(ev, action)
	if !ok {
		return TransitionResult{}, &InvalidTransitionError{EventID: ev.ID, From: ev.Status, Action: action}
	}

	var warnings []CapacityWarning
	switch action {
	case ActionCheckIn:
		ev.CheckInAt = &at
		if visit == nil {
			visit = &VisitRecord{ScheduleEventID: ev.ID, CreatedAt: now}
		}
		visit.StaffID = ev.StaffID
		visit.CheckInAt = &at

	case ActionCheckOut:
		if ev.CheckInAt != nil && at.Before(*ev.CheckInAt) {
			return TransitionResult{}, invalid("at", "check-out %s before check-in %s",
				at.Format(time.RFC3339), ev.CheckInAt.Format(time.RFC3339))
		}
		ev.CheckOutAt = &at
		if visit == nil {
			visit = &VisitRecord{ScheduleEventID: ev.ID, StaffID: ev.StaffID, CheckInAt: ev.CheckInAt, CreatedAt: now}
		}
		visit.CheckOutAt = &at
		applyAdjustments(visit, p)

	case ActionCancel:
		ev.CancelReason = strings.TrimSpace(p.Reason)
		ev.CancelledAt = &at
		ev.Hidden = true
	}

	switch edge.Units {
	case UnitsRelease:
		if ev.ReservationID != "" {
			if _, err := m.Ledger.releaseIn(ctx, s, ev.ReservationID); err != nil {
				return TransitionResult{}, err
			}
		}
	case UnitsReconcile:
		w, err := m.reconcile(ctx, s, &ev, visit)
		if err != nil {
			return TransitionResult{}, err
		}
		if w != nil {
			warnings = append(warnings, *w)
		}
	}

	ev.Status = edge.To
	return m.save(ctx, s, ev, visit, warnings)
}

func (m *Machine) verifyIn(ctx context.Context, s Store, ev ScheduleEvent, visit *VisitRecord, p Payload, now time.Time) (TransitionResult, error) {
	current := nextVerification(ev.Verification, ev, visit, now)
	if current != VerificationCompleted || visit == nil {
		return TransitionResult{}, &InvalidTransitionError{
			EventID: ev.ID, From: ev.Status, Action: ActionVerify,
			Detail: fmt.Sprintf("verification is %s", current),
		}
	}
	verifiedAt := now
	visit.VerifiedBy = strings.TrimSpace(p.ActorID)
	visit.VerifiedAt = &verifiedAt
	ev.Verification = VerificationVerified
	return m.save(ctx, s, ev, visit, nil)
}

// adjustIn records auditor-corrected times or the do-not-bill flag. On a
// completed visit the reservation follows the new units.
func (m *Machine) adjustIn(ctx context.Context, s Store, ev ScheduleEvent, visit *VisitRecord, p Payload) (TransitionResult, error) {
	if visit == nil {
		return TransitionResult{}, &InvalidTransitionError{
			EventID: ev.ID, From: ev.Status, Action: ActionAdjust, Detail: "no visit record",
		}
	}
	if ev.Verification == VerificationVerified {
		return TransitionResult{}, &InvalidTransitionError{
			EventID: ev.ID, From: ev.Status, Action: ActionAdjust, Detail: "visit already verified",
		}
	}
	applyAdjustments(visit, p)

	var warnings []CapacityWarning
	if ev.Status == StatusCompleted {
		w, err := m.reconcile(ctx, s, &ev, visit)
		if err != nil {
			return TransitionResult{}, err
		}
		if w != nil {
			warnings = append(warnings, *w)
		}
	}
	return m.save(ctx, s, ev, visit, warnings)
}

func applyAdjustments(v *VisitRecord, p Payload) {
	if p.AdjustedIn != nil && p.AdjustedOut != nil {
		in, out := *p.AdjustedIn, *p.AdjustedOut
		v.AdjustedIn, v.AdjustedOut = &in, &out
	}
	if p.DoNotBill != nil {
		v.DoNotBill = *p.DoNotBill
	}
}

// reconcile derives actual units from the visit record and moves the
// reservation to them. A missing reservation (generated over capacity)
// is created here.
func (m *Machine) reconcile(ctx context.Context, s Store, ev *ScheduleEvent, visit *VisitRecord) (*CapacityWarning, error) {
	m.recompute(visit, *ev)
	actual := visit.Units
	ev.ActualUnits = &actual

	var (
		res Reservation
		err error
	)
	if ev.ReservationID != "" {
		res, err = m.Ledger.adjustIn(ctx, s, ev.ReservationID, actual, true)
	} else {
		res, err = m.Ledger.reserveIn(ctx, s, ev.AuthorizationID, actual, ReserveOptions{EventID: ev.ID, Override: true})
		ev.ReservationID = res.ID
	}
	if err != nil {
		return nil, err
	}
	if res.Overrun == 0 {
		return nil, nil
	}
	msg := fmt.Sprintf("authorization %s over-allocated by %d units after check-out", ev.AuthorizationID, res.Overrun)
	ev.CapacityWarning = msg
	return &CapacityWarning{
		Kind:            WarningCapacityOnCheckOut,
		EventID:         ev.ID,
		TemplateEventID: ev.TemplateEventID,
		AuthorizationID: ev.AuthorizationID,
		Date:            ev.EventDate,
		Requested:       actual,
		Message:         msg,
	}, nil
}

// recompute derives units and hours from the effective duration.
// Planned units are never used once actuals exist.
func (m *Machine) recompute(v *VisitRecord, ev ScheduleEvent) {
	d := EffectiveDuration(*v, ev)
	v.Units = m.Units.Units(d)
	v.PayHours = Hours(d)
	v.BillHours = m.Units.UnitHours(v.BillableUnits())
}

// EffectiveDuration picks adjusted times, then check-in/out, then the
// scheduled slot.
func EffectiveDuration(v VisitRecord, ev ScheduleEvent) time.Duration {
	switch {
	case v.Adjusted():
		return v.AdjustedOut.Sub(*v.AdjustedIn)
	case v.CheckInAt != nil && v.CheckOutAt != nil:
		return v.CheckOutAt.Sub(*v.CheckInAt)
	default:
		return ev.Scheduled()
	}
}

// save re-derives verification and persists event and visit.
func (m *Machine) save(ctx context.Context, s Store, ev ScheduleEvent, visit *VisitRecord, warnings []CapacityWarning) (TransitionResult, error) {
	now := m.Clock.now()
	ev.Verification = nextVerification(ev.Verification, ev, visit, now)
	ev.UpdatedAt = now

	if visit != nil {
		if visit.CheckOutAt != nil || visit.Adjusted() {
			m.recompute(visit, ev)
		}
		visit.Status = ev.Verification
		visit.UpdatedAt = now
		if visit.Version == 0 {
			if err := s.CreateVisit(ctx, *visit); err != nil {
				if errors.Is(err, ErrDuplicate) {
					// Someone else created it first; replay the transition.
					return TransitionResult{}, fmt.Errorf("visit record for %s: %w", ev.ID, ErrConcurrentModification)
				}
				return TransitionResult{}, err
			}
			visit.Version = 1
		} else if err := s.UpdateVisit(ctx, visit); err != nil {
			return TransitionResult{}, err
		}
	}

	if err := s.UpdateEvent(ctx, &ev); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Event: ev, Visit: visit, Warnings: warnings}, nil
}

func loadEvent(ctx context.Context, s Store, id EventID) (ScheduleEvent, *VisitRecord, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		return ScheduleEvent{}, nil, err
	}
	v, err := s.GetVisit(ctx, id)
	switch {
	case errors.Is(err, ErrVisitNotFound):
		return ev, nil, nil
	case err != nil:
		return ScheduleEvent{}, nil, err
	}
	return ev, &v, nil
}

func (m *Machine) logWarnings(ws []CapacityWarning) {
	for _, w := range ws {
		m.Logger.Warn().
			Str("event_id", string(w.EventID)).
			Str("authorization_id", string(w.AuthorizationID)).
			Str("kind", string(w.Kind)).
			Msg(w.Message)
	}
}

func (m *Machine) notify(ctx context.Context, kind NotificationKind, action Action, r TransitionResult) {
	if m.Notifier == nil {
		return
	}
	n := Notification{
		Kind:            kind,
		At:              m.Clock.now(),
		TemplateID:      r.Event.TemplateID,
		EventID:         r.Event.ID,
		AuthorizationID: r.Event.AuthorizationID,
		Action:          action,
		Status:          r.Event.Status,
		Verification:    r.Event.Verification,
	}
	for _, w := range r.Warnings {
		n.Warnings = append(n.Warnings, w.String())
	}
	if err := m.Notifier.Notify(ctx, n); err != nil {
		m.Logger.Error().Err(err).Str("event_id", string(r.Event.ID)).Msg("failed to publish event notification")
	}
	notifyWarnings(ctx, m.Notifier, n.At, r.Warnings, m.Logger)
}
