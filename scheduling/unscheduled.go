package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// UNSCHEDULED (STAFF-REPLACEMENT) EVENTS
// =============================================================================
// One schedule event has at most one visit record. A replacement never
// creates a second billable record for a slot that already has one:
//
//   existing event, no visit record  -> reassign staff on the event
//   existing event with visit record -> reassign and amend the record in place
//   slot with no event               -> new unscheduled event, units reserved
//
// A slot request that matches an existing non-cancelled event
// (client, authorization, start time) is treated as the existing event.

// Slot identifies a time slot when there is no event id to replace.
type Slot struct {
	ClientID        ClientID
	AuthorizationID AuthorizationID
	Date            time.Time
	Start           TimeOfDay
	End             TimeOfDay
	EventCode       string
	OriginalStaffID StaffID
}

func (sl Slot) validate() error {
	if sl.ClientID == "" {
		return invalid("slot.client_id", "required")
	}
	if sl.AuthorizationID == "" {
		return invalid("slot.authorization_id", "required")
	}
	if sl.Date.IsZero() {
		return invalid("slot.date", "required")
	}
	if !sl.Start.Valid() || !sl.End.Valid() || sl.Start >= sl.End {
		return invalid("slot", "start must be before end on the same day")
	}
	return nil
}

type UnscheduledRequest struct {
	OriginalEventID    EventID
	Slot               *Slot
	ReplacementStaffID StaffID
	Reason             string
}

type UnscheduledResult struct {
	Event ScheduleEvent
	Visit *VisitRecord

	// Created is true when a new event was inserted; otherwise an existing
	// event was reassigned.
	Created bool

	// Amended is true when an existing visit record was updated in place.
	Amended bool

	Warnings []CapacityWarning
}

func (r UnscheduledRequest) validate() error {
	if r.ReplacementStaffID == "" {
		return invalid("replacement_staff_id", "required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return invalid("reason", "required")
	}
	switch {
	case r.OriginalEventID == "" && r.Slot == nil:
		return invalid("original_event_id", "an original event or a slot is required")
	case r.OriginalEventID != "" && r.Slot != nil:
		return invalid("slot", "give either an original event or a slot, not both")
	case r.Slot != nil:
		return r.Slot.validate()
	}
	return nil
}

// CreateUnscheduled records a staff replacement.
func (m *Machine) CreateUnscheduled(ctx context.Context, req UnscheduledRequest) (UnscheduledResult, error) {
	if err := req.validate(); err != nil {
		return UnscheduledResult{}, err
	}

	var result UnscheduledResult
	err := runWithRetry(ctx, m.Store, m.Ledger.MaxRetries, m.Logger, "unscheduled", func(s Store) error {
		r, err := m.unscheduledIn(ctx, s, req)
		result = r
		return err
	})
	if err != nil {
		return UnscheduledResult{}, err
	}

	m.logWarnings(result.Warnings)
	m.notify(ctx, NotifyEventReplaced, "", TransitionResult{Event: result.Event, Visit: result.Visit, Warnings: result.Warnings})
	return result, nil
}

func (m *Machine) unscheduledIn(ctx context.Context, s Store, req UnscheduledRequest) (UnscheduledResult, error) {
	if req.OriginalEventID != "" {
		ev, visit, err := loadEvent(ctx, s, req.OriginalEventID)
		if err != nil {
			return UnscheduledResult{}, err
		}
		return m.replaceIn(ctx, s, ev, visit, req)
	}

	sl := *req.Slot
	date := DateOf(sl.Date)
	startAt := sl.Start.On(date, m.Location)
	existing, found, err := s.FindEventBySlot(ctx, sl.ClientID, sl.AuthorizationID, startAt)
	if err != nil {
		return UnscheduledResult{}, err
	}
	if found {
		ev, visit, err := loadEvent(ctx, s, existing.ID)
		if err != nil {
			return UnscheduledResult{}, err
		}
		return m.replaceIn(ctx, s, ev, visit, req)
	}
	return m.createUnscheduledIn(ctx, s, sl, req)
}

// replaceIn reassigns staff on an existing event and amends its visit
// record when there is one.
func (m *Machine) replaceIn(ctx context.Context, s Store, ev ScheduleEvent, visit *VisitRecord, req UnscheduledRequest) (UnscheduledResult, error) {
	if ev.Status == StatusCancelled && !ev.DeliveryOpen() {
		return UnscheduledResult{}, &InvalidTransitionError{
			EventID: ev.ID, From: ev.Status, Action: "replaceStaff", Detail: "event is cancelled",
		}
	}
	if ev.Verification == VerificationVerified {
		return UnscheduledResult{}, &InvalidTransitionError{
			EventID: ev.ID, From: ev.Status, Action: "replaceStaff", Detail: "visit already verified",
		}
	}
	if ev.StaffID == req.ReplacementStaffID {
		return UnscheduledResult{}, invalid("replacement_staff_id", "staff %s is already assigned", req.ReplacementStaffID)
	}

	// The first planned staff member stays the original across repeated
	// replacements.
	original := ev.StaffID
	if ev.Replacement != nil {
		original = ev.Replacement.OriginalStaffID
	}
	reason := strings.TrimSpace(req.Reason)
	ev.StaffID = req.ReplacementStaffID
	ev.Origin = OriginUnscheduled
	ev.Replacement = &Replacement{OriginalStaffID: original, Reason: reason, ReplacedAt: m.Clock.now()}

	amended := false
	if visit != nil {
		visit.StaffID = req.ReplacementStaffID
		visit.AmendReason = reason
		amended = true
	}

	r, err := m.save(ctx, s, ev, visit, nil)
	if err != nil {
		return UnscheduledResult{}, err
	}
	return UnscheduledResult{Event: r.Event, Visit: r.Visit, Amended: amended}, nil
}

func (m *Machine) createUnscheduledIn(ctx context.Context, s Store, sl Slot, req UnscheduledRequest) (UnscheduledResult, error) {
	now := m.Clock.now()
	date := DateOf(sl.Date)
	ev := ScheduleEvent{
		ID:              EventID(uuid.NewString()),
		ClientID:        sl.ClientID,
		EventDate:       date,
		StartAt:         sl.Start.On(date, m.Location),
		EndAt:           sl.End.On(date, m.Location),
		AuthorizationID: sl.AuthorizationID,
		EventCode:       sl.EventCode,
		StaffID:         req.ReplacementStaffID,
		Status:          StatusPlanned,
		Verification:    VerificationNotStarted,
		Origin:          OriginUnscheduled,
		Replacement: &Replacement{
			OriginalStaffID: sl.OriginalStaffID,
			Reason:          strings.TrimSpace(req.Reason),
			ReplacedAt:      now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev.PlannedUnits = m.Units.Units(ev.Scheduled())

	var warnings []CapacityWarning
	res, err := m.Ledger.reserveIn(ctx, s, ev.AuthorizationID, ev.PlannedUnits, ReserveOptions{EventID: ev.ID, Date: date})
	switch w := capacityWarning(err, ev); {
	case w != nil:
		ev.CapacityWarning = w.Message
		warnings = append(warnings, *w)
	case err != nil:
		return UnscheduledResult{}, err
	default:
		ev.ReservationID = res.ID
	}

	if err := s.CreateEvent(ctx, ev); err != nil {
		return UnscheduledResult{}, fmt.Errorf("create unscheduled event: %w", err)
	}
	ev.Version = 1
	return UnscheduledResult{Event: ev, Created: true, Warnings: warnings}, nil
}
