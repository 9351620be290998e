/*
Package scheduling is the core of the home-care visit engine.

PURPOSE:
  Turns a client's recurring weekly template into dated, billable schedule
  events, charges every event against a capacity-limited authorization,
  and drives each event through its visit lifecycle (scheduling states)
  and its back-office review lifecycle (verification states).

KEY CONCEPTS IN THIS FILE (types.go):
  - Template / TemplateWeek / TemplateEvent: the recurring pattern
  - Authorization: a payer-granted unit budget
  - Reservation / UnitEntry: the ledger's view of units held and moved
  - ScheduleEvent: one dated occurrence and its lifecycle state
  - VisitRecord: the delivery/verification projection of an event

DESIGN PRINCIPLES:
  1. Derived values are computed, not stored: available units come from
     max - used, visit units come from durations.
  2. Cancellation is a state, not a deletion. Events that consumed units
     are never removed.
  3. Every mutable aggregate carries a Version for optimistic concurrency.

SEE ALSO:
  - ledger.go: Authorization unit ledger
  - generation.go: Template expansion
  - visit.go: Visit state machine
*/
package scheduling

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TemplateID string
type TemplateEventID string
type AuthorizationID string
type ReservationID string
type EventID string
type ClientID string
type StaffID string

// =============================================================================
// TEMPLATE - Recurring weekly pattern
// =============================================================================

// Template is a client's recurring pattern of one or more template-weeks.
// Week i of the rotation is used for dates whose week offset from
// AnchorDate is i modulo len(Weeks).
type Template struct {
	ID         TemplateID
	ClientID   ClientID
	Weeks      []TemplateWeek
	Active     bool
	AnchorDate time.Time

	// GeneratedThrough is the last date (inclusive) already materialized.
	// Zero means nothing has been generated yet. Never moves backwards.
	GeneratedThrough time.Time

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TemplateWeek struct {
	Index  int
	Events []TemplateEvent
}

// TemplateEvent is one recurring slot inside a template-week.
type TemplateEvent struct {
	ID              TemplateEventID
	Weekday         time.Weekday
	Start           TimeOfDay
	End             TimeOfDay
	AuthorizationID AuthorizationID
	EventCode       string

	// PlannedUnits is the quantity to reserve per occurrence.
	// Zero means "derive from the slot duration with the unit rule".
	PlannedUnits int
	StaffID      StaffID
}

// Duration returns the length of the slot.
func (te TemplateEvent) Duration() time.Duration {
	return time.Duration(te.End-te.Start) * time.Minute
}

// =============================================================================
// AUTHORIZATION - Payer-granted unit budget
// =============================================================================

// Authorization is maintained by the external authorization-management
// process. This engine only reads MaxUnits and the validity window, and
// moves UsedUnits through the Ledger.
type Authorization struct {
	ID        AuthorizationID
	ClientID  ClientID
	ServiceID string
	StartDate time.Time
	EndDate   time.Time
	MaxUnits  int
	UsedUnits int
	Version   int
	UpdatedAt time.Time
}

// Available returns max - used, clamped at zero for display.
// Use Overrun to detect over-allocation.
func (a Authorization) Available() int {
	if a.UsedUnits >= a.MaxUnits {
		return 0
	}
	return a.MaxUnits - a.UsedUnits
}

// Overrun returns how many units have been consumed beyond MaxUnits.
func (a Authorization) Overrun() int {
	if a.UsedUnits <= a.MaxUnits {
		return 0
	}
	return a.UsedUnits - a.MaxUnits
}

func (a Authorization) OverAllocated() bool { return a.UsedUnits > a.MaxUnits }

// Covers reports whether date falls inside the validity window.
// A zero bound is treated as open.
func (a Authorization) Covers(date time.Time) bool {
	d := DateOf(date)
	if !a.StartDate.IsZero() && d.Before(DateOf(a.StartDate)) {
		return false
	}
	if !a.EndDate.IsZero() && d.After(DateOf(a.EndDate)) {
		return false
	}
	return true
}

// =============================================================================
// RESERVATION & UNIT ENTRIES - Ledger records
// =============================================================================

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is the units currently held against an authorization for
// one schedule event.
type Reservation struct {
	ID              ReservationID
	AuthorizationID AuthorizationID
	EventID         EventID
	Units           int
	Status          ReservationStatus

	// Overrun is how far past MaxUnits the authorization went when this
	// reservation was last written with an override. Zero for normal writes.
	Overrun int

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReleasedAt *time.Time
}

func (r Reservation) Active() bool { return r.Status == ReservationActive }

type EntryType string

const (
	EntryReserve EntryType = "reserve"
	EntryAdjust  EntryType = "adjust"
	EntryRelease EntryType = "release"
)

// UnitEntry is one append-only movement of units on an authorization.
// The sum of Delta over all entries of an authorization equals its
// UsedUnits.
type UnitEntry struct {
	ID              string
	AuthorizationID AuthorizationID
	ReservationID   ReservationID
	Type            EntryType
	Delta           int
	Override        bool
	IdempotencyKey  string
	CreatedAt       time.Time
}

// =============================================================================
// SCHEDULE EVENT - One dated occurrence
// =============================================================================

type EventStatus string

const (
	StatusDraft      EventStatus = "DRAFT"
	StatusPlanned    EventStatus = "PLANNED"
	StatusConfirmed  EventStatus = "CONFIRMED"
	StatusInProgress EventStatus = "IN_PROGRESS"
	StatusCompleted  EventStatus = "COMPLETED"
	StatusCancelled  EventStatus = "CANCELLED"
)

type Origin string

const (
	OriginTemplate    Origin = "generated-from-template"
	OriginUnscheduled Origin = "unscheduled"
)

// Replacement is kept on events whose staff was swapped outside of
// generation.
type Replacement struct {
	OriginalStaffID StaffID
	Reason          string
	ReplacedAt      time.Time
}

type ScheduleEvent struct {
	ID              EventID
	TemplateID      TemplateID      // empty for unscheduled events
	TemplateEventID TemplateEventID // empty for unscheduled events
	ClientID        ClientID
	EventDate       time.Time
	StartAt         time.Time
	EndAt           time.Time
	AuthorizationID AuthorizationID
	EventCode       string
	StaffID         StaffID

	Status       EventStatus
	Verification VerificationStatus

	PlannedUnits  int
	ActualUnits   *int
	ReservationID ReservationID // empty when no units are held

	Origin      Origin
	Replacement *Replacement

	// CapacityWarning is set when the event exists without (or beyond)
	// the units its authorization could grant.
	CapacityWarning string

	CheckInAt    *time.Time
	CheckOutAt   *time.Time
	CancelReason string
	CancelledAt  *time.Time

	// Hidden events are excluded from active schedule views.
	Hidden bool

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryOpen reports a check-in without a matching check-out.
func (e ScheduleEvent) DeliveryOpen() bool {
	return e.CheckInAt != nil && e.CheckOutAt == nil
}

// Scheduled returns the planned slot length.
func (e ScheduleEvent) Scheduled() time.Duration { return e.EndAt.Sub(e.StartAt) }

// =============================================================================
// VISIT RECORD - Delivery and verification projection
// =============================================================================

type VerificationStatus string

const (
	VerificationNotStarted VerificationStatus = "NOT_STARTED"
	VerificationInProgress VerificationStatus = "IN_PROGRESS"
	VerificationCompleted  VerificationStatus = "COMPLETED"
	VerificationIncomplete VerificationStatus = "INCOMPLETE"
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationCancelled  VerificationStatus = "CANCELLED"
)

// VisitRecord shares its identity with the schedule event. There is at
// most one per event.
type VisitRecord struct {
	ScheduleEventID EventID
	StaffID         StaffID

	CheckInAt   *time.Time
	CheckOutAt  *time.Time
	AdjustedIn  *time.Time
	AdjustedOut *time.Time

	PayHours  decimal.Decimal
	BillHours decimal.Decimal
	Units     int
	DoNotBill bool

	Status      VerificationStatus
	VerifiedBy  string
	VerifiedAt  *time.Time
	AmendReason string

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BillableUnits is what an external billing process should pick up.
func (v VisitRecord) BillableUnits() int {
	if v.DoNotBill {
		return 0
	}
	return v.Units
}

// Adjusted reports whether both adjusted bounds are present.
func (v VisitRecord) Adjusted() bool { return v.AdjustedIn != nil && v.AdjustedOut != nil }
