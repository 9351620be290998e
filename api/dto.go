/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  scheduling domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

VALIDATION:
  Request shapes are checked with go-playground/validator struct tags
  before any domain call. Domain rules (rotation, capacity, transitions)
  stay in the scheduling package.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/care-scheduler/scheduling"
)

// =============================================================================
// REQUESTS
// =============================================================================

type AuthorizationRequest struct {
	ClientID  string `json:"client_id" validate:"required"`
	ServiceID string `json:"service_id"`
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	MaxUnits  int    `json:"max_units" validate:"min=0"`
}

type TemplateEventRequest struct {
	ID              string `json:"id" validate:"required"`
	Weekday         int    `json:"weekday" validate:"min=0,max=6"`
	Start           string `json:"start" validate:"required,datetime=15:04"`
	End             string `json:"end" validate:"required,datetime=15:04"`
	AuthorizationID string `json:"authorization_id" validate:"required"`
	EventCode       string `json:"event_code"`
	PlannedUnits    int    `json:"planned_units" validate:"min=0"`
	StaffID         string `json:"staff_id"`
}

type TemplateWeekRequest struct {
	Events []TemplateEventRequest `json:"events" validate:"dive"`
}

type CreateTemplateRequest struct {
	ID         string                `json:"id" validate:"required"`
	ClientID   string                `json:"client_id" validate:"required"`
	Active     *bool                 `json:"active"`
	AnchorDate string                `json:"anchor_date" validate:"required,datetime=2006-01-02"`
	Weeks      []TemplateWeekRequest `json:"weeks" validate:"required,min=1,dive"`
}

type GenerateRequest struct {
	ThroughDate string `json:"through_date" validate:"required,datetime=2006-01-02"`
}

type TransitionRequest struct {
	Action      string     `json:"action" validate:"required,oneof=plan confirm checkIn checkOut cancel verify adjust"`
	Reason      string     `json:"reason"`
	At          *time.Time `json:"at"`
	ActorID     string     `json:"actor_id"`
	AdjustedIn  *time.Time `json:"adjusted_in"`
	AdjustedOut *time.Time `json:"adjusted_out"`
	DoNotBill   *bool      `json:"do_not_bill"`
}

type SlotRequest struct {
	ClientID        string `json:"client_id" validate:"required"`
	AuthorizationID string `json:"authorization_id" validate:"required"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Start           string `json:"start" validate:"required,datetime=15:04"`
	End             string `json:"end" validate:"required,datetime=15:04"`
	EventCode       string `json:"event_code"`
	OriginalStaffID string `json:"original_staff_id"`
}

type UnscheduledRequest struct {
	OriginalEventID    string       `json:"original_event_id" validate:"required_without=Slot"`
	Slot               *SlotRequest `json:"slot" validate:"omitempty"`
	ReplacementStaffID string       `json:"replacement_staff_id" validate:"required"`
	Reason             string       `json:"reason" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type AuthorizationDTO struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	ServiceID     string `json:"service_id,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	MaxUnits      int    `json:"max_units"`
	UsedUnits     int    `json:"used_units"`
	Available     int    `json:"available_units"`
	Overrun       int    `json:"overrun_units"`
	OverAllocated bool   `json:"over_allocated"`
}

type TemplateEventDTO struct {
	ID              string `json:"id"`
	Weekday         int    `json:"weekday"`
	Start           string `json:"start"`
	End             string `json:"end"`
	AuthorizationID string `json:"authorization_id"`
	EventCode       string `json:"event_code,omitempty"`
	PlannedUnits    int    `json:"planned_units,omitempty"`
	StaffID         string `json:"staff_id,omitempty"`
}

type TemplateWeekDTO struct {
	Index  int                `json:"index"`
	Events []TemplateEventDTO `json:"events"`
}

type TemplateDTO struct {
	ID               string            `json:"id"`
	ClientID         string            `json:"client_id"`
	Active           bool              `json:"active"`
	AnchorDate       string            `json:"anchor_date"`
	GeneratedThrough string            `json:"generated_through,omitempty"`
	Weeks            []TemplateWeekDTO `json:"weeks"`
	Version          int               `json:"version"`
}

type ReplacementDTO struct {
	OriginalStaffID string    `json:"original_staff_id,omitempty"`
	Reason          string    `json:"reason"`
	ReplacedAt      time.Time `json:"replaced_at"`
}

type EventDTO struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id,omitempty"`
	TemplateEventID string          `json:"template_event_id,omitempty"`
	ClientID        string          `json:"client_id"`
	EventDate       string          `json:"event_date"`
	StartAt         time.Time       `json:"start_at"`
	EndAt           time.Time       `json:"end_at"`
	AuthorizationID string          `json:"authorization_id"`
	EventCode       string          `json:"event_code,omitempty"`
	StaffID         string          `json:"staff_id,omitempty"`
	Status          string          `json:"status"`
	Verification    string          `json:"verification_status"`
	PlannedUnits    int             `json:"planned_units"`
	ActualUnits     *int            `json:"actual_units,omitempty"`
	ReservationID   string          `json:"reservation_id,omitempty"`
	Origin          string          `json:"origin"`
	Replacement     *ReplacementDTO `json:"replacement,omitempty"`
	CapacityWarning string          `json:"capacity_warning,omitempty"`
	CheckInAt       *time.Time      `json:"check_in_at,omitempty"`
	CheckOutAt      *time.Time      `json:"check_out_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	Hidden          bool            `json:"hidden,omitempty"`
	Version         int             `json:"version"`
}

type VisitDTO struct {
	ScheduleEventID string          `json:"schedule_event_id"`
	StaffID         string          `json:"staff_id,omitempty"`
	CheckInAt       *time.Time      `json:"check_in_at,omitempty"`
	CheckOutAt      *time.Time      `json:"check_out_at,omitempty"`
	AdjustedIn      *time.Time      `json:"adjusted_in,omitempty"`
	AdjustedOut     *time.Time      `json:"adjusted_out,omitempty"`
	PayHours        decimal.Decimal `json:"pay_hours"`
	BillHours       decimal.Decimal `json:"bill_hours"`
	Units           int             `json:"units"`
	DoNotBill       bool            `json:"do_not_bill"`
	Status          string          `json:"status"`
	VerifiedBy      string          `json:"verified_by,omitempty"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty"`
	AmendReason     string          `json:"amend_reason,omitempty"`
}

type CapacityWarningDTO struct {
	Kind            string `json:"kind"`
	EventID         string `json:"event_id,omitempty"`
	TemplateEventID string `json:"template_event_id,omitempty"`
	AuthorizationID string `json:"authorization_id"`
	Date            string `json:"date,omitempty"`
	Requested       int    `json:"requested_units"`
	Available       int    `json:"available_units"`
	Message         string `json:"message"`
}

type GenerationResponse struct {
	TemplateID       string               `json:"template_id"`
	From             string               `json:"from"`
	Through          string               `json:"through"`
	CreatedCount     int                  `json:"created_count"`
	SkippedCount     int                  `json:"skipped_count"`
	Noop             bool                 `json:"noop"`
	EventIDs         []string             `json:"event_ids"`
	CapacityWarnings []CapacityWarningDTO `json:"capacity_warnings"`
}

type TransitionResponse struct {
	Event    EventDTO             `json:"event"`
	Visit    *VisitDTO            `json:"visit,omitempty"`
	Warnings []CapacityWarningDTO `json:"warnings"`
}

type UnscheduledResponse struct {
	Event    EventDTO             `json:"event"`
	Visit    *VisitDTO            `json:"visit,omitempty"`
	Created  bool                 `json:"created"`
	Amended  bool                 `json:"amended"`
	Warnings []CapacityWarningDTO `json:"warnings"`
}

type AvailableUnitsDTO struct {
	AuthorizationID string `json:"authorization_id"`
	Available       int    `json:"available_units"`
	Overrun         int    `json:"overrun_units"`
	OverAllocated   bool   `json:"over_allocated"`
}

type UnitEntryDTO struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	Type          string    `json:"type"`
	Delta         int       `json:"delta"`
	Override      bool      `json:"override,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type LedgerResponse struct {
	Authorization AuthorizationDTO `json:"authorization"`
	Entries       []UnitEntryDTO   `json:"entries"`
	Consistent    bool             `json:"consistent"`
	Drift         string           `json:"drift,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(scheduling.DateLayout)
}

func toAuthorizationDTO(a scheduling.Authorization) AuthorizationDTO {
	return AuthorizationDTO{
		ID:            string(a.ID),
		ClientID:      string(a.ClientID),
		ServiceID:     a.ServiceID,
		StartDate:     formatDate(a.StartDate),
		EndDate:       formatDate(a.EndDate),
		MaxUnits:      a.MaxUnits,
		UsedUnits:     a.UsedUnits,
		Available:     a.Available(),
		Overrun:       a.Overrun(),
		OverAllocated: a.OverAllocated(),
	}
}

func toTemplateDTO(t scheduling.Template) TemplateDTO {
	dto := TemplateDTO{
		ID:               string(t.ID),
		ClientID:         string(t.ClientID),
		Active:           t.Active,
		AnchorDate:       formatDate(t.AnchorDate),
		GeneratedThrough: formatDate(t.GeneratedThrough),
		Weeks:            make([]TemplateWeekDTO, 0, len(t.Weeks)),
		Version:          t.Version,
	}
	for _, w := range t.Weeks {
		wd := TemplateWeekDTO{Index: w.Index, Events: make([]TemplateEventDTO, 0, len(w.Events))}
		for _, e := range w.Events {
			wd.Events = append(wd.Events, TemplateEventDTO{
				ID:              string(e.ID),
				Weekday:         int(e.Weekday),
				Start:           e.Start.String(),
				End:             e.End.String(),
				AuthorizationID: string(e.AuthorizationID),
				EventCode:       e.EventCode,
				PlannedUnits:    e.PlannedUnits,
				StaffID:         string(e.StaffID),
			})
		}
		dto.Weeks = append(dto.Weeks, wd)
	}
	return dto
}

func toEventDTO(e scheduling.ScheduleEvent) EventDTO {
	dto := EventDTO{
		ID:              string(e.ID),
		TemplateID:      string(e.TemplateID),
		TemplateEventID: string(e.TemplateEventID),
		ClientID:        string(e.ClientID),
		EventDate:       formatDate(e.EventDate),
		StartAt:         e.StartAt,
		EndAt:           e.EndAt,
		AuthorizationID: string(e.AuthorizationID),
		EventCode:       e.EventCode,
		StaffID:         string(e.StaffID),
		Status:          string(e.Status),
		Verification:    string(e.Verification),
		PlannedUnits:    e.PlannedUnits,
		ActualUnits:     e.ActualUnits,
		ReservationID:   string(e.ReservationID),
		Origin:          string(e.Origin),
		CapacityWarning: e.CapacityWarning,
		CheckInAt:       e.CheckInAt,
		CheckOutAt:      e.CheckOutAt,
		CancelReason:    e.CancelReason,
		CancelledAt:     e.CancelledAt,
		Hidden:          e.Hidden,
		Version:         e.Version,
	}
	if e.Replacement != nil {
		dto.Replacement = &ReplacementDTO{
			OriginalStaffID: string(e.Replacement.OriginalStaffID),
			Reason:          e.Replacement.Reason,
			ReplacedAt:      e.Replacement.ReplacedAt,
		}
	}
	return dto
}

func toVisitDTO(v *scheduling.VisitRecord) *VisitDTO {
	if v == nil {
		return nil
	}
	return &VisitDTO{
		ScheduleEventID: string(v.ScheduleEventID),
		StaffID:         string(v.StaffID),
		CheckInAt:       v.CheckInAt,
		CheckOutAt:      v.CheckOutAt,
		AdjustedIn:      v.AdjustedIn,
		AdjustedOut:     v.AdjustedOut,
		PayHours:        v.PayHours,
		BillHours:       v.BillHours,
		Units:           v.Units,
		DoNotBill:       v.DoNotBill,
		Status:          string(v.Status),
		VerifiedBy:      v.VerifiedBy,
		VerifiedAt:      v.VerifiedAt,
		AmendReason:     v.AmendReason,
	}
}

func toWarningDTOs(ws []scheduling.CapacityWarning) []CapacityWarningDTO {
	out := make([]CapacityWarningDTO, 0, len(ws))
	for _, w := range ws {
		out = append(out, CapacityWarningDTO{
			Kind:            string(w.Kind),
			EventID:         string(w.EventID),
			TemplateEventID: string(w.TemplateEventID),
			AuthorizationID: string(w.AuthorizationID),
			Date:            formatDate(w.Date),
			Requested:       w.Requested,
			Available:       w.Available,
			Message:         w.Message,
		})
	}
	return out
}
