/*
handlers.go - HTTP API handlers for the scheduling engine

PURPOSE:
  Exposes template generation, the visit state machine, and the
  authorization ledger over REST. Handles request decoding, validation,
  and response shaping; all scheduling rules live in package scheduling.

ENDPOINTS:
  Authorizations:
    PUT    /api/authorizations/{id}                  Upsert grant (max units, window)
    GET    /api/authorizations/{id}/available-units  Available units
    GET    /api/authorizations/{id}/ledger           Unit history + consistency check

  Templates:
    POST   /api/templates                 Create template
    GET    /api/templates/{id}            Get template
    POST   /api/templates/{id}/generate   Generate through a date

  Events:
    GET    /api/events                     Active schedule (cancelled hidden)
    GET    /api/events/{id}                Event
    GET    /api/events/{id}/visit          Visit record
    POST   /api/events/{id}/transitions    Apply an action
    POST   /api/events/{id}/refresh        Re-derive verification
    POST   /api/events/unscheduled         Staff replacement

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Invalid transition, concurrent modification, duplicate
  - 422: Capacity exceeded / outside authorization window
  - 503: Storage unavailable

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/care-scheduler/scheduling"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     scheduling.TxStore
	Ledger    *scheduling.Ledger
	Generator *scheduling.Generator
	Machine   *scheduling.Machine

	// MaxGenerationDays bounds how far past today a generate call may reach.
	MaxGenerationDays int
	Now               func() time.Time
	// Location decides which calendar day "today" is.
	Location *time.Location

	validate *validator.Validate

	scenarioMu      sync.Mutex
	currentScenario string
}

func NewHandler(store scheduling.TxStore, ledger *scheduling.Ledger, gen *scheduling.Generator, machine *scheduling.Machine) *Handler {
	return &Handler{
		Store:             store,
		Ledger:            ledger,
		Generator:         gen,
		Machine:           machine,
		MaxGenerationDays: 730,
		Now:               func() time.Time { return time.Now().UTC() },
		Location:          time.UTC,
		validate:          validator.New(),
	}
}

// =============================================================================
// AUTHORIZATION HANDLERS
// =============================================================================

// PutAuthorization records the grant from authorization management.
// used_units is owned by the ledger and cannot be set here.
func (h *Handler) PutAuthorization(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AuthorizationRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := requestDate("start_date", req.StartDate, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	end, err := requestDate("end_date", req.EndDate, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date must not be before start_date", nil)
		return
	}

	a := scheduling.Authorization{
		ID:        scheduling.AuthorizationID(id),
		ClientID:  scheduling.ClientID(req.ClientID),
		ServiceID: req.ServiceID,
		StartDate: start,
		EndDate:   end,
		MaxUnits:  req.MaxUnits,
		UpdatedAt: h.Now(),
	}
	if err := h.Store.SaveAuthorization(r.Context(), a); err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.Store.GetAuthorization(r.Context(), a.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if saved.OverAllocated() {
		hlog.FromRequest(r).Warn().
			Str("authorization_id", id).
			Int("overrun", saved.Overrun()).
			Msg("authorization reduced below units already held")
	}
	writeJSON(w, http.StatusOK, toAuthorizationDTO(saved))
}

func (h *Handler) GetAvailableUnits(w http.ResponseWriter, r *http.Request) {
	id := scheduling.AuthorizationID(chi.URLParam(r, "id"))
	b, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailableUnitsDTO{
		AuthorizationID: string(id),
		Available:       b.Available,
		Overrun:         b.Overrun,
		OverAllocated:   b.OverAllocated,
	})
}

// GetLedger returns the unit history and whether it still adds up.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := scheduling.AuthorizationID(chi.URLParam(r, "id"))

	a, err := h.Store.GetAuthorization(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.Ledger.Entries(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := LedgerResponse{
		Authorization: toAuthorizationDTO(a),
		Entries:       make([]UnitEntryDTO, 0, len(entries)),
		Consistent:    true,
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, UnitEntryDTO{
			ID:            e.ID,
			ReservationID: string(e.ReservationID),
			Type:          string(e.Type),
			Delta:         e.Delta,
			Override:      e.Override,
			CreatedAt:     e.CreatedAt,
		})
	}
	if err := h.Ledger.Verify(ctx, id); err != nil {
		if !errors.Is(err, scheduling.ErrLedgerDrift) {
			h.fail(w, r, err)
			return
		}
		resp.Consistent = false
		resp.Drift = err.Error()
		hlog.FromRequest(r).Error().Err(err).Str("authorization_id", string(id)).Msg("ledger drift")
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// TEMPLATE HANDLERS
// =============================================================================

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}

	anchor, err := requestDate("anchor_date", req.AnchorDate, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.Now()
	t := scheduling.Template{
		ID:         scheduling.TemplateID(req.ID),
		ClientID:   scheduling.ClientID(req.ClientID),
		Active:     req.Active == nil || *req.Active,
		AnchorDate: anchor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, wk := range req.Weeks {
		week := scheduling.TemplateWeek{Index: i}
		for _, ev := range wk.Events {
			start, err := requestTime("start", ev.Start)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			end, err := requestTime("end", ev.End)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			week.Events = append(week.Events, scheduling.TemplateEvent{
				ID:              scheduling.TemplateEventID(ev.ID),
				Weekday:         time.Weekday(ev.Weekday),
				Start:           start,
				End:             end,
				AuthorizationID: scheduling.AuthorizationID(ev.AuthorizationID),
				EventCode:       ev.EventCode,
				PlannedUnits:    ev.PlannedUnits,
				StaffID:         scheduling.StaffID(ev.StaffID),
			})
		}
		t.Weeks = append(t.Weeks, week)
	}

	if err := t.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.CreateTemplate(r.Context(), t); err != nil {
		h.fail(w, r, err)
		return
	}
	t.Version = 1
	writeJSON(w, http.StatusCreated, toTemplateDTO(t))
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTemplate(r.Context(), scheduling.TemplateID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateDTO(t))
}

// Generate materializes the template through the requested date.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	id := scheduling.TemplateID(chi.URLParam(r, "id"))

	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}
	through, err := requestDate("through_date", req.ThroughDate, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	today := h.today()
	if h.MaxGenerationDays > 0 && scheduling.DaysBetween(today, through) > h.MaxGenerationDays {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("through_date is more than %d days ahead", h.MaxGenerationDays), nil)
		return
	}

	result, err := h.Generator.Generate(r.Context(), id, through)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := GenerationResponse{
		TemplateID:       string(result.TemplateID),
		From:             formatDate(result.From),
		Through:          formatDate(result.Through),
		CreatedCount:     result.CreatedCount,
		SkippedCount:     result.SkippedCount,
		Noop:             result.Noop,
		EventIDs:         make([]string, 0, len(result.EventIDs)),
		CapacityWarnings: toWarningDTOs(result.CapacityWarnings),
	}
	for _, eid := range result.EventIDs {
		resp.EventIDs = append(resp.EventIDs, string(eid))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ListEvents is the active schedule view. ?include_hidden=true adds
// cancelled and hidden events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scheduling.EventFilter{
		ClientID:      scheduling.ClientID(q.Get("client_id")),
		TemplateID:    scheduling.TemplateID(q.Get("template_id")),
		StaffID:       scheduling.StaffID(q.Get("staff_id")),
		IncludeHidden: q.Get("include_hidden") == "true",
	}
	var err error
	if filter.From, err = parseOptionalDate(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from date", err)
		return
	}
	if filter.To, err = parseOptionalDate(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to date", err)
		return
	}

	events, err := h.Store.ListEvents(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, toEventDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, _, err := h.Machine.Get(r.Context(), scheduling.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	v, err := h.Store.GetVisit(r.Context(), scheduling.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitDTO(&v))
}

// Transition applies one lifecycle action to an event.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	id := scheduling.EventID(chi.URLParam(r, "id"))

	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := scheduling.Payload{
		Reason:      req.Reason,
		ActorID:     req.ActorID,
		AdjustedIn:  req.AdjustedIn,
		AdjustedOut: req.AdjustedOut,
		DoNotBill:   req.DoNotBill,
	}
	if req.At != nil {
		p.At = *req.At
	}

	result, err := h.Machine.Transition(r.Context(), id, scheduling.Action(req.Action), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{
		Event:    toEventDTO(result.Event),
		Visit:    toVisitDTO(result.Visit),
		Warnings: toWarningDTOs(result.Warnings),
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.Machine.Refresh(r.Context(), scheduling.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{
		Event:    toEventDTO(result.Event),
		Visit:    toVisitDTO(result.Visit),
		Warnings: toWarningDTOs(result.Warnings),
	})
}

// CreateUnscheduled records a staff replacement.
func (h *Handler) CreateUnscheduled(w http.ResponseWriter, r *http.Request) {
	var req UnscheduledRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := scheduling.UnscheduledRequest{
		OriginalEventID:    scheduling.EventID(req.OriginalEventID),
		ReplacementStaffID: scheduling.StaffID(req.ReplacementStaffID),
		Reason:             req.Reason,
	}
	if req.Slot != nil {
		date, err := requestDate("slot.date", req.Slot.Date, false)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		start, err := requestTime("slot.start", req.Slot.Start)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		end, err := requestTime("slot.end", req.Slot.End)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.Slot = &scheduling.Slot{
			ClientID:        scheduling.ClientID(req.Slot.ClientID),
			AuthorizationID: scheduling.AuthorizationID(req.Slot.AuthorizationID),
			Date:            date,
			Start:           start,
			End:             end,
			EventCode:       req.Slot.EventCode,
			OriginalStaffID: scheduling.StaffID(req.Slot.OriginalStaffID),
		}
	}

	result, err := h.Machine.CreateUnscheduled(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, UnscheduledResponse{
		Event:    toEventDTO(result.Event),
		Visit:    toVisitDTO(result.Visit),
		Created:  result.Created,
		Amended:  result.Amended,
		Warnings: toWarningDTOs(result.Warnings),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps scheduling errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, scheduling.ErrValidation):
		return http.StatusBadRequest, "validation"
	case scheduling.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, scheduling.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, scheduling.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, scheduling.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, scheduling.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity, "capacity_exceeded"
	case errors.Is(err, scheduling.ErrOutsideAuthorizationWindow):
		return http.StatusUnprocessableEntity, "outside_authorization_window"
	case errors.Is(err, scheduling.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	level := zerolog.InfoLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	hlog.FromRequest(r).WithLevel(level).Err(err).Str("code", code).Msg("request failed")

	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// today is the current calendar date in the scheduling time zone.
func (h *Handler) today() time.Time {
	return scheduling.DateIn(h.Now(), h.Location)
}

// requestDate parses a body date field into a validation error.
func requestDate(field, s string, optional bool) (time.Time, error) {
	if optional && strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	d, err := scheduling.ParseDate(s)
	if err != nil {
		return time.Time{}, &scheduling.ValidationError{Field: field, Message: fmt.Sprintf("%q is not a YYYY-MM-DD date", s)}
	}
	return d, nil
}

func requestTime(field, s string) (scheduling.TimeOfDay, error) {
	t, err := scheduling.ParseTimeOfDay(s)
	if err != nil {
		return 0, &scheduling.ValidationError{Field: field, Message: fmt.Sprintf("%q is not an HH:MM time", s)}
	}
	return t, nil
}

func parseOptionalDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return scheduling.ParseDate(s)
}
