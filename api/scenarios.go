/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with an
	authorization, a template, and generated events demonstrating one
	behavior each.

AVAILABLE SCENARIOS:

	monday-visits:        1-week template, Monday 09:00-10:00, 12 units for
	                      three Mondays. Every event reserves 4 units.
	shared-pool-shortfall: Same template against a 4-unit pool. The first
	                      Monday reserves, the next two are flagged.
	biweekly-rotation:    2-week template alternating Mon/Wed and Tue.
	cancel-after-checkin: A confirmed visit checked in and then cancelled;
	                      units stay held and the event is hidden.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "monday-visits"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/care-scheduler/scheduling"
)

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "monday-visits",
		Name:        "Monday Visits",
		Description: "Weekly Monday visit, 4 units each, 12-unit authorization",
	},
	{
		ID:          "shared-pool-shortfall",
		Name:        "Shared Pool Shortfall",
		Description: "Weekly Monday visit against a 4-unit pool; later visits flagged",
	},
	{
		ID:          "biweekly-rotation",
		Name:        "Biweekly Rotation",
		Description: "Week A Monday and Wednesday, week B Tuesday",
	},
	{
		ID:          "cancel-after-checkin",
		Name:        "Cancel After Check-In",
		Description: "Visit cancelled after check-in keeps its units and is hidden",
	},
}

// resetter is implemented by stores that can be wiped for demos.
type resetter interface {
	Reset(ctx context.Context) error
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "monday-visits":
		load = func(ctx context.Context) error { return h.loadMondayScenario(ctx, 12) }
	case "shared-pool-shortfall":
		load = func(ctx context.Context) error { return h.loadMondayScenario(ctx, 4) }
	case "biweekly-rotation":
		load = h.loadBiweeklyScenario
	case "cancel-after-checkin":
		load = h.loadCancelAfterCheckInScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := rs.Reset(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// nextWeekday returns the first date on or after from that falls on day.
func nextWeekday(from time.Time, day time.Weekday) time.Time {
	from = scheduling.DateOf(from)
	offset := (int(day) - int(from.Weekday()) + 7) % 7
	return from.AddDate(0, 0, offset)
}

func (h *Handler) seed(ctx context.Context, a scheduling.Authorization, t scheduling.Template) error {
	now := h.Now()
	a.UpdatedAt = now
	t.CreatedAt, t.UpdatedAt = now, now
	if err := h.Store.SaveAuthorization(ctx, a); err != nil {
		return fmt.Errorf("save authorization: %w", err)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if err := h.Store.CreateTemplate(ctx, t); err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

func (h *Handler) loadMondayScenario(ctx context.Context, maxUnits int) error {
	today := h.today()
	monday := nextWeekday(today, time.Monday)

	auth := scheduling.Authorization{
		ID: "auth-personal-care", ClientID: "client-ada", ServiceID: "personal-care",
		StartDate: today, EndDate: today.AddDate(1, 0, 0), MaxUnits: maxUnits,
	}
	tmpl := scheduling.Template{
		ID: "tmpl-ada-weekly", ClientID: "client-ada", Active: true, AnchorDate: monday,
		Weeks: []scheduling.TemplateWeek{{Index: 0, Events: []scheduling.TemplateEvent{{
			ID: "ada-mon-am", Weekday: time.Monday,
			Start: scheduling.NewTimeOfDay(9, 0), End: scheduling.NewTimeOfDay(10, 0),
			AuthorizationID: auth.ID, EventCode: "T1019", StaffID: "staff-grace",
		}}}},
	}
	if err := h.seed(ctx, auth, tmpl); err != nil {
		return err
	}
	_, err := h.Generator.Generate(ctx, tmpl.ID, monday.AddDate(0, 0, 14))
	return err
}

func (h *Handler) loadBiweeklyScenario(ctx context.Context) error {
	today := h.today()
	anchor := nextWeekday(today, time.Monday)

	auth := scheduling.Authorization{
		ID: "auth-homemaker", ClientID: "client-lin", ServiceID: "homemaker",
		StartDate: today, EndDate: today.AddDate(0, 6, 0), MaxUnits: 200,
	}
	slot := func(id string, day time.Weekday, staff string) scheduling.TemplateEvent {
		return scheduling.TemplateEvent{
			ID: scheduling.TemplateEventID(id), Weekday: day,
			Start: scheduling.NewTimeOfDay(13, 0), End: scheduling.NewTimeOfDay(15, 0),
			AuthorizationID: auth.ID, EventCode: "S5130", StaffID: scheduling.StaffID(staff),
		}
	}
	tmpl := scheduling.Template{
		ID: "tmpl-lin-biweekly", ClientID: "client-lin", Active: true, AnchorDate: anchor,
		Weeks: []scheduling.TemplateWeek{
			{Index: 0, Events: []scheduling.TemplateEvent{
				slot("lin-a-mon", time.Monday, "staff-omar"),
				slot("lin-a-wed", time.Wednesday, "staff-omar"),
			}},
			{Index: 1, Events: []scheduling.TemplateEvent{
				slot("lin-b-tue", time.Tuesday, "staff-rui"),
			}},
		},
	}
	if err := h.seed(ctx, auth, tmpl); err != nil {
		return err
	}
	_, err := h.Generator.Generate(ctx, tmpl.ID, anchor.AddDate(0, 0, 27))
	return err
}

func (h *Handler) loadCancelAfterCheckInScenario(ctx context.Context) error {
	today := h.today()

	auth := scheduling.Authorization{
		ID: "auth-respite", ClientID: "client-sam", ServiceID: "respite",
		StartDate: today, EndDate: today.AddDate(0, 3, 0), MaxUnits: 40,
	}
	tmpl := scheduling.Template{
		ID: "tmpl-sam-daily", ClientID: "client-sam", Active: true, AnchorDate: today,
		Weeks: []scheduling.TemplateWeek{{Index: 0, Events: []scheduling.TemplateEvent{{
			ID: "sam-visit", Weekday: today.Weekday(),
			Start: scheduling.NewTimeOfDay(8, 0), End: scheduling.NewTimeOfDay(9, 30),
			AuthorizationID: auth.ID, EventCode: "T1005", StaffID: "staff-ife",
		}}}},
	}
	if err := h.seed(ctx, auth, tmpl); err != nil {
		return err
	}
	result, err := h.Generator.Generate(ctx, tmpl.ID, today)
	if err != nil {
		return err
	}
	if len(result.EventIDs) == 0 {
		return fmt.Errorf("no event generated for %s", today.Format(scheduling.DateLayout))
	}

	id := result.EventIDs[0]
	steps := []struct {
		action scheduling.Action
		p      scheduling.Payload
	}{
		{scheduling.ActionConfirm, scheduling.Payload{}},
		{scheduling.ActionCheckIn, scheduling.Payload{}},
		{scheduling.ActionCancel, scheduling.Payload{Reason: "client taken to hospital during visit"}},
	}
	for _, s := range steps {
		if _, err := h.Machine.Transition(ctx, id, s.action, s.p); err != nil {
			return fmt.Errorf("%s: %w", s.action, err)
		}
	}
	return nil
}
