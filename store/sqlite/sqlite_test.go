package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-scheduler/scheduling"
	"github.com/warp/care-scheduler/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var monday = scheduling.NewDate(2025, time.January, 6)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAuthorization(t *testing.T, store *sqlite.Store, maxUnits int) {
	t.Helper()
	require.NoError(t, store.SaveAuthorization(context.Background(), scheduling.Authorization{
		ID:        "auth-1",
		ClientID:  "client-1",
		ServiceID: "personal-care",
		StartDate: scheduling.NewDate(2025, time.January, 1),
		EndDate:   scheduling.NewDate(2025, time.December, 31),
		MaxUnits:  maxUnits,
		UpdatedAt: monday,
	}))
}

func generatedEvent(id scheduling.EventID, date time.Time) scheduling.ScheduleEvent {
	return scheduling.ScheduleEvent{
		ID:              id,
		TemplateID:      "tmpl-1",
		TemplateEventID: "slot-mon",
		ClientID:        "client-1",
		EventDate:       date,
		StartAt:         scheduling.NewTimeOfDay(9, 0).On(date, time.UTC),
		EndAt:           scheduling.NewTimeOfDay(10, 0).On(date, time.UTC),
		AuthorizationID: "auth-1",
		EventCode:       "T1019",
		StaffID:         "staff-1",
		Status:          scheduling.StatusPlanned,
		Verification:    scheduling.VerificationNotStarted,
		PlannedUnits:    4,
		Origin:          scheduling.OriginTemplate,
		CreatedAt:       monday,
		UpdatedAt:       monday,
	}
}

// =============================================================================
// UNIQUENESS & CONCURRENCY
// =============================================================================

func TestStore_CreateEvent_GeneratedSlotIsUnique(t *testing.T) {
	// GIVEN: An event generated for (slot-mon, Monday)
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-1", monday)))

	// WHEN: A second event is inserted for the same key
	err := store.CreateEvent(ctx, generatedEvent("ev-2", monday))

	// THEN: The unique index rejects it
	assert.ErrorIs(t, err, scheduling.ErrDuplicate)

	// AND: Unscheduled events (no template slot) are not constrained
	unscheduled := generatedEvent("ev-3", monday)
	unscheduled.TemplateID, unscheduled.TemplateEventID = "", ""
	unscheduled.Origin = scheduling.OriginUnscheduled
	assert.NoError(t, store.CreateEvent(ctx, unscheduled))
	unscheduled.ID = "ev-4"
	assert.NoError(t, store.CreateEvent(ctx, unscheduled))
}

func TestStore_UpdateEvent_VersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-1", monday)))

	first, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	second := first

	first.Status = scheduling.StatusConfirmed
	require.NoError(t, store.UpdateEvent(ctx, &first))
	assert.Equal(t, 2, first.Version)

	second.Status = scheduling.StatusCancelled
	assert.ErrorIs(t, store.UpdateEvent(ctx, &second), scheduling.ErrConcurrentModification)

	missing := generatedEvent("ev-missing", monday)
	missing.Version = 1
	assert.ErrorIs(t, store.UpdateEvent(ctx, &missing), scheduling.ErrEventNotFound)
}

func TestStore_UpdateAuthorizationUsage_CompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	seedAuthorization(t, store, 12)
	ctx := context.Background()

	a, err := store.GetAuthorization(ctx, "auth-1")
	require.NoError(t, err)
	stale := a

	a.UsedUnits = 4
	require.NoError(t, store.UpdateAuthorizationUsage(ctx, &a))

	stale.UsedUnits = 8
	assert.ErrorIs(t, store.UpdateAuthorizationUsage(ctx, &stale), scheduling.ErrConcurrentModification)

	// The external grant update never touches usage.
	require.NoError(t, store.SaveAuthorization(ctx, scheduling.Authorization{
		ID: "auth-1", ClientID: "client-1", MaxUnits: 20, UsedUnits: 0, UpdatedAt: monday,
	}))
	got, err := store.GetAuthorization(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.MaxUnits)
	assert.Equal(t, 4, got.UsedUnits)
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	seedAuthorization(t, store, 12)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s scheduling.Store) error {
		a, err := s.GetAuthorization(ctx, "auth-1")
		if err != nil {
			return err
		}
		a.UsedUnits = 4
		if err := s.UpdateAuthorizationUsage(ctx, &a); err != nil {
			return err
		}
		if err := s.CreateEvent(ctx, generatedEvent("ev-1", monday)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	a, err := store.GetAuthorization(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.UsedUnits)
	_, err = store.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, scheduling.ErrEventNotFound)
}

func TestStore_AppendEntry_IdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	seedAuthorization(t, store, 12)
	ctx := context.Background()

	entry := scheduling.UnitEntry{
		ID: "e-1", AuthorizationID: "auth-1", ReservationID: "r-1",
		Type: scheduling.EntryReserve, Delta: 4, IdempotencyKey: "generate:slot-mon:2025-01-06", CreatedAt: monday,
	}
	require.NoError(t, store.AppendEntry(ctx, entry))
	entry.ID = "e-2"
	assert.ErrorIs(t, store.AppendEntry(ctx, entry), scheduling.ErrDuplicate)

	entries, err := store.ListEntries(ctx, "auth-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].Delta)
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_Template_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tmpl := scheduling.Template{
		ID: "tmpl-1", ClientID: "client-1", Active: true, AnchorDate: monday,
		Weeks: []scheduling.TemplateWeek{
			{Index: 0, Events: []scheduling.TemplateEvent{{
				ID: "slot-mon", Weekday: time.Monday,
				Start: scheduling.NewTimeOfDay(9, 0), End: scheduling.NewTimeOfDay(10, 30),
				AuthorizationID: "auth-1", EventCode: "T1019", PlannedUnits: 6, StaffID: "staff-1",
			}}},
			{Index: 1},
		},
		CreatedAt: monday, UpdatedAt: monday,
	}
	require.NoError(t, store.CreateTemplate(ctx, tmpl))
	assert.ErrorIs(t, store.CreateTemplate(ctx, tmpl), scheduling.ErrDuplicate)

	got, err := store.GetTemplate(ctx, "tmpl-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, monday, got.AnchorDate)
	assert.True(t, got.GeneratedThrough.IsZero())
	require.Len(t, got.Weeks, 2)
	assert.Equal(t, tmpl.Weeks[0].Events, got.Weeks[0].Events)
	assert.Empty(t, got.Weeks[1].Events)

	got.GeneratedThrough = monday.AddDate(0, 0, 14)
	require.NoError(t, store.UpdateTemplate(ctx, &got))
	again, err := store.GetTemplate(ctx, "tmpl-1")
	require.NoError(t, err)
	assert.Equal(t, monday.AddDate(0, 0, 14), again.GeneratedThrough)
	assert.Equal(t, 2, again.Version)
}

func TestStore_EventAndVisit_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	checkIn := scheduling.NewTimeOfDay(9, 2).On(monday, time.UTC)
	ev := generatedEvent("ev-1", monday)
	actual := 5
	ev.ActualUnits = &actual
	ev.CheckInAt = &checkIn
	ev.Replacement = &scheduling.Replacement{OriginalStaffID: "staff-0", Reason: "sick", ReplacedAt: monday}
	require.NoError(t, store.CreateEvent(ctx, ev))

	got, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, monday, got.EventDate)
	assert.True(t, ev.StartAt.Equal(got.StartAt))
	require.NotNil(t, got.ActualUnits)
	assert.Equal(t, 5, *got.ActualUnits)
	require.NotNil(t, got.CheckInAt)
	assert.True(t, checkIn.Equal(*got.CheckInAt))
	assert.Nil(t, got.CheckOutAt)
	require.NotNil(t, got.Replacement)
	assert.Equal(t, scheduling.StaffID("staff-0"), got.Replacement.OriginalStaffID)

	visit := scheduling.VisitRecord{
		ScheduleEventID: "ev-1", StaffID: "staff-1", CheckInAt: &checkIn,
		PayHours: decimal.RequireFromString("1.12"), BillHours: decimal.RequireFromString("1.25"),
		Units: 5, Status: scheduling.VerificationInProgress, CreatedAt: monday, UpdatedAt: monday,
	}
	require.NoError(t, store.CreateVisit(ctx, visit))
	assert.ErrorIs(t, store.CreateVisit(ctx, visit), scheduling.ErrDuplicate, "one visit record per event")

	gotVisit, err := store.GetVisit(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.12").Equal(gotVisit.PayHours))
	assert.True(t, decimal.RequireFromString("1.25").Equal(gotVisit.BillHours))
	assert.Equal(t, 1, gotVisit.Version)

	_, err = store.GetVisit(ctx, "ev-missing")
	assert.ErrorIs(t, err, scheduling.ErrVisitNotFound)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestStore_GenerateAndCancelAfterCheckIn(t *testing.T) {
	// GIVEN: The engine running on SQLite with a 4-unit authorization
	store := newTestStore(t)
	seedAuthorization(t, store, 4)
	ctx := context.Background()

	now := scheduling.NewTimeOfDay(8, 0).On(monday, time.UTC)
	clock := scheduling.Clock(func() time.Time { return now })
	ledger := scheduling.NewLedger(store)
	ledger.Clock = clock
	gen := scheduling.NewGenerator(store, ledger)
	gen.Clock = clock
	machine := scheduling.NewMachine(store, ledger)
	machine.Clock = clock

	require.NoError(t, store.CreateTemplate(ctx, scheduling.Template{
		ID: "tmpl-1", ClientID: "client-1", Active: true, AnchorDate: monday,
		Weeks: []scheduling.TemplateWeek{{Index: 0, Events: []scheduling.TemplateEvent{{
			ID: "slot-mon", Weekday: time.Monday,
			Start: scheduling.NewTimeOfDay(9, 0), End: scheduling.NewTimeOfDay(10, 0),
			AuthorizationID: "auth-1", StaffID: "staff-1",
		}}}},
		CreatedAt: monday, UpdatedAt: monday,
	}))

	// WHEN: Two Mondays are generated twice over
	result, err := gen.Generate(ctx, "tmpl-1", monday.AddDate(0, 0, 7))
	require.NoError(t, err)
	again, err := gen.Generate(ctx, "tmpl-1", monday.AddDate(0, 0, 7))
	require.NoError(t, err)

	// THEN: Two events, one flagged, no duplicates
	assert.Equal(t, 2, result.CreatedCount)
	assert.Len(t, result.CapacityWarnings, 1)
	assert.True(t, again.Noop)

	// WHEN: The first visit is cancelled after check-in and then checked out
	id := result.EventIDs[0]
	for _, step := range []struct {
		action scheduling.Action
		p      scheduling.Payload
	}{
		{scheduling.ActionConfirm, scheduling.Payload{}},
		{scheduling.ActionCheckIn, scheduling.Payload{At: scheduling.NewTimeOfDay(9, 0).On(monday, time.UTC)}},
		{scheduling.ActionCancel, scheduling.Payload{Reason: "family took over"}},
		{scheduling.ActionCheckOut, scheduling.Payload{At: scheduling.NewTimeOfDay(9, 45).On(monday, time.UTC)}},
	} {
		_, err := machine.Transition(ctx, id, step.action, step.p)
		require.NoError(t, err, "%s", step.action)
	}

	// THEN: Completed with reconciled units, ledger consistent
	ev, visit, err := machine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusCompleted, ev.Status)
	assert.Equal(t, scheduling.VerificationCompleted, ev.Verification)
	require.NotNil(t, visit)
	assert.Equal(t, 3, visit.Units)

	bal, err := ledger.Balance(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 3, bal.UsedUnits)
	assert.NoError(t, ledger.Verify(ctx, "auth-1"))
}

func TestStore_ConcurrentGenerate_OneEventPerSlotDate(t *testing.T) {
	// GIVEN: The engine on SQLite with units for every Monday
	store := newTestStore(t)
	seedAuthorization(t, store, 12)
	ctx := context.Background()

	now := scheduling.NewTimeOfDay(8, 0).On(monday, time.UTC)
	clock := scheduling.Clock(func() time.Time { return now })
	ledger := scheduling.NewLedger(store)
	ledger.Clock = clock
	gen := scheduling.NewGenerator(store, ledger)
	gen.Clock = clock

	require.NoError(t, store.CreateTemplate(ctx, scheduling.Template{
		ID: "tmpl-1", ClientID: "client-1", Active: true, AnchorDate: monday,
		Weeks: []scheduling.TemplateWeek{{Index: 0, Events: []scheduling.TemplateEvent{{
			ID: "slot-mon", Weekday: time.Monday,
			Start: scheduling.NewTimeOfDay(9, 0), End: scheduling.NewTimeOfDay(10, 0),
			AuthorizationID: "auth-1", StaffID: "staff-1",
		}}}},
		CreatedAt: monday, UpdatedAt: monday,
	}))

	// WHEN: Six callers generate the same horizon at once
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := gen.Generate(ctx, "tmpl-1", monday.AddDate(0, 0, 14))
			mu.Lock()
			defer mu.Unlock()
			created += r.CreatedCount
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	// THEN: Three events in total, units reserved once each, ledger consistent
	require.Empty(t, errs)
	assert.Equal(t, 3, created)
	events, err := store.ListEvents(ctx, scheduling.EventFilter{TemplateID: "tmpl-1", IncludeHidden: true})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	bal, err := ledger.Balance(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 12, bal.UsedUnits)
	assert.NoError(t, ledger.Verify(ctx, "auth-1"))

	tmpl, err := store.GetTemplate(ctx, "tmpl-1")
	require.NoError(t, err)
	assert.Equal(t, monday.AddDate(0, 0, 14), tmpl.GeneratedThrough)
}
