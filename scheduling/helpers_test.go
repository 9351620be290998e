package scheduling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/care-scheduler/scheduling"
	"github.com/warp/care-scheduler/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// monday6 is the anchor used across tests: Monday 6 January 2025.
var monday6 = scheduling.NewDate(2025, time.January, 6)

func at(date time.Time, hour, minute int) time.Time {
	return scheduling.NewTimeOfDay(hour, minute).On(date, time.UTC)
}

type env struct {
	store    *memory.Memory
	ledger   *scheduling.Ledger
	gen      *scheduling.Generator
	machine  *scheduling.Machine
	notifier *recordingNotifier
	now      time.Time
}

// newEnv wires ledger, generator and machine against a memory store with a
// shared clock pinned to now.
func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()
	e := &env{store: memory.New(), notifier: &recordingNotifier{}, now: now}
	clock := scheduling.Clock(func() time.Time { return e.now })

	e.ledger = scheduling.NewLedger(e.store)
	e.ledger.Clock = clock

	e.gen = scheduling.NewGenerator(e.store, e.ledger)
	e.gen.Clock = clock
	e.gen.Notifier = e.notifier

	e.machine = scheduling.NewMachine(e.store, e.ledger)
	e.machine.Clock = clock
	e.machine.Notifier = e.notifier
	return e
}

func (e *env) authorize(t *testing.T, id scheduling.AuthorizationID, maxUnits int) scheduling.Authorization {
	t.Helper()
	a := scheduling.Authorization{
		ID:        id,
		ClientID:  "client-ada",
		ServiceID: "personal-care",
		StartDate: scheduling.NewDate(2025, time.January, 1),
		EndDate:   scheduling.NewDate(2025, time.December, 31),
		MaxUnits:  maxUnits,
	}
	require.NoError(t, e.store.SaveAuthorization(context.Background(), a))
	return a
}

func (e *env) createTemplate(t *testing.T, tmpl scheduling.Template) {
	t.Helper()
	require.NoError(t, tmpl.Validate())
	require.NoError(t, e.store.CreateTemplate(context.Background(), tmpl))
}

func (e *env) used(t *testing.T, id scheduling.AuthorizationID) int {
	t.Helper()
	a, err := e.store.GetAuthorization(context.Background(), id)
	require.NoError(t, err)
	return a.UsedUnits
}

func (e *env) event(t *testing.T, id scheduling.EventID) scheduling.ScheduleEvent {
	t.Helper()
	ev, err := e.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return ev
}

// mondaySlot is a one-hour Monday 09:00-10:00 visit (4 units at 15 minutes).
func mondaySlot(auth scheduling.AuthorizationID) scheduling.TemplateEvent {
	return scheduling.TemplateEvent{
		ID:              "ada-mon",
		Weekday:         time.Monday,
		Start:           scheduling.NewTimeOfDay(9, 0),
		End:             scheduling.NewTimeOfDay(10, 0),
		AuthorizationID: auth,
		EventCode:       "T1019",
		StaffID:         "staff-grace",
	}
}

func weeklyTemplate(auth scheduling.AuthorizationID) scheduling.Template {
	return scheduling.Template{
		ID:         "tmpl-ada",
		ClientID:   "client-ada",
		Active:     true,
		AnchorDate: monday6,
		Weeks: []scheduling.TemplateWeek{
			{Index: 0, Events: []scheduling.TemplateEvent{mondaySlot(auth)}},
		},
	}
}

// singleVisit generates the Monday 6 January event and returns its id.
func (e *env) singleVisit(t *testing.T, maxUnits int) scheduling.EventID {
	t.Helper()
	e.authorize(t, "auth-1", maxUnits)
	e.createTemplate(t, weeklyTemplate("auth-1"))

	result, err := e.gen.Generate(context.Background(), "tmpl-ada", monday6)
	require.NoError(t, err)
	require.Len(t, result.EventIDs, 1)
	return result.EventIDs[0]
}

// =============================================================================
// RECORDING NOTIFIER
// =============================================================================

type recordingNotifier struct {
	mu   sync.Mutex
	sent []scheduling.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n scheduling.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []scheduling.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scheduling.NotificationKind, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recordingNotifier) count(kind scheduling.NotificationKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}
