// Package memory provides an in-memory scheduling.TxStore for tests and
// local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/care-scheduler/scheduling"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps everything in maps behind one mutex. WithTx holds the
// mutex for the whole transaction and replays an undo log on error.
type Memory struct {
	mu sync.Mutex
	st *state
}

type genKey struct {
	slot scheduling.TemplateEventID
	date string
}

type state struct {
	authorizations map[scheduling.AuthorizationID]scheduling.Authorization
	reservations   map[scheduling.ReservationID]scheduling.Reservation
	entries        []scheduling.UnitEntry
	entryKeys      map[string]bool
	templates      map[scheduling.TemplateID]scheduling.Template
	events         map[scheduling.EventID]scheduling.ScheduleEvent
	generated      map[genKey]scheduling.EventID
	visits         map[scheduling.EventID]scheduling.VisitRecord
}

var _ scheduling.TxStore = (*Memory)(nil)

func New() *Memory {
	return &Memory{st: &state{
		authorizations: make(map[scheduling.AuthorizationID]scheduling.Authorization),
		reservations:   make(map[scheduling.ReservationID]scheduling.Reservation),
		entryKeys:      make(map[string]bool),
		templates:      make(map[scheduling.TemplateID]scheduling.Template),
		events:         make(map[scheduling.EventID]scheduling.ScheduleEvent),
		generated:      make(map[genKey]scheduling.EventID),
		visits:         make(map[scheduling.EventID]scheduling.VisitRecord),
	}}
}

// WithTx executes fn with exclusive access; writes are undone if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(scheduling.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var undo undoLog
	if err := fn(&view{st: m.st, undo: &undo}); err != nil {
		undo.rollback()
		return err
	}
	return nil
}

// undoLog records, per write, how to put the previous value back. Only the
// keys a transaction touches are recorded.
type undoLog []func()

func (u *undoLog) rollback() {
	for i := len(*u) - 1; i >= 0; i-- {
		(*u)[i]()
	}
	*u = nil
}

// put writes m[k] = val, remembering the prior value when u is non-nil.
func put[K comparable, V any](u *undoLog, m map[K]V, k K, val V) {
	if u != nil {
		old, had := m[k]
		*u = append(*u, func() {
			if had {
				m[k] = old
			} else {
				delete(m, k)
			}
		})
	}
	m[k] = val
}

// Reset clears all data (for tests and demos).
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = New().st
	return nil
}

// do runs fn under the store mutex outside of a transaction.
func (m *Memory) do(fn func(v *view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: m.st})
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) SaveAuthorization(ctx context.Context, a scheduling.Authorization) error {
	return m.do(func(v *view) error { return v.SaveAuthorization(ctx, a) })
}

func (m *Memory) GetAuthorization(ctx context.Context, id scheduling.AuthorizationID) (a scheduling.Authorization, err error) {
	err = m.do(func(v *view) error { a, err = v.GetAuthorization(ctx, id); return err })
	return a, err
}

func (m *Memory) UpdateAuthorizationUsage(ctx context.Context, a *scheduling.Authorization) error {
	return m.do(func(v *view) error { return v.UpdateAuthorizationUsage(ctx, a) })
}

func (m *Memory) CreateReservation(ctx context.Context, r scheduling.Reservation) error {
	return m.do(func(v *view) error { return v.CreateReservation(ctx, r) })
}

func (m *Memory) GetReservation(ctx context.Context, id scheduling.ReservationID) (r scheduling.Reservation, err error) {
	err = m.do(func(v *view) error { r, err = v.GetReservation(ctx, id); return err })
	return r, err
}

func (m *Memory) UpdateReservation(ctx context.Context, r scheduling.Reservation) error {
	return m.do(func(v *view) error { return v.UpdateReservation(ctx, r) })
}

func (m *Memory) ListReservations(ctx context.Context, id scheduling.AuthorizationID) (rs []scheduling.Reservation, err error) {
	err = m.do(func(v *view) error { rs, err = v.ListReservations(ctx, id); return err })
	return rs, err
}

func (m *Memory) AppendEntry(ctx context.Context, e scheduling.UnitEntry) error {
	return m.do(func(v *view) error { return v.AppendEntry(ctx, e) })
}

func (m *Memory) ListEntries(ctx context.Context, id scheduling.AuthorizationID) (es []scheduling.UnitEntry, err error) {
	err = m.do(func(v *view) error { es, err = v.ListEntries(ctx, id); return err })
	return es, err
}

func (m *Memory) CreateTemplate(ctx context.Context, t scheduling.Template) error {
	return m.do(func(v *view) error { return v.CreateTemplate(ctx, t) })
}

func (m *Memory) GetTemplate(ctx context.Context, id scheduling.TemplateID) (t scheduling.Template, err error) {
	err = m.do(func(v *view) error { t, err = v.GetTemplate(ctx, id); return err })
	return t, err
}

func (m *Memory) UpdateTemplate(ctx context.Context, t *scheduling.Template) error {
	return m.do(func(v *view) error { return v.UpdateTemplate(ctx, t) })
}

func (m *Memory) CreateEvent(ctx context.Context, e scheduling.ScheduleEvent) error {
	return m.do(func(v *view) error { return v.CreateEvent(ctx, e) })
}

func (m *Memory) GetEvent(ctx context.Context, id scheduling.EventID) (e scheduling.ScheduleEvent, err error) {
	err = m.do(func(v *view) error { e, err = v.GetEvent(ctx, id); return err })
	return e, err
}

func (m *Memory) UpdateEvent(ctx context.Context, e *scheduling.ScheduleEvent) error {
	return m.do(func(v *view) error { return v.UpdateEvent(ctx, e) })
}

func (m *Memory) FindGeneratedEvent(ctx context.Context, slot scheduling.TemplateEventID, date time.Time) (e scheduling.ScheduleEvent, ok bool, err error) {
	err = m.do(func(v *view) error { e, ok, err = v.FindGeneratedEvent(ctx, slot, date); return err })
	return e, ok, err
}

func (m *Memory) FindEventBySlot(ctx context.Context, client scheduling.ClientID, auth scheduling.AuthorizationID, startAt time.Time) (e scheduling.ScheduleEvent, ok bool, err error) {
	err = m.do(func(v *view) error { e, ok, err = v.FindEventBySlot(ctx, client, auth, startAt); return err })
	return e, ok, err
}

func (m *Memory) ListEvents(ctx context.Context, f scheduling.EventFilter) (es []scheduling.ScheduleEvent, err error) {
	err = m.do(func(v *view) error { es, err = v.ListEvents(ctx, f); return err })
	return es, err
}

func (m *Memory) CreateVisit(ctx context.Context, vr scheduling.VisitRecord) error {
	return m.do(func(v *view) error { return v.CreateVisit(ctx, vr) })
}

func (m *Memory) GetVisit(ctx context.Context, id scheduling.EventID) (vr scheduling.VisitRecord, err error) {
	err = m.do(func(v *view) error { vr, err = v.GetVisit(ctx, id); return err })
	return vr, err
}

func (m *Memory) UpdateVisit(ctx context.Context, vr *scheduling.VisitRecord) error {
	return m.do(func(v *view) error { return v.UpdateVisit(ctx, vr) })
}

// =============================================================================
// VIEW - Unlocked operations shared by direct calls and transactions
// =============================================================================

type view struct {
	st   *state
	undo *undoLog // nil outside WithTx
}

func (v *view) SaveAuthorization(_ context.Context, a scheduling.Authorization) error {
	if existing, ok := v.st.authorizations[a.ID]; ok {
		a.UsedUnits = existing.UsedUnits
		a.Version = existing.Version + 1
	} else if a.Version == 0 {
		a.Version = 1
	}
	put(v.undo, v.st.authorizations, a.ID, a)
	return nil
}

func (v *view) GetAuthorization(_ context.Context, id scheduling.AuthorizationID) (scheduling.Authorization, error) {
	a, ok := v.st.authorizations[id]
	if !ok {
		return scheduling.Authorization{}, scheduling.ErrAuthorizationNotFound
	}
	return a, nil
}

func (v *view) UpdateAuthorizationUsage(_ context.Context, a *scheduling.Authorization) error {
	stored, ok := v.st.authorizations[a.ID]
	if !ok {
		return scheduling.ErrAuthorizationNotFound
	}
	if stored.Version != a.Version {
		return scheduling.ErrConcurrentModification
	}
	stored.UsedUnits = a.UsedUnits
	stored.Version++
	put(v.undo, v.st.authorizations, a.ID, stored)
	a.Version = stored.Version
	return nil
}

func (v *view) CreateReservation(_ context.Context, r scheduling.Reservation) error {
	if _, ok := v.st.reservations[r.ID]; ok {
		return scheduling.ErrDuplicate
	}
	put(v.undo, v.st.reservations, r.ID, r)
	return nil
}

func (v *view) GetReservation(_ context.Context, id scheduling.ReservationID) (scheduling.Reservation, error) {
	r, ok := v.st.reservations[id]
	if !ok {
		return scheduling.Reservation{}, scheduling.ErrReservationNotFound
	}
	return r, nil
}

func (v *view) UpdateReservation(_ context.Context, r scheduling.Reservation) error {
	if _, ok := v.st.reservations[r.ID]; !ok {
		return scheduling.ErrReservationNotFound
	}
	put(v.undo, v.st.reservations, r.ID, r)
	return nil
}

func (v *view) ListReservations(_ context.Context, id scheduling.AuthorizationID) ([]scheduling.Reservation, error) {
	var out []scheduling.Reservation
	for _, r := range v.st.reservations {
		if r.AuthorizationID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendEntry is append-only; a repeated idempotency key is rejected.
func (v *view) AppendEntry(_ context.Context, e scheduling.UnitEntry) error {
	if e.IdempotencyKey != "" {
		if v.st.entryKeys[e.IdempotencyKey] {
			return scheduling.ErrDuplicate
		}
		put(v.undo, v.st.entryKeys, e.IdempotencyKey, true)
	}
	if v.undo != nil {
		st, n := v.st, len(v.st.entries)
		*v.undo = append(*v.undo, func() { st.entries = st.entries[:n] })
	}
	v.st.entries = append(v.st.entries, e)
	return nil
}

func (v *view) ListEntries(_ context.Context, id scheduling.AuthorizationID) ([]scheduling.UnitEntry, error) {
	var out []scheduling.UnitEntry
	for _, e := range v.st.entries {
		if e.AuthorizationID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *view) CreateTemplate(_ context.Context, t scheduling.Template) error {
	if _, ok := v.st.templates[t.ID]; ok {
		return scheduling.ErrDuplicate
	}
	t.Weeks = copyWeeks(t.Weeks)
	t.Version = 1
	put(v.undo, v.st.templates, t.ID, t)
	return nil
}

func (v *view) GetTemplate(_ context.Context, id scheduling.TemplateID) (scheduling.Template, error) {
	t, ok := v.st.templates[id]
	if !ok {
		return scheduling.Template{}, scheduling.ErrTemplateNotFound
	}
	t.Weeks = copyWeeks(t.Weeks)
	return t, nil
}

func (v *view) UpdateTemplate(_ context.Context, t *scheduling.Template) error {
	stored, ok := v.st.templates[t.ID]
	if !ok {
		return scheduling.ErrTemplateNotFound
	}
	if stored.Version != t.Version {
		return scheduling.ErrConcurrentModification
	}
	t.Version++
	saved := *t
	saved.Weeks = copyWeeks(t.Weeks)
	put(v.undo, v.st.templates, t.ID, saved)
	return nil
}

func (v *view) CreateEvent(_ context.Context, e scheduling.ScheduleEvent) error {
	if _, ok := v.st.events[e.ID]; ok {
		return scheduling.ErrDuplicate
	}
	if e.TemplateEventID != "" {
		k := genKey{slot: e.TemplateEventID, date: scheduling.DateOf(e.EventDate).Format(scheduling.DateLayout)}
		if _, ok := v.st.generated[k]; ok {
			return scheduling.ErrDuplicate
		}
		put(v.undo, v.st.generated, k, e.ID)
	}
	e.Version = 1
	put(v.undo, v.st.events, e.ID, e)
	return nil
}

func (v *view) GetEvent(_ context.Context, id scheduling.EventID) (scheduling.ScheduleEvent, error) {
	e, ok := v.st.events[id]
	if !ok {
		return scheduling.ScheduleEvent{}, scheduling.ErrEventNotFound
	}
	return e, nil
}

func (v *view) UpdateEvent(_ context.Context, e *scheduling.ScheduleEvent) error {
	stored, ok := v.st.events[e.ID]
	if !ok {
		return scheduling.ErrEventNotFound
	}
	if stored.Version != e.Version {
		return scheduling.ErrConcurrentModification
	}
	e.Version++
	put(v.undo, v.st.events, e.ID, *e)
	return nil
}

func (v *view) FindGeneratedEvent(_ context.Context, slot scheduling.TemplateEventID, date time.Time) (scheduling.ScheduleEvent, bool, error) {
	id, ok := v.st.generated[genKey{slot: slot, date: scheduling.DateOf(date).Format(scheduling.DateLayout)}]
	if !ok {
		return scheduling.ScheduleEvent{}, false, nil
	}
	return v.st.events[id], true, nil
}

func (v *view) FindEventBySlot(_ context.Context, client scheduling.ClientID, auth scheduling.AuthorizationID, startAt time.Time) (scheduling.ScheduleEvent, bool, error) {
	for _, e := range v.st.events {
		if e.ClientID == client && e.AuthorizationID == auth && e.StartAt.Equal(startAt) &&
			e.Status != scheduling.StatusCancelled {
			return e, true, nil
		}
	}
	return scheduling.ScheduleEvent{}, false, nil
}

func (v *view) ListEvents(_ context.Context, f scheduling.EventFilter) ([]scheduling.ScheduleEvent, error) {
	var out []scheduling.ScheduleEvent
	for _, e := range v.st.events {
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return out, nil
}

func matches(e scheduling.ScheduleEvent, f scheduling.EventFilter) bool {
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if f.TemplateID != "" && e.TemplateID != f.TemplateID {
		return false
	}
	if f.StaffID != "" && e.StaffID != f.StaffID {
		return false
	}
	d := scheduling.DateOf(e.EventDate)
	if !f.From.IsZero() && d.Before(scheduling.DateOf(f.From)) {
		return false
	}
	if !f.To.IsZero() && d.After(scheduling.DateOf(f.To)) {
		return false
	}
	if !f.IncludeHidden && (e.Hidden || e.Status == scheduling.StatusCancelled) {
		return false
	}
	return true
}

func (v *view) CreateVisit(_ context.Context, vr scheduling.VisitRecord) error {
	if _, ok := v.st.visits[vr.ScheduleEventID]; ok {
		return scheduling.ErrDuplicate
	}
	vr.Version = 1
	put(v.undo, v.st.visits, vr.ScheduleEventID, vr)
	return nil
}

func (v *view) GetVisit(_ context.Context, id scheduling.EventID) (scheduling.VisitRecord, error) {
	vr, ok := v.st.visits[id]
	if !ok {
		return scheduling.VisitRecord{}, scheduling.ErrVisitNotFound
	}
	return vr, nil
}

func (v *view) UpdateVisit(_ context.Context, vr *scheduling.VisitRecord) error {
	stored, ok := v.st.visits[vr.ScheduleEventID]
	if !ok {
		return scheduling.ErrVisitNotFound
	}
	if stored.Version != vr.Version {
		return scheduling.ErrConcurrentModification
	}
	vr.Version++
	put(v.undo, v.st.visits, vr.ScheduleEventID, *vr)
	return nil
}

func copyWeeks(weeks []scheduling.TemplateWeek) []scheduling.TemplateWeek {
	out := make([]scheduling.TemplateWeek, len(weeks))
	for i, w := range weeks {
		out[i] = scheduling.TemplateWeek{Index: w.Index, Events: append([]scheduling.TemplateEvent(nil), w.Events...)}
	}
	return out
}
