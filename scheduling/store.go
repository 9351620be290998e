/*
store.go - Persistence contracts for the scheduling engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  holds no state of its own: templates, authorizations, reservations,
  events, and visit records all live behind these interfaces.

CONCURRENCY CONTRACT:
  - Update* methods are optimistic: the caller passes the aggregate as it
    read it; the store writes only if the stored Version still matches,
    bumps Version on success, and returns ErrConcurrentModification
    otherwise.
  - CreateEvent must reject a second event for the same
    (TemplateEventID, EventDate) with ErrDuplicate. This is a storage
    constraint, not an in-memory check.
  - CreateVisit must reject a second visit record for the same event with
    ErrDuplicate.
  - UnitEntries are APPEND-ONLY. No Update, No Delete.
  - Backend failures are wrapped with ErrStorageUnavailable.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - store/memory: In-memory for tests and local runs

SEE ALSO:
  - ledger.go: Uses AuthorizationStore, ReservationStore, UnitEntryStore
  - generation.go: Uses TemplateStore, EventStore
*/
package scheduling

import (
	"context"
	"time"
)

type AuthorizationStore interface {
	// SaveAuthorization upserts the externally managed fields (client,
	// service, window, max units). UsedUnits is only written on insert.
	SaveAuthorization(ctx context.Context, a Authorization) error
	GetAuthorization(ctx context.Context, id AuthorizationID) (Authorization, error)

	// UpdateAuthorizationUsage is the compare-and-swap on used units.
	UpdateAuthorizationUsage(ctx context.Context, a *Authorization) error
}

type ReservationStore interface {
	CreateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id ReservationID) (Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	ListReservations(ctx context.Context, authorizationID AuthorizationID) ([]Reservation, error)
}

// UnitEntryStore is the append-only unit ledger.
type UnitEntryStore interface {
	AppendEntry(ctx context.Context, e UnitEntry) error
	ListEntries(ctx context.Context, authorizationID AuthorizationID) ([]UnitEntry, error)
}

type TemplateStore interface {
	CreateTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, id TemplateID) (Template, error)
	UpdateTemplate(ctx context.Context, t *Template) error
}

// EventFilter narrows ListEvents. Zero fields are ignored.
type EventFilter struct {
	ClientID      ClientID
	TemplateID    TemplateID
	StaffID       StaffID
	From          time.Time
	To            time.Time
	IncludeHidden bool // include cancelled and hidden events
}

type EventStore interface {
	CreateEvent(ctx context.Context, e ScheduleEvent) error
	GetEvent(ctx context.Context, id EventID) (ScheduleEvent, error)
	UpdateEvent(ctx context.Context, e *ScheduleEvent) error

	// FindGeneratedEvent looks up the idempotency key of generation.
	FindGeneratedEvent(ctx context.Context, templateEventID TemplateEventID, date time.Time) (ScheduleEvent, bool, error)

	// FindEventBySlot returns a non-cancelled event for the client and
	// authorization starting at startAt.
	FindEventBySlot(ctx context.Context, clientID ClientID, authorizationID AuthorizationID, startAt time.Time) (ScheduleEvent, bool, error)

	ListEvents(ctx context.Context, filter EventFilter) ([]ScheduleEvent, error)
}

type VisitStore interface {
	CreateVisit(ctx context.Context, v VisitRecord) error
	GetVisit(ctx context.Context, eventID EventID) (VisitRecord, error)
	UpdateVisit(ctx context.Context, v *VisitRecord) error
}

// Store is everything the engine persists.
type Store interface {
	AuthorizationStore
	ReservationStore
	UnitEntryStore
	TemplateStore
	EventStore
	VisitStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is
	// rolled back. fn must only use the Store it is given.
	WithTx(ctx context.Context, fn func(Store) error) error
}
