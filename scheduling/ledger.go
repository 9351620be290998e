/*
ledger.go - Authorization unit ledger

PURPOSE:
  Tracks, per authorization, how many units are granted, held, and still
  available. Every change goes through Reserve, Release, or Adjust, and
  every change is recorded as an append-only UnitEntry next to the
  authorization's UsedUnits counter.

CRITICAL INVARIANTS:
  1. CONSERVATION: UsedUnits == sum of active reservation units
                               == sum of all UnitEntry deltas
  2. NO SILENT OVERRUN: a strict Reserve/Adjust that does not fit returns
     *CapacityError and changes nothing. Exceeding MaxUnits requires
     Override, and the reservation then records the overrun.
  3. IDEMPOTENT RELEASE: releasing a released reservation is a no-op.

ATOMICITY:
  Each operation runs in one store transaction and writes UsedUnits with
  a compare-and-swap on the authorization's Version. A lost race surfaces
  as ErrConcurrentModification and the whole read-modify-write is
  replayed, up to MaxRetries times. Authorizations never share a lock, so
  different authorizations proceed independently.

AVAILABLE vs OVERRUN:
  Available() clamps at zero for display. Over-allocation is reported
  separately through Balance.Overrun so it is never hidden by the clamp.

EXAMPLE FLOW:
  1. Authorization granted 12 units
  2. Generation reserves 4 for Monday:     used 4   entries [+4]
  3. Check-out reconciles to 5 (override): used 5   entries [+4, +1]
  4. Tuesday's visit cancelled:            release  entries [+4, +1, ...]

SEE ALSO:
  - generation.go: reserves for generated events
  - visit.go: adjusts on check-out, releases on cancel
*/
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// LEDGER
// =============================================================================

const defaultMaxRetries = 5

type Ledger struct {
	Store      TxStore
	Clock      Clock
	Logger     zerolog.Logger
	MaxRetries int
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{Store: store, Logger: zerolog.Nop(), MaxRetries: defaultMaxRetries}
}

// ReserveOptions tune a single reservation.
type ReserveOptions struct {
	EventID EventID

	// Date is the service date. When set, it must fall inside the
	// authorization's validity window.
	Date time.Time

	// Override writes the reservation even when it does not fit. The
	// returned reservation carries the resulting Overrun.
	Override bool

	IdempotencyKey string
}

// AuthorizationBalance is the read model exposed to billing review.
type AuthorizationBalance struct {
	AuthorizationID AuthorizationID
	MaxUnits        int
	UsedUnits       int
	Available       int
	Overrun         int
	OverAllocated   bool
}

// Reserve atomically checks available >= units and holds them.
// Returns *CapacityError (usedUnits unchanged) when they do not fit and
// opts.Override is false.
func (l *Ledger) Reserve(ctx context.Context, id AuthorizationID, units int, opts ReserveOptions) (Reservation, error) {
	if units < 0 {
		return Reservation{}, invalid("units", "must not be negative, got %d", units)
	}
	var res Reservation
	err := l.withRetry(ctx, "reserve", func(s Store) error {
		r, err := l.reserveIn(ctx, s, id, units, opts)
		res = r
		return err
	})
	return res, err
}

// Release returns a reservation's units. Releasing twice is a no-op.
func (l *Ledger) Release(ctx context.Context, id ReservationID) error {
	return l.withRetry(ctx, "release", func(s Store) error {
		_, err := l.releaseIn(ctx, s, id)
		return err
	})
}

// Adjust moves a reservation to newUnits as one atomic delta. An increase
// that does not fit returns *CapacityError unless override is set.
func (l *Ledger) Adjust(ctx context.Context, id ReservationID, newUnits int, override bool) (Reservation, error) {
	if newUnits < 0 {
		return Reservation{}, invalid("units", "must not be negative, got %d", newUnits)
	}
	var res Reservation
	err := l.withRetry(ctx, "adjust", func(s Store) error {
		r, err := l.adjustIn(ctx, s, id, newUnits, override)
		res = r
		return err
	})
	return res, err
}

// AvailableUnits is max - used, clamped at zero.
func (l *Ledger) AvailableUnits(ctx context.Context, id AuthorizationID) (int, error) {
	a, err := l.Store.GetAuthorization(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Available(), nil
}

func (l *Ledger) Balance(ctx context.Context, id AuthorizationID) (AuthorizationBalance, error) {
	a, err := l.Store.GetAuthorization(ctx, id)
	if err != nil {
		return AuthorizationBalance{}, err
	}
	return balanceOf(a), nil
}

// Entries returns the unit history of an authorization.
func (l *Ledger) Entries(ctx context.Context, id AuthorizationID) ([]UnitEntry, error) {
	if _, err := l.Store.GetAuthorization(ctx, id); err != nil {
		return nil, err
	}
	return l.Store.ListEntries(ctx, id)
}

// Verify replays the unit entries and active reservations and compares
// both with the stored UsedUnits. Returns *DriftError on mismatch.
func (l *Ledger) Verify(ctx context.Context, id AuthorizationID) error {
	a, err := l.Store.GetAuthorization(ctx, id)
	if err != nil {
		return err
	}
	entries, err := l.Store.ListEntries(ctx, id)
	if err != nil {
		return err
	}
	replayed := 0
	for _, e := range entries {
		replayed += e.Delta
	}
	if replayed != a.UsedUnits {
		return &DriftError{AuthorizationID: id, Stored: a.UsedUnits, Replayed: replayed}
	}

	reservations, err := l.Store.ListReservations(ctx, id)
	if err != nil {
		return err
	}
	held := 0
	for _, r := range reservations {
		if r.Active() {
			held += r.Units
		}
	}
	if held != a.UsedUnits {
		return &DriftError{AuthorizationID: id, Stored: a.UsedUnits, Replayed: held}
	}
	return nil
}

func balanceOf(a Authorization) AuthorizationBalance {
	return AuthorizationBalance{
		AuthorizationID: a.ID,
		MaxUnits:        a.MaxUnits,
		UsedUnits:       a.UsedUnits,
		Available:       a.Available(),
		Overrun:         a.Overrun(),
		OverAllocated:   a.OverAllocated(),
	}
}

// =============================================================================
// IN-TRANSACTION OPERATIONS
// =============================================================================
// These run against the Store handed to WithTx so callers (generation,
// the visit machine) can combine a ledger write with their own writes in
// one transaction.

func (l *Ledger) reserveIn(ctx context.Context, s Store, id AuthorizationID, units int, opts ReserveOptions) (Reservation, error) {
	a, err := s.GetAuthorization(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if !opts.Date.IsZero() && !a.Covers(opts.Date) {
		return Reservation{}, fmt.Errorf("authorization %s on %s: %w",
			id, DateOf(opts.Date).Format(DateLayout), ErrOutsideAuthorizationWindow)
	}
	if a.Available() < units && !opts.Override {
		return Reservation{}, &CapacityError{AuthorizationID: id, Available: a.Available(), Requested: units}
	}

	a.UsedUnits += units
	if err := s.UpdateAuthorizationUsage(ctx, &a); err != nil {
		return Reservation{}, err
	}

	now := l.Clock.now()
	res := Reservation{
		ID:              ReservationID(uuid.NewString()),
		AuthorizationID: id,
		EventID:         opts.EventID,
		Units:           units,
		Status:          ReservationActive,
		Overrun:         a.Overrun(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.CreateReservation(ctx, res); err != nil {
		return Reservation{}, err
	}

	key := opts.IdempotencyKey
	if key == "" {
		key = "reserve:" + string(res.ID)
	}
	if err := l.appendEntry(ctx, s, res, EntryReserve, units, opts.Override, key); err != nil {
		return Reservation{}, err
	}
	if res.Overrun > 0 {
		l.Logger.Warn().
			Str("authorization_id", string(id)).
			Str("event_id", string(opts.EventID)).
			Int("overrun", res.Overrun).
			Msg("reservation written over authorization capacity")
	}
	return res, nil
}

func (l *Ledger) releaseIn(ctx context.Context, s Store, id ReservationID) (Reservation, error) {
	res, err := s.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if !res.Active() {
		return res, nil
	}

	a, err := s.GetAuthorization(ctx, res.AuthorizationID)
	if err != nil {
		return Reservation{}, err
	}
	a.UsedUnits -= res.Units
	if err := s.UpdateAuthorizationUsage(ctx, &a); err != nil {
		return Reservation{}, err
	}

	now := l.Clock.now()
	res.Status = ReservationReleased
	res.ReleasedAt = &now
	res.UpdatedAt = now
	if err := s.UpdateReservation(ctx, res); err != nil {
		return Reservation{}, err
	}
	if err := l.appendEntry(ctx, s, res, EntryRelease, -res.Units, false, "release:"+string(res.ID)); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func (l *Ledger) adjustIn(ctx context.Context, s Store, id ReservationID, newUnits int, override bool) (Reservation, error) {
	res, err := s.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if !res.Active() {
		return Reservation{}, invalid("reservation", "%s is released", id)
	}
	delta := newUnits - res.Units
	if delta == 0 {
		return res, nil
	}

	a, err := s.GetAuthorization(ctx, res.AuthorizationID)
	if err != nil {
		return Reservation{}, err
	}
	if delta > 0 && a.Available() < delta && !override {
		return Reservation{}, &CapacityError{AuthorizationID: a.ID, Available: a.Available(), Requested: delta}
	}
	a.UsedUnits += delta
	if err := s.UpdateAuthorizationUsage(ctx, &a); err != nil {
		return Reservation{}, err
	}

	res.Units = newUnits
	res.Overrun = a.Overrun()
	res.UpdatedAt = l.Clock.now()
	if err := s.UpdateReservation(ctx, res); err != nil {
		return Reservation{}, err
	}
	if err := l.appendEntry(ctx, s, res, EntryAdjust, delta, override && res.Overrun > 0, ""); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func (l *Ledger) appendEntry(ctx context.Context, s Store, res Reservation, typ EntryType, delta int, override bool, key string) error {
	return s.AppendEntry(ctx, UnitEntry{
		ID:              uuid.NewString(),
		AuthorizationID: res.AuthorizationID,
		ReservationID:   res.ID,
		Type:            typ,
		Delta:           delta,
		Override:        override,
		IdempotencyKey:  key,
		CreatedAt:       l.Clock.now(),
	})
}

// withRetry runs fn in a transaction, replaying it on optimistic
// concurrency conflicts.
func (l *Ledger) withRetry(ctx context.Context, op string, fn func(Store) error) error {
	return runWithRetry(ctx, l.Store, l.MaxRetries, l.Logger, op, fn)
}

func runWithRetry(ctx context.Context, store TxStore, maxRetries int, log zerolog.Logger, op string, fn func(Store) error) error {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	for attempt := 1; ; attempt++ {
		err := store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt >= maxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Debug().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying after conflict")
	}
}
