package scheduling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-scheduler/scheduling"
)

// =============================================================================
// CAPACITY TESTS
// =============================================================================

func TestLedger_Reserve_WithinCapacity(t *testing.T) {
	// GIVEN: An authorization with 12 units
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()

	// WHEN: 4 units are reserved
	res, err := e.ledger.Reserve(ctx, "auth-1", 4, scheduling.ReserveOptions{EventID: "ev-1"})

	// THEN: Units are held and recorded as one entry
	require.NoError(t, err)
	assert.True(t, res.Active())
	assert.Equal(t, 0, res.Overrun)

	available, err := e.ledger.AvailableUnits(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 8, available)

	entries, err := e.ledger.Entries(ctx, "auth-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, scheduling.EntryReserve, entries[0].Type)
	assert.Equal(t, 4, entries[0].Delta)
	assert.NoError(t, e.ledger.Verify(ctx, "auth-1"))
}

func TestLedger_Reserve_CapacityExceeded_NothingChanges(t *testing.T) {
	// GIVEN: 8 of 12 units available
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()
	_, err := e.ledger.Reserve(ctx, "auth-1", 4, scheduling.ReserveOptions{})
	require.NoError(t, err)

	// WHEN: 10 units are requested
	_, err = e.ledger.Reserve(ctx, "auth-1", 10, scheduling.ReserveOptions{})

	// THEN: CapacityError with the shortfall, usage unchanged
	require.ErrorIs(t, err, scheduling.ErrCapacityExceeded)
	var capErr *scheduling.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 8, capErr.Available)
	assert.Equal(t, 10, capErr.Requested)
	assert.Equal(t, 2, capErr.Shortfall())

	assert.Equal(t, 4, e.used(t, "auth-1"))
	entries, err := e.ledger.Entries(ctx, "auth-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a failed reserve must not append an entry")
}

func TestLedger_Reserve_Override_RecordsOverrun(t *testing.T) {
	// GIVEN: 12 units authorized
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()

	// WHEN: 16 units are written with override
	res, err := e.ledger.Reserve(ctx, "auth-1", 16, scheduling.ReserveOptions{Override: true})

	// THEN: The overrun is recorded and surfaced separately from the clamp
	require.NoError(t, err)
	assert.Equal(t, 4, res.Overrun)

	bal, err := e.ledger.Balance(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 16, bal.UsedUnits)
	assert.Equal(t, 0, bal.Available)
	assert.Equal(t, 4, bal.Overrun)
	assert.True(t, bal.OverAllocated)

	entries, err := e.ledger.Entries(ctx, "auth-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Override)
}

func TestLedger_Reserve_OutsideWindow(t *testing.T) {
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)

	_, err := e.ledger.Reserve(context.Background(), "auth-1", 4, scheduling.ReserveOptions{
		Date: scheduling.NewDate(2026, time.February, 2),
	})

	assert.ErrorIs(t, err, scheduling.ErrOutsideAuthorizationWindow)
	assert.Equal(t, 0, e.used(t, "auth-1"))
}

func TestLedger_Reserve_Validation(t *testing.T) {
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()

	_, err := e.ledger.Reserve(ctx, "auth-1", -1, scheduling.ReserveOptions{})
	assert.ErrorIs(t, err, scheduling.ErrValidation)

	_, err = e.ledger.Reserve(ctx, "auth-missing", 1, scheduling.ReserveOptions{})
	assert.ErrorIs(t, err, scheduling.ErrAuthorizationNotFound)
}

// =============================================================================
// RELEASE & ADJUST TESTS
// =============================================================================

func TestLedger_Release_IsIdempotent(t *testing.T) {
	// GIVEN: A 4-unit reservation
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()
	res, err := e.ledger.Reserve(ctx, "auth-1", 4, scheduling.ReserveOptions{})
	require.NoError(t, err)

	// WHEN: It is released twice
	require.NoError(t, e.ledger.Release(ctx, res.ID))
	require.NoError(t, e.ledger.Release(ctx, res.ID))

	// THEN: Units come back once
	assert.Equal(t, 0, e.used(t, "auth-1"))
	entries, err := e.ledger.Entries(ctx, "auth-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, scheduling.EntryRelease, entries[1].Type)
	assert.Equal(t, -4, entries[1].Delta)

	stored, err := e.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.ReservationReleased, stored.Status)
	assert.NotNil(t, stored.ReleasedAt)
	assert.NoError(t, e.ledger.Verify(ctx, "auth-1"))
}

func TestLedger_Adjust(t *testing.T) {
	// GIVEN: 4 units reserved out of 12
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()
	res, err := e.ledger.Reserve(ctx, "auth-1", 4, scheduling.ReserveOptions{})
	require.NoError(t, err)

	// WHEN/THEN: Up and down adjustments move used units by the delta
	_, err = e.ledger.Adjust(ctx, res.ID, 6, false)
	require.NoError(t, err)
	assert.Equal(t, 6, e.used(t, "auth-1"))

	_, err = e.ledger.Adjust(ctx, res.ID, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, e.used(t, "auth-1"))

	// An increase past capacity is rejected without override
	_, err = e.ledger.Adjust(ctx, res.ID, 20, false)
	assert.ErrorIs(t, err, scheduling.ErrCapacityExceeded)
	assert.Equal(t, 2, e.used(t, "auth-1"))

	// and written with it
	adjusted, err := e.ledger.Adjust(ctx, res.ID, 20, true)
	require.NoError(t, err)
	assert.Equal(t, 8, adjusted.Overrun)

	assert.NoError(t, e.ledger.Verify(ctx, "auth-1"))
}

func TestLedger_Adjust_ReleasedReservation(t *testing.T) {
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()
	res, err := e.ledger.Reserve(ctx, "auth-1", 4, scheduling.ReserveOptions{})
	require.NoError(t, err)
	require.NoError(t, e.ledger.Release(ctx, res.ID))

	_, err = e.ledger.Adjust(ctx, res.ID, 6, false)
	assert.ErrorIs(t, err, scheduling.ErrValidation)
}

// =============================================================================
// CONSERVATION TESTS
// =============================================================================

func TestLedger_Verify_DetectsDrift(t *testing.T) {
	// GIVEN: A consistent ledger
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 12)
	ctx := context.Background()
	_, err := e.ledger.Reserve(ctx, "auth-1", 4, scheduling.ReserveOptions{})
	require.NoError(t, err)

	// WHEN: Used units are written behind the ledger's back
	a, err := e.store.GetAuthorization(ctx, "auth-1")
	require.NoError(t, err)
	a.UsedUnits = 9
	require.NoError(t, e.store.UpdateAuthorizationUsage(ctx, &a))

	// THEN: Verify reports the mismatch
	err = e.ledger.Verify(ctx, "auth-1")
	require.ErrorIs(t, err, scheduling.ErrLedgerDrift)
	var drift *scheduling.DriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, 9, drift.Stored)
	assert.Equal(t, 4, drift.Replayed)
}

func TestLedger_ConcurrentReserves_NeverOverAllocate(t *testing.T) {
	// GIVEN: 6 units and 12 callers asking for 1 unit each
	e := newEnv(t, at(monday6, 8, 0))
	e.authorize(t, "auth-1", 6)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ledger.Reserve(ctx, "auth-1", 1, scheduling.ReserveOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, scheduling.ErrCapacityExceeded):
				full++
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly the authorized units were granted
	assert.Equal(t, 6, ok)
	assert.Equal(t, 6, full)
	assert.Equal(t, 6, e.used(t, "auth-1"))
	assert.NoError(t, e.ledger.Verify(ctx, "auth-1"))
}

func TestLedger_SaveAuthorization_KeepsUsage(t *testing.T) {
	// GIVEN: 4 units used
	e := newEnv(t, at(monday6, 8, 0))
	a := e.authorize(t, "auth-1", 12)
	ctx := context.Background()
	_, err := e.ledger.Reserve(ctx, "auth-1", 4, scheduling.ReserveOptions{})
	require.NoError(t, err)

	// WHEN: The external process lowers max units below usage
	a.MaxUnits = 3
	require.NoError(t, e.store.SaveAuthorization(ctx, a))

	// THEN: Usage is untouched and the overrun is visible
	bal, err := e.ledger.Balance(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 4, bal.UsedUnits)
	assert.Equal(t, 1, bal.Overrun)
	assert.True(t, bal.OverAllocated)
}
