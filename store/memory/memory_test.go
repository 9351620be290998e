package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-scheduler/scheduling"
	"github.com/warp/care-scheduler/store/memory"
)

var monday = scheduling.NewDate(2025, time.January, 6)

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
		Status:          scheduling.StatusPlanned,
		Verification:    scheduling.VerificationNotStarted,
		Origin:          scheduling.OriginTemplate,
	}
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: An authorization with no usage
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveAuthorization(ctx, scheduling.Authorization{ID: "auth-1", ClientID: "client-1", MaxUnits: 10}))

	// WHEN: A transaction writes and then fails
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s scheduling.Store) error {
		a, err := s.GetAuthorization(ctx, "auth-1")
		require.NoError(t, err)
		a.UsedUnits = 4
		require.NoError(t, s.UpdateAuthorizationUsage(ctx, &a))
		require.NoError(t, s.CreateEvent(ctx, generatedEvent("ev-1", monday)))
		return boom
	})

	// THEN: Every write is undone
	assert.ErrorIs(t, err, boom)
	a, err := store.GetAuthorization(ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.UsedUnits)
	assert.Equal(t, 1, a.Version)

	_, err = store.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, scheduling.ErrEventNotFound)
	_, found, err := store.FindGeneratedEvent(ctx, "slot-mon", monday)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_CreateEvent_GeneratedSlotIsUnique(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-1", monday)))

	err := store.CreateEvent(ctx, generatedEvent("ev-2", monday))
	assert.ErrorIs(t, err, scheduling.ErrDuplicate)

	assert.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-3", monday.AddDate(0, 0, 7))))
}

func TestMemory_UpdateEvent_VersionConflict(t *testing.T) {
	// GIVEN: Two readers of the same event
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-1", monday)))
	first, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	second := first

	// WHEN: Both write
	first.Status = scheduling.StatusConfirmed
	require.NoError(t, store.UpdateEvent(ctx, &first))
	second.Status = scheduling.StatusCancelled
	err = store.UpdateEvent(ctx, &second)

	// THEN: The stale writer loses
	assert.ErrorIs(t, err, scheduling.ErrConcurrentModification)
	stored, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusConfirmed, stored.Status)
	assert.Equal(t, 2, stored.Version)
}

func TestMemory_ListEvents_HidesCancelledByDefault(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-1", monday)))
	cancelled := generatedEvent("ev-2", monday.AddDate(0, 0, 7))
	cancelled.Status = scheduling.StatusCancelled
	cancelled.Hidden = true
	require.NoError(t, store.CreateEvent(ctx, cancelled))

	active, err := store.ListEvents(ctx, scheduling.EventFilter{ClientID: "client-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, scheduling.EventID("ev-1"), active[0].ID)

	all, err := store.ListEvents(ctx, scheduling.EventFilter{ClientID: "client-1", IncludeHidden: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ranged, err := store.ListEvents(ctx, scheduling.EventFilter{From: monday.AddDate(0, 0, 1), IncludeHidden: true})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, scheduling.EventID("ev-2"), ranged[0].ID)
}

func TestMemory_AppendEntry_IdempotencyKey(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	entry := scheduling.UnitEntry{ID: "e-1", AuthorizationID: "auth-1", Delta: 4, IdempotencyKey: "generate:slot:2025-01-06"}
	require.NoError(t, store.AppendEntry(ctx, entry))

	entry.ID = "e-2"
	assert.ErrorIs(t, store.AppendEntry(ctx, entry), scheduling.ErrDuplicate)

	entries, err := store.ListEntries(ctx, "auth-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_Reset(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-1", monday)))

	require.NoError(t, store.Reset(ctx))

	_, err := store.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, scheduling.ErrEventNotFound)
}

func TestMemory_WithTx_RollbackRestoresOnlyTouchedKeys(t *testing.T) {
	// GIVEN: An existing event and ledger entry
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-1", monday)))
	require.NoError(t, store.CreateEvent(ctx, generatedEvent("ev-2", monday.AddDate(0, 0, 7))))
	require.NoError(t, store.AppendEntry(ctx, scheduling.UnitEntry{ID: "e-1", AuthorizationID: "auth-1", Delta: 4, IdempotencyKey: "k-1"}))

	// WHEN: A transaction overwrites one event, appends an entry, then fails
	err := store.WithTx(ctx, func(s scheduling.Store) error {
		ev, err := s.GetEvent(ctx, "ev-1")
		require.NoError(t, err)
		ev.Status = scheduling.StatusConfirmed
		require.NoError(t, s.UpdateEvent(ctx, &ev))
		ev.Status = scheduling.StatusCancelled
		require.NoError(t, s.UpdateEvent(ctx, &ev))
		require.NoError(t, s.AppendEntry(ctx, scheduling.UnitEntry{ID: "e-2", AuthorizationID: "auth-1", Delta: 2, IdempotencyKey: "k-2"}))
		return errors.New("boom")
	})
	require.Error(t, err)

	// THEN: The overwritten event is back to its first value
	ev, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusPlanned, ev.Status)
	assert.Equal(t, 1, ev.Version)

	// AND: Untouched data is intact and the rolled-back key is free again
	_, err = store.GetEvent(ctx, "ev-2")
	assert.NoError(t, err)
	entries, err := store.ListEntries(ctx, "auth-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e-1", entries[0].ID)
	assert.NoError(t, store.AppendEntry(ctx, scheduling.UnitEntry{ID: "e-3", AuthorizationID: "auth-1", Delta: 2, IdempotencyKey: "k-2"}))
}

func TestMemory_WithTx_CommitKeepsWrites(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(s scheduling.Store) error {
		return s.CreateEvent(ctx, generatedEvent("ev-1", monday))
	}))

	_, found, err := store.FindGeneratedEvent(ctx, "slot-mon", monday)
	require.NoError(t, err)
	assert.True(t, found)
}
