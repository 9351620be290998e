/*
Package sqlite provides a SQLite-backed implementation of scheduling.TxStore.

PURPOSE:
  Persists authorizations, reservations, unit entries, templates, schedule
  events, and visit records. In production the same patterns apply to
  PostgreSQL with minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  unit_entries is never updated or deleted. Corrections are new entries.

KEY CONSTRAINTS:
  - idx_events_generated_slot: one event per (template_event_id, event_date).
    Generation relies on this to stay idempotent under concurrent runs.
  - unit_entries.idempotency_key UNIQUE: a ledger write is recorded once.
  - visit_records PRIMARY KEY schedule_event_id: at most one visit record
    per event.

CONCURRENCY:
  Update* statements are compare-and-swap on the version column. WithTx
  serializes write transactions in-process and opens them with
  BEGIN IMMEDIATE so SQLite takes the write lock up front.

USAGE:
  store, err := sqlite.New("./data/care.db")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

  ledger := scheduling.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - scheduling/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/care-scheduler/scheduling"
)

// Store implements scheduling.TxStore using SQLite.
type Store struct {
	*queries

	db *sqlx.DB
	mu sync.Mutex
}

var _ scheduling.TxStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: &queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS authorizations (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		service_id TEXT NOT NULL DEFAULT '',
		start_date TEXT,
		end_date TEXT,
		max_units INTEGER NOT NULL,
		used_units INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		authorization_id TEXT NOT NULL REFERENCES authorizations(id),
		event_id TEXT NOT NULL DEFAULT '',
		units INTEGER NOT NULL,
		status TEXT NOT NULL,
		overrun INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		released_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_authorization
		ON reservations(authorization_id);

	-- Append-only unit history
	CREATE TABLE IF NOT EXISTS unit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		authorization_id TEXT NOT NULL REFERENCES authorizations(id),
		reservation_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		override INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_unit_entries_authorization
		ON unit_entries(authorization_id);

	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		weeks_json TEXT NOT NULL,
		active INTEGER NOT NULL,
		anchor_date TEXT,
		generated_through TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_events (
		id TEXT PRIMARY KEY,
		template_id TEXT,
		template_event_id TEXT,
		client_id TEXT NOT NULL,
		event_date TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		authorization_id TEXT NOT NULL,
		event_code TEXT NOT NULL DEFAULT '',
		staff_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		verification TEXT NOT NULL,
		planned_units INTEGER NOT NULL,
		actual_units INTEGER,
		reservation_id TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		original_staff_id TEXT,
		replacement_reason TEXT,
		replaced_at TEXT,
		capacity_warning TEXT NOT NULL DEFAULT '',
		check_in_at TEXT,
		check_out_at TEXT,
		cancel_reason TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT,
		hidden INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one generated event per template slot and date
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_generated_slot
		ON schedule_events(template_event_id, event_date)
		WHERE template_event_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_events_client_date
		ON schedule_events(client_id, event_date);
	CREATE INDEX IF NOT EXISTS idx_events_slot
		ON schedule_events(client_id, authorization_id, start_at);

	CREATE TABLE IF NOT EXISTS visit_records (
		schedule_event_id TEXT PRIMARY KEY REFERENCES schedule_events(id),
		staff_id TEXT NOT NULL DEFAULT '',
		check_in_at TEXT,
		check_out_at TEXT,
		adjusted_in TEXT,
		adjusted_out TEXT,
		pay_hours TEXT NOT NULL DEFAULT '0',
		bill_hours TEXT NOT NULL DEFAULT '0',
		units INTEGER NOT NULL DEFAULT 0,
		do_not_bill INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		verified_by TEXT NOT NULL DEFAULT '',
		verified_at TEXT,
		amend_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within one database transaction. fn only sees the
// transaction, never the pooled connection.
func (s *Store) WithTx(ctx context.Context, fn func(scheduling.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Reset clears all data (for tests and demos).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"visit_records", "schedule_events", "templates", "unit_entries", "reservations", "authorizations"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return unavailable("reset "+table, err)
		}
	}
	return nil
}

// queries runs every statement against either the pool or one tx.
type queries struct {
	q sqlx.ExtContext
}

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

type authorizationRow struct {
	ID        string         `db:"id"`
	ClientID  string         `db:"client_id"`
	ServiceID string         `db:"service_id"`
	StartDate sql.NullString `db:"start_date"`
	EndDate   sql.NullString `db:"end_date"`
	MaxUnits  int            `db:"max_units"`
	UsedUnits int            `db:"used_units"`
	Version   int            `db:"version"`
	UpdatedAt string         `db:"updated_at"`
}

func (r authorizationRow) model() scheduling.Authorization {
	return scheduling.Authorization{
		ID:        scheduling.AuthorizationID(r.ID),
		ClientID:  scheduling.ClientID(r.ClientID),
		ServiceID: r.ServiceID,
		StartDate: parseDate(r.StartDate),
		EndDate:   parseDate(r.EndDate),
		MaxUnits:  r.MaxUnits,
		UsedUnits: r.UsedUnits,
		Version:   r.Version,
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

// SaveAuthorization inserts or updates the grant. used_units is owned by
// the ledger and only set on insert.
func (qs *queries) SaveAuthorization(ctx context.Context, a scheduling.Authorization) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO authorizations
		(id, client_id, service_id, start_date, end_date, max_units, used_units, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			service_id = excluded.service_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			max_units = excluded.max_units,
			version = authorizations.version + 1,
			updated_at = excluded.updated_at
	`,
		a.ID, a.ClientID, a.ServiceID,
		formatDate(a.StartDate), formatDate(a.EndDate),
		a.MaxUnits, a.UsedUnits, formatTime(a.UpdatedAt),
	)
	if err != nil {
		return unavailable("save authorization", err)
	}
	return nil
}

func (qs *queries) GetAuthorization(ctx context.Context, id scheduling.AuthorizationID) (scheduling.Authorization, error) {
	var row authorizationRow
	err := sqlx.GetContext(ctx, qs.q, &row, `SELECT * FROM authorizations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduling.Authorization{}, scheduling.ErrAuthorizationNotFound
	}
	if err != nil {
		return scheduling.Authorization{}, unavailable("get authorization", err)
	}
	return row.model(), nil
}

func (qs *queries) UpdateAuthorizationUsage(ctx context.Context, a *scheduling.Authorization) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE authorizations SET used_units = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, a.UsedUnits, formatTime(time.Now().UTC()), a.ID, a.Version)
	if err != nil {
		return unavailable("update authorization usage", err)
	}
	if err := qs.checkSwapped(ctx, res, "authorizations", string(a.ID), scheduling.ErrAuthorizationNotFound); err != nil {
		return err
	}
	a.Version++
	return nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type reservationRow struct {
	ID              string         `db:"id"`
	AuthorizationID string         `db:"authorization_id"`
	EventID         string         `db:"event_id"`
	Units           int            `db:"units"`
	Status          string         `db:"status"`
	Overrun         int            `db:"overrun"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
	ReleasedAt      sql.NullString `db:"released_at"`
}

func (r reservationRow) model() scheduling.Reservation {
	return scheduling.Reservation{
		ID:              scheduling.ReservationID(r.ID),
		AuthorizationID: scheduling.AuthorizationID(r.AuthorizationID),
		EventID:         scheduling.EventID(r.EventID),
		Units:           r.Units,
		Status:          scheduling.ReservationStatus(r.Status),
		Overrun:         r.Overrun,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
		ReleasedAt:      parseTimePtr(r.ReleasedAt),
	}
}

func (qs *queries) CreateReservation(ctx context.Context, r scheduling.Reservation) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO reservations
		(id, authorization_id, event_id, units, status, overrun, created_at, updated_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.AuthorizationID, r.EventID, r.Units, r.Status, r.Overrun,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt), formatTimePtr(r.ReleasedAt),
	)
	if isUniqueConstraintError(err) {
		return scheduling.ErrDuplicate
	}
	if err != nil {
		return unavailable("create reservation", err)
	}
	return nil
}

func (qs *queries) GetReservation(ctx context.Context, id scheduling.ReservationID) (scheduling.Reservation, error) {
	var row reservationRow
	err := sqlx.GetContext(ctx, qs.q, &row, `SELECT * FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduling.Reservation{}, scheduling.ErrReservationNotFound
	}
	if err != nil {
		return scheduling.Reservation{}, unavailable("get reservation", err)
	}
	return row.model(), nil
}

// UpdateReservation is only reached through the ledger, which already
// holds the authorization's version.
func (qs *queries) UpdateReservation(ctx context.Context, r scheduling.Reservation) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE reservations SET units = ?, status = ?, overrun = ?, updated_at = ?, released_at = ?
		WHERE id = ?
	`, r.Units, r.Status, r.Overrun, formatTime(r.UpdatedAt), formatTimePtr(r.ReleasedAt), r.ID)
	if err != nil {
		return unavailable("update reservation", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return scheduling.ErrReservationNotFound
	}
	return nil
}

func (qs *queries) ListReservations(ctx context.Context, id scheduling.AuthorizationID) ([]scheduling.Reservation, error) {
	var rows []reservationRow
	err := sqlx.SelectContext(ctx, qs.q, &rows,
		`SELECT * FROM reservations WHERE authorization_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, unavailable("list reservations", err)
	}
	out := make([]scheduling.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// =============================================================================
// UNIT ENTRIES (append-only)
// =============================================================================

type unitEntryRow struct {
	Seq             int64          `db:"seq"`
	ID              string         `db:"id"`
	AuthorizationID string         `db:"authorization_id"`
	ReservationID   string         `db:"reservation_id"`
	Type            string         `db:"entry_type"`
	Delta           int            `db:"delta"`
	Override        bool           `db:"override"`
	IdempotencyKey  sql.NullString `db:"idempotency_key"`
	CreatedAt       string         `db:"created_at"`
}

func (qs *queries) AppendEntry(ctx context.Context, e scheduling.UnitEntry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO unit_entries
		(id, authorization_id, reservation_id, entry_type, delta, override, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.AuthorizationID, e.ReservationID, e.Type, e.Delta, e.Override,
		nullString(e.IdempotencyKey), formatTime(e.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return scheduling.ErrDuplicate
	}
	if err != nil {
		return unavailable("append unit entry", err)
	}
	return nil
}

func (qs *queries) ListEntries(ctx context.Context, id scheduling.AuthorizationID) ([]scheduling.UnitEntry, error) {
	var rows []unitEntryRow
	err := sqlx.SelectContext(ctx, qs.q, &rows,
		`SELECT * FROM unit_entries WHERE authorization_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, unavailable("list unit entries", err)
	}
	out := make([]scheduling.UnitEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, scheduling.UnitEntry{
			ID:              r.ID,
			AuthorizationID: scheduling.AuthorizationID(r.AuthorizationID),
			ReservationID:   scheduling.ReservationID(r.ReservationID),
			Type:            scheduling.EntryType(r.Type),
			Delta:           r.Delta,
			Override:        r.Override,
			IdempotencyKey:  r.IdempotencyKey.String,
			CreatedAt:       parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// =============================================================================
// TEMPLATES
// =============================================================================

type templateRow struct {
	ID               string         `db:"id"`
	ClientID         string         `db:"client_id"`
	WeeksJSON        string         `db:"weeks_json"`
	Active           bool           `db:"active"`
	AnchorDate       sql.NullString `db:"anchor_date"`
	GeneratedThrough sql.NullString `db:"generated_through"`
	Version          int            `db:"version"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
}

// weekJSON pins the stored layout of template weeks.
type weekJSON struct {
	Index  int         `json:"index"`
	Events []eventJSON `json:"events"`
}

type eventJSON struct {
	ID              string `json:"id"`
	Weekday         int    `json:"weekday"`
	Start           string `json:"start"`
	End             string `json:"end"`
	AuthorizationID string `json:"authorization_id"`
	EventCode       string `json:"event_code,omitempty"`
	PlannedUnits    int    `json:"planned_units,omitempty"`
	StaffID         string `json:"staff_id,omitempty"`
}

func encodeWeeks(weeks []scheduling.TemplateWeek) (string, error) {
	out := make([]weekJSON, 0, len(weeks))
	for _, w := range weeks {
		wj := weekJSON{Index: w.Index, Events: make([]eventJSON, 0, len(w.Events))}
		for _, e := range w.Events {
			wj.Events = append(wj.Events, eventJSON{
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
		out = append(out, wj)
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func decodeWeeks(s string) ([]scheduling.TemplateWeek, error) {
	var in []weekJSON
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, err
	}
	weeks := make([]scheduling.TemplateWeek, 0, len(in))
	for _, wj := range in {
		w := scheduling.TemplateWeek{Index: wj.Index}
		for _, ej := range wj.Events {
			start, err := scheduling.ParseTimeOfDay(ej.Start)
			if err != nil {
				return nil, err
			}
			end, err := scheduling.ParseTimeOfDay(ej.End)
			if err != nil {
				return nil, err
			}
			w.Events = append(w.Events, scheduling.TemplateEvent{
				ID:              scheduling.TemplateEventID(ej.ID),
				Weekday:         time.Weekday(ej.Weekday),
				Start:           start,
				End:             end,
				AuthorizationID: scheduling.AuthorizationID(ej.AuthorizationID),
				EventCode:       ej.EventCode,
				PlannedUnits:    ej.PlannedUnits,
				StaffID:         scheduling.StaffID(ej.StaffID),
			})
		}
		weeks = append(weeks, w)
	}
	return weeks, nil
}

func (qs *queries) CreateTemplate(ctx context.Context, t scheduling.Template) error {
	weeks, err := encodeWeeks(t.Weeks)
	if err != nil {
		return fmt.Errorf("encode template weeks: %w", err)
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO templates
		(id, client_id, weeks_json, active, anchor_date, generated_through, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
	`,
		t.ID, t.ClientID, weeks, t.Active,
		formatDate(t.AnchorDate), formatDate(t.GeneratedThrough),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return scheduling.ErrDuplicate
	}
	if err != nil {
		return unavailable("create template", err)
	}
	return nil
}

func (qs *queries) GetTemplate(ctx context.Context, id scheduling.TemplateID) (scheduling.Template, error) {
	var row templateRow
	err := sqlx.GetContext(ctx, qs.q, &row, `SELECT * FROM templates WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduling.Template{}, scheduling.ErrTemplateNotFound
	}
	if err != nil {
		return scheduling.Template{}, unavailable("get template", err)
	}
	weeks, err := decodeWeeks(row.WeeksJSON)
	if err != nil {
		return scheduling.Template{}, fmt.Errorf("decode template %s weeks: %w", row.ID, err)
	}
	return scheduling.Template{
		ID:               scheduling.TemplateID(row.ID),
		ClientID:         scheduling.ClientID(row.ClientID),
		Weeks:            weeks,
		Active:           row.Active,
		AnchorDate:       parseDate(row.AnchorDate),
		GeneratedThrough: parseDate(row.GeneratedThrough),
		Version:          row.Version,
		CreatedAt:        parseTime(row.CreatedAt),
		UpdatedAt:        parseTime(row.UpdatedAt),
	}, nil
}

func (qs *queries) UpdateTemplate(ctx context.Context, t *scheduling.Template) error {
	weeks, err := encodeWeeks(t.Weeks)
	if err != nil {
		return fmt.Errorf("encode template weeks: %w", err)
	}
	res, err := qs.q.ExecContext(ctx, `
		UPDATE templates SET weeks_json = ?, active = ?, anchor_date = ?, generated_through = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		weeks, t.Active, formatDate(t.AnchorDate), formatDate(t.GeneratedThrough),
		formatTime(t.UpdatedAt), t.ID, t.Version,
	)
	if err != nil {
		return unavailable("update template", err)
	}
	if err := qs.checkSwapped(ctx, res, "templates", string(t.ID), scheduling.ErrTemplateNotFound); err != nil {
		return err
	}
	t.Version++
	return nil
}

// =============================================================================
// SCHEDULE EVENTS
// =============================================================================

type eventRow struct {
	ID                string         `db:"id"`
	TemplateID        sql.NullString `db:"template_id"`
	TemplateEventID   sql.NullString `db:"template_event_id"`
	ClientID          string         `db:"client_id"`
	EventDate         string         `db:"event_date"`
	StartAt           string         `db:"start_at"`
	EndAt             string         `db:"end_at"`
	AuthorizationID   string         `db:"authorization_id"`
	EventCode         string         `db:"event_code"`
	StaffID           string         `db:"staff_id"`
	Status            string         `db:"status"`
	Verification      string         `db:"verification"`
	PlannedUnits      int            `db:"planned_units"`
	ActualUnits       sql.NullInt64  `db:"actual_units"`
	ReservationID     string         `db:"reservation_id"`
	Origin            string         `db:"origin"`
	OriginalStaffID   sql.NullString `db:"original_staff_id"`
	ReplacementReason sql.NullString `db:"replacement_reason"`
	ReplacedAt        sql.NullString `db:"replaced_at"`
	CapacityWarning   string         `db:"capacity_warning"`
	CheckInAt         sql.NullString `db:"check_in_at"`
	CheckOutAt        sql.NullString `db:"check_out_at"`
	CancelReason      string         `db:"cancel_reason"`
	CancelledAt       sql.NullString `db:"cancelled_at"`
	Hidden            bool           `db:"hidden"`
	Version           int            `db:"version"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
}

func (r eventRow) model() scheduling.ScheduleEvent {
	ev := scheduling.ScheduleEvent{
		ID:              scheduling.EventID(r.ID),
		TemplateID:      scheduling.TemplateID(r.TemplateID.String),
		TemplateEventID: scheduling.TemplateEventID(r.TemplateEventID.String),
		ClientID:        scheduling.ClientID(r.ClientID),
		EventDate:       parseDate(sql.NullString{String: r.EventDate, Valid: true}),
		StartAt:         parseTime(r.StartAt),
		EndAt:           parseTime(r.EndAt),
		AuthorizationID: scheduling.AuthorizationID(r.AuthorizationID),
		EventCode:       r.EventCode,
		StaffID:         scheduling.StaffID(r.StaffID),
		Status:          scheduling.EventStatus(r.Status),
		Verification:    scheduling.VerificationStatus(r.Verification),
		PlannedUnits:    r.PlannedUnits,
		ReservationID:   scheduling.ReservationID(r.ReservationID),
		Origin:          scheduling.Origin(r.Origin),
		CapacityWarning: r.CapacityWarning,
		CheckInAt:       parseTimePtr(r.CheckInAt),
		CheckOutAt:      parseTimePtr(r.CheckOutAt),
		CancelReason:    r.CancelReason,
		CancelledAt:     parseTimePtr(r.CancelledAt),
		Hidden:          r.Hidden,
		Version:         r.Version,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
	if r.ActualUnits.Valid {
		n := int(r.ActualUnits.Int64)
		ev.ActualUnits = &n
	}
	if r.OriginalStaffID.Valid {
		ev.Replacement = &scheduling.Replacement{
			OriginalStaffID: scheduling.StaffID(r.OriginalStaffID.String),
			Reason:          r.ReplacementReason.String,
		}
		if at := parseTimePtr(r.ReplacedAt); at != nil {
			ev.Replacement.ReplacedAt = *at
		}
	}
	return ev
}

func eventArgs(e scheduling.ScheduleEvent) []any {
	var actual sql.NullInt64
	var original, reason, replaced sql.NullString
	if e.ActualUnits != nil {
		actual = sql.NullInt64{Int64: int64(*e.ActualUnits), Valid: true}
	}
	if e.Replacement != nil {
		original = sql.NullString{String: string(e.Replacement.OriginalStaffID), Valid: true}
		reason = sql.NullString{String: e.Replacement.Reason, Valid: true}
		replaced = formatTimePtr(&e.Replacement.ReplacedAt)
	}
	return []any{
		nullString(string(e.TemplateID)), nullString(string(e.TemplateEventID)),
		e.ClientID, scheduling.DateOf(e.EventDate).Format(scheduling.DateLayout),
		formatTime(e.StartAt), formatTime(e.EndAt),
		e.AuthorizationID, e.EventCode, e.StaffID,
		e.Status, e.Verification, e.PlannedUnits, actual, e.ReservationID,
		e.Origin, original, reason, replaced, e.CapacityWarning,
		formatTimePtr(e.CheckInAt), formatTimePtr(e.CheckOutAt),
		e.CancelReason, formatTimePtr(e.CancelledAt), e.Hidden,
		formatTime(e.UpdatedAt),
	}
}

func (qs *queries) CreateEvent(ctx context.Context, e scheduling.ScheduleEvent) error {
	args := append([]any{e.ID}, eventArgs(e)...)
	args = append(args, formatTime(e.CreatedAt))
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO schedule_events
		(id, template_id, template_event_id, client_id, event_date, start_at, end_at,
		 authorization_id, event_code, staff_id, status, verification, planned_units,
		 actual_units, reservation_id, origin, original_staff_id, replacement_reason,
		 replaced_at, capacity_warning, check_in_at, check_out_at, cancel_reason,
		 cancelled_at, hidden, updated_at, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, args...)
	if isUniqueConstraintError(err) {
		return scheduling.ErrDuplicate
	}
	if err != nil {
		return unavailable("create event", err)
	}
	return nil
}

func (qs *queries) GetEvent(ctx context.Context, id scheduling.EventID) (scheduling.ScheduleEvent, error) {
	var row eventRow
	err := sqlx.GetContext(ctx, qs.q, &row, `SELECT * FROM schedule_events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduling.ScheduleEvent{}, scheduling.ErrEventNotFound
	}
	if err != nil {
		return scheduling.ScheduleEvent{}, unavailable("get event", err)
	}
	return row.model(), nil
}

func (qs *queries) UpdateEvent(ctx context.Context, e *scheduling.ScheduleEvent) error {
	args := append(eventArgs(*e), e.ID, e.Version)
	res, err := qs.q.ExecContext(ctx, `
		UPDATE schedule_events SET
			template_id = ?, template_event_id = ?, client_id = ?, event_date = ?,
			start_at = ?, end_at = ?, authorization_id = ?, event_code = ?, staff_id = ?,
			status = ?, verification = ?, planned_units = ?, actual_units = ?,
			reservation_id = ?, origin = ?, original_staff_id = ?, replacement_reason = ?,
			replaced_at = ?, capacity_warning = ?, check_in_at = ?, check_out_at = ?,
			cancel_reason = ?, cancelled_at = ?, hidden = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, args...)
	if err != nil {
		return unavailable("update event", err)
	}
	if err := qs.checkSwapped(ctx, res, "schedule_events", string(e.ID), scheduling.ErrEventNotFound); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (qs *queries) FindGeneratedEvent(ctx context.Context, slot scheduling.TemplateEventID, date time.Time) (scheduling.ScheduleEvent, bool, error) {
	return qs.findOne(ctx, `
		SELECT * FROM schedule_events WHERE template_event_id = ? AND event_date = ?
	`, slot, scheduling.DateOf(date).Format(scheduling.DateLayout))
}

func (qs *queries) FindEventBySlot(ctx context.Context, client scheduling.ClientID, auth scheduling.AuthorizationID, startAt time.Time) (scheduling.ScheduleEvent, bool, error) {
	return qs.findOne(ctx, `
		SELECT * FROM schedule_events
		WHERE client_id = ? AND authorization_id = ? AND start_at = ? AND status <> ?
		ORDER BY created_at ASC LIMIT 1
	`, client, auth, formatTime(startAt), scheduling.StatusCancelled)
}

func (qs *queries) findOne(ctx context.Context, query string, args ...any) (scheduling.ScheduleEvent, bool, error) {
	var row eventRow
	err := sqlx.GetContext(ctx, qs.q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduling.ScheduleEvent{}, false, nil
	}
	if err != nil {
		return scheduling.ScheduleEvent{}, false, unavailable("find event", err)
	}
	return row.model(), true, nil
}

func (qs *queries) ListEvents(ctx context.Context, f scheduling.EventFilter) ([]scheduling.ScheduleEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.StaffID != "" {
		where = append(where, "staff_id = ?")
		args = append(args, f.StaffID)
	}
	if !f.From.IsZero() {
		where = append(where, "event_date >= ?")
		args = append(args, scheduling.DateOf(f.From).Format(scheduling.DateLayout))
	}
	if !f.To.IsZero() {
		where = append(where, "event_date <= ?")
		args = append(args, scheduling.DateOf(f.To).Format(scheduling.DateLayout))
	}
	if !f.IncludeHidden {
		where = append(where, "hidden = 0", "status <> ?")
		args = append(args, scheduling.StatusCancelled)
	}

	query := "SELECT * FROM schedule_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_at ASC, id ASC"

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, qs.q, &rows, query, args...); err != nil {
		return nil, unavailable("list events", err)
	}
	out := make([]scheduling.ScheduleEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// =============================================================================
// VISIT RECORDS
// =============================================================================

type visitRow struct {
	ScheduleEventID string          `db:"schedule_event_id"`
	StaffID         string          `db:"staff_id"`
	CheckInAt       sql.NullString  `db:"check_in_at"`
	CheckOutAt      sql.NullString  `db:"check_out_at"`
	AdjustedIn      sql.NullString  `db:"adjusted_in"`
	AdjustedOut     sql.NullString  `db:"adjusted_out"`
	PayHours        decimal.Decimal `db:"pay_hours"`
	BillHours       decimal.Decimal `db:"bill_hours"`
	Units           int             `db:"units"`
	DoNotBill       bool            `db:"do_not_bill"`
	Status          string          `db:"status"`
	VerifiedBy      string          `db:"verified_by"`
	VerifiedAt      sql.NullString  `db:"verified_at"`
	AmendReason     string          `db:"amend_reason"`
	Version         int             `db:"version"`
	CreatedAt       string          `db:"created_at"`
	UpdatedAt       string          `db:"updated_at"`
}

func visitArgs(v scheduling.VisitRecord) []any {
	return []any{
		v.StaffID,
		formatTimePtr(v.CheckInAt), formatTimePtr(v.CheckOutAt),
		formatTimePtr(v.AdjustedIn), formatTimePtr(v.AdjustedOut),
		v.PayHours.String(), v.BillHours.String(), v.Units, v.DoNotBill,
		v.Status, v.VerifiedBy, formatTimePtr(v.VerifiedAt), v.AmendReason,
		formatTime(v.UpdatedAt),
	}
}

func (qs *queries) CreateVisit(ctx context.Context, v scheduling.VisitRecord) error {
	args := append([]any{v.ScheduleEventID}, visitArgs(v)...)
	args = append(args, formatTime(v.CreatedAt))
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO visit_records
		(schedule_event_id, staff_id, check_in_at, check_out_at, adjusted_in, adjusted_out,
		 pay_hours, bill_hours, units, do_not_bill, status, verified_by, verified_at,
		 amend_reason, updated_at, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, args...)
	if isUniqueConstraintError(err) {
		return scheduling.ErrDuplicate
	}
	if err != nil {
		return unavailable("create visit record", err)
	}
	return nil
}

func (qs *queries) GetVisit(ctx context.Context, id scheduling.EventID) (scheduling.VisitRecord, error) {
	var row visitRow
	err := sqlx.GetContext(ctx, qs.q, &row, `SELECT * FROM visit_records WHERE schedule_event_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduling.VisitRecord{}, scheduling.ErrVisitNotFound
	}
	if err != nil {
		return scheduling.VisitRecord{}, unavailable("get visit record", err)
	}
	return scheduling.VisitRecord{
		ScheduleEventID: scheduling.EventID(row.ScheduleEventID),
		StaffID:         scheduling.StaffID(row.StaffID),
		CheckInAt:       parseTimePtr(row.CheckInAt),
		CheckOutAt:      parseTimePtr(row.CheckOutAt),
		AdjustedIn:      parseTimePtr(row.AdjustedIn),
		AdjustedOut:     parseTimePtr(row.AdjustedOut),
		PayHours:        row.PayHours,
		BillHours:       row.BillHours,
		Units:           row.Units,
		DoNotBill:       row.DoNotBill,
		Status:          scheduling.VerificationStatus(row.Status),
		VerifiedBy:      row.VerifiedBy,
		VerifiedAt:      parseTimePtr(row.VerifiedAt),
		AmendReason:     row.AmendReason,
		Version:         row.Version,
		CreatedAt:       parseTime(row.CreatedAt),
		UpdatedAt:       parseTime(row.UpdatedAt),
	}, nil
}

func (qs *queries) UpdateVisit(ctx context.Context, v *scheduling.VisitRecord) error {
	args := append(visitArgs(*v), v.ScheduleEventID, v.Version)
	res, err := qs.q.ExecContext(ctx, `
		UPDATE visit_records SET
			staff_id = ?, check_in_at = ?, check_out_at = ?, adjusted_in = ?, adjusted_out = ?,
			pay_hours = ?, bill_hours = ?, units = ?, do_not_bill = ?, status = ?,
			verified_by = ?, verified_at = ?, amend_reason = ?, updated_at = ?,
			version = version + 1
		WHERE schedule_event_id = ? AND version = ?
	`, args...)
	if err != nil {
		return unavailable("update visit record", err)
	}
	if err := qs.checkSwapped(ctx, res, "visit_records", string(v.ScheduleEventID), scheduling.ErrVisitNotFound); err != nil {
		return err
	}
	v.Version++
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// checkSwapped turns a zero-row CAS update into not-found or a version
// conflict.
func (qs *queries) checkSwapped(ctx context.Context, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	key := "id"
	if table == "visit_records" {
		key = "schedule_event_id"
	}
	var exists int
	err = sqlx.GetContext(ctx, qs.q, &exists, "SELECT COUNT(*) FROM "+table+" WHERE "+key+" = ?", id)
	if err != nil {
		return unavailable("check "+table, err)
	}
	if exists == 0 {
		return notFound
	}
	return scheduling.ErrConcurrentModification
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, scheduling.ErrStorageUnavailable, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: scheduling.DateOf(t).Format(scheduling.DateLayout), Valid: true}
}

func parseDate(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	d, _ := scheduling.ParseDate(s.String)
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
