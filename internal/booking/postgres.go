package booking

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the appointments table. It is idempotent and safe to
// run on every startup.
//
// The partial unique index on (appointment_date, appointment_time) is the
// authority for double-booking: two callers racing for the same slot both
// reach the INSERT, and exactly one commits. Cancelled rows do not block a
// slot.
const Schema = `
CREATE TABLE IF NOT EXISTS appointments (
    id                  BIGSERIAL PRIMARY KEY,
    customer_name       TEXT NOT NULL,
    phone_number        TEXT NOT NULL,
    appointment_date    TEXT NOT NULL,
    appointment_time    TEXT NOT NULL,
    confirmation_number TEXT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    call_sid            TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'confirmed'
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_appointments_confirmation
    ON appointments (confirmation_number);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_appointments_confirmed_slot
    ON appointments (appointment_date, appointment_time)
    WHERE status = 'confirmed';

CREATE INDEX IF NOT EXISTS idx_appointments_date_time
    ON appointments (appointment_date, appointment_time);
`

// Index names the insert path branches on when a unique violation surfaces.
const (
	confirmationConstraint = "uniq_appointments_confirmation"
	slotConstraint         = "uniq_appointments_confirmed_slot"
)

// maxConfirmationAttempts bounds regeneration when a fresh confirmation
// number collides with an existing row.
const maxConfirmationAttempts = 5

// DB is the subset of pgx operations the store needs. Both *pgxpool.Pool and
// *pgx.Conn satisfy DB.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store using the given database connection.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the appointments table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("booking: migrate: %w", err)
	}
	return nil
}

// CreateAppointment validates appt, then inserts a confirmed row with a
// freshly generated confirmation number. The pre-check is a fast path only;
// the partial unique index decides races, so a 23505 on the slot index maps
// to ErrSlotTaken exactly as a lost pre-check does.
func (s *PostgresStore) CreateAppointment(ctx context.Context, appt *Appointment) error {
	if err := appt.Validate(); err != nil {
		return err
	}

	taken, err := s.slotTaken(ctx, appt.Date, appt.Time)
	if err != nil {
		return fmt.Errorf("booking: create appointment: %w", err)
	}
	if taken {
		return ErrSlotTaken
	}

	const query = `
INSERT INTO appointments (customer_name, phone_number, appointment_date, appointment_time, confirmation_number, call_sid, status)
VALUES ($1, $2, $3, $4, $5, $6, 'confirmed')
RETURNING id, created_at, status`

	for range maxConfirmationAttempts {
		confirmation := newConfirmationNumber()
		err := s.db.QueryRow(ctx, query,
			appt.CustomerName,
			appt.PhoneNumber,
			appt.Date,
			appt.Time,
			confirmation,
			appt.CallSID,
		).Scan(&appt.ID, &appt.CreatedAt, &appt.Status)
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == confirmationConstraint {
				continue
			}
			return ErrSlotTaken
		}
		if err != nil {
			return fmt.Errorf("booking: create appointment: %w", err)
		}
		appt.ConfirmationNumber = confirmation
		return nil
	}
	return fmt.Errorf("booking: create appointment: confirmation number collisions after %d attempts", maxConfirmationAttempts)
}

// BookedLabels returns the confirmed slot labels on date in catalog order.
func (s *PostgresStore) BookedLabels(ctx context.Context, date string) ([]string, error) {
	booked, err := s.bookedSet(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("booking: booked labels: %w", err)
	}
	out := make([]string, 0, len(booked))
	for _, label := range slotLabels {
		if _, ok := booked[label]; ok {
			out = append(out, label)
		}
	}
	return out, nil
}

// AvailableLabels returns the catalog minus the booked labels on date, in
// natural time order. Weekends yield an empty list; a fully booked weekday
// yields an empty list. The result marshals as "[]", never "null".
func (s *PostgresStore) AvailableLabels(ctx context.Context, date string) ([]string, error) {
	weekend, err := IsWeekend(date)
	if err != nil {
		return nil, err
	}
	if weekend {
		return []string{}, nil
	}

	booked, err := s.bookedSet(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("booking: available labels: %w", err)
	}

	out := make([]string, 0, len(slotLabels))
	for _, label := range slotLabels {
		if _, ok := booked[label]; !ok {
			out = append(out, label)
		}
	}
	return out, nil
}

// AppointmentByConfirmation retrieves an appointment by confirmation number.
// Returns (nil, nil) if no row matches.
func (s *PostgresStore) AppointmentByConfirmation(ctx context.Context, confirmation string) (*Appointment, error) {
	const query = `
SELECT id, customer_name, phone_number, appointment_date, appointment_time, confirmation_number, created_at, call_sid, status
FROM appointments
WHERE confirmation_number = $1`

	var appt Appointment
	err := s.db.QueryRow(ctx, query, confirmation).Scan(
		&appt.ID,
		&appt.CustomerName,
		&appt.PhoneNumber,
		&appt.Date,
		&appt.Time,
		&appt.ConfirmationNumber,
		&appt.CreatedAt,
		&appt.CallSID,
		&appt.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking: appointment by confirmation: %w", err)
	}
	return &appt, nil
}

// AppointmentsOn returns every appointment on date regardless of status,
// ordered by slot then insertion.
func (s *PostgresStore) AppointmentsOn(ctx context.Context, date string) ([]Appointment, error) {
	const query = `
SELECT id, customer_name, phone_number, appointment_date, appointment_time, confirmation_number, created_at, call_sid, status
FROM appointments
WHERE appointment_date = $1
ORDER BY id`

	rows, err := s.db.Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("booking: appointments on: %w", err)
	}
	defer rows.Close()

	var appts []Appointment
	for rows.Next() {
		var appt Appointment
		if err := rows.Scan(
			&appt.ID,
			&appt.CustomerName,
			&appt.PhoneNumber,
			&appt.Date,
			&appt.Time,
			&appt.ConfirmationNumber,
			&appt.CreatedAt,
			&appt.CallSID,
			&appt.Status,
		); err != nil {
			return nil, fmt.Errorf("booking: appointments on: %w", err)
		}
		appts = append(appts, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: appointments on: %w", err)
	}

	// Slot labels do not sort lexicographically ("10:00 AM" < "9:00 AM"),
	// so order by catalog position here.
	slices.SortStableFunc(appts, func(a, b Appointment) int {
		return slotIndex[a.Time] - slotIndex[b.Time]
	})
	return appts, nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("booking: ping: %w", err)
	}
	return nil
}

// slotTaken reports whether a confirmed appointment already holds the slot.
func (s *PostgresStore) slotTaken(ctx context.Context, date, label string) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM appointments
    WHERE appointment_date = $1 AND appointment_time = $2 AND status = 'confirmed'
)`
	var taken bool
	if err := s.db.QueryRow(ctx, query, date, label).Scan(&taken); err != nil {
		return false, err
	}
	return taken, nil
}

// bookedSet returns the confirmed labels on date as a set.
func (s *PostgresStore) bookedSet(ctx context.Context, date string) (map[string]struct{}, error) {
	const query = `
SELECT appointment_time FROM appointments
WHERE appointment_date = $1 AND status = 'confirmed'`

	rows, err := s.db.Query(ctx, query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	booked := make(map[string]struct{})
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		booked[label] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return booked, nil
}

// newConfirmationNumber generates an "APT-" prefix plus five decimal digits.
func newConfirmationNumber() string {
	return fmt.Sprintf("APT-%05d", rand.IntN(100000))
}

// uniqueViolation unwraps a PostgreSQL unique violation (SQLSTATE 23505) and
// reports which constraint was hit.
func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
