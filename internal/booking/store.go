package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSlotTaken is returned by CreateAppointment when the requested (date,
// time) slot already holds a confirmed appointment. Callers surface it to the
// model as a "slot_taken" result rather than an error.
var ErrSlotTaken = errors.New("booking: slot already taken")

// Appointment statuses.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Appointment is one booked slot. The store fills ID, ConfirmationNumber,
// CreatedAt, and Status on insert; rows are never updated by the call path.
type Appointment struct {
	ID                 int64     `json:"id"`
	CustomerName       string    `json:"customer_name"`
	PhoneNumber        string    `json:"phone_number"`
	Date               string    `json:"date"`
	Time               string    `json:"time"`
	ConfirmationNumber string    `json:"confirmation_number"`
	CreatedAt          time.Time `json:"created_at"`
	CallSID            string    `json:"call_sid,omitempty"`
	Status             string    `json:"status"`
}

// Validate checks the fields a caller must supply before insert. It returns a
// joined error describing every violation found, or nil.
func (a *Appointment) Validate() error {
	var errs []error

	if a.CustomerName == "" {
		errs = append(errs, fmt.Errorf("booking: customer name must not be empty"))
	}

	if _, err := ParseDate(a.Date); err != nil {
		errs = append(errs, fmt.Errorf("booking: date must be YYYY-MM-DD, got %q", a.Date))
	} else if weekend, _ := IsWeekend(a.Date); weekend {
		errs = append(errs, fmt.Errorf("booking: %s falls on a weekend", a.Date))
	}

	if !IsSlotLabel(a.Time) {
		errs = append(errs, fmt.Errorf("booking: time must be a bookable slot label, got %q", a.Time))
	}

	return errors.Join(errs...)
}

// Store provides appointment persistence and slot availability reads.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateAppointment validates and inserts a confirmed appointment,
	// generating a fresh confirmation number. Returns ErrSlotTaken when the
	// (date, time) slot already holds a confirmed row; under concurrent
	// inserts for the same slot exactly one caller succeeds.
	CreateAppointment(ctx context.Context, appt *Appointment) error

	// BookedLabels returns the slot labels holding a confirmed appointment
	// on the ISO date, in catalog order.
	BookedLabels(ctx context.Context, date string) ([]string, error)

	// AvailableLabels returns the bookable labels remaining on the ISO date
	// in natural time order. Weekends yield an empty list. The result is
	// never nil.
	AvailableLabels(ctx context.Context, date string) ([]string, error)

	// AppointmentByConfirmation retrieves an appointment by its confirmation
	// number. Returns (nil, nil) if not found.
	AppointmentByConfirmation(ctx context.Context, confirmation string) (*Appointment, error)

	// AppointmentsOn returns every appointment on the ISO date regardless of
	// status, in slot order.
	AppointmentsOn(ctx context.Context, date string) ([]Appointment, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
}
