package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/voxline/internal/booking"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/realtime"
)

// Scheduling bundles the appointment tools exposed to the model. Handlers are
// stateless; all mutation happens in the booking store.
type Scheduling struct {
	store booking.Store
}

// NewScheduling creates the scheduling tool set backed by store.
func NewScheduling(store booking.Store) *Scheduling {
	return &Scheduling{store: store}
}

// RegisterAll registers every scheduling tool on d.
func (s *Scheduling) RegisterAll(d *Dispatcher) {
	d.Register(Tool{Definition: listSlotsDefinition, Handler: s.listAvailableSlots})
	d.Register(Tool{Definition: createAppointmentDefinition, Handler: s.createAppointment})
}

var listSlotsDefinition = realtime.Tool{
	Name: "list_available_slots",
	Description: "List the open appointment slots on a given date. " +
		"Returns an empty list on Saturdays and Sundays, when the clinic is closed.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"date": map[string]any{
				"type":        "string",
				"description": "Appointment date in YYYY-MM-DD format.",
			},
		},
		"required": []string{"date"},
	},
}

var createAppointmentDefinition = realtime.Tool{
	Name: "create_appointment",
	Description: "Book an appointment in an open slot. Returns a confirmation " +
		"number on success, or slot_taken when someone else just booked the slot.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"customer_name": map[string]any{
				"type":        "string",
				"description": "Full name of the person the appointment is for.",
			},
			"date": map[string]any{
				"type":        "string",
				"description": "Appointment date in YYYY-MM-DD format.",
			},
			"time": map[string]any{
				"type":        "string",
				"description": `Slot label exactly as listed, for example "10:30 AM".`,
			},
			"phone": map[string]any{
				"type":        "string",
				"description": "Callback number. Omit to use the number the caller is calling from.",
			},
		},
		"required": []string{"customer_name", "date", "time"},
	},
}

// slotList is the result shape of list_available_slots. AvailableSlots is
// always a JSON array, never null.
type slotList struct {
	AvailableSlots []string `json:"available_slots"`
}

func (s *Scheduling) listAvailableSlots(ctx context.Context, _ CallInfo, args string) (string, error) {
	var req struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return "", fmt.Errorf("arguments must be a JSON object with a date field")
	}
	if req.Date == "" {
		return "", fmt.Errorf("date is required")
	}
	if _, err := booking.ParseDate(req.Date); err != nil {
		return "", fmt.Errorf("date must be formatted YYYY-MM-DD")
	}

	labels, err := s.store.AvailableLabels(ctx, req.Date)
	if err != nil {
		observe.Logger(ctx).Error("slot lookup failed", "date", req.Date, "err", err)
		return "", fmt.Errorf("could not look up availability, please try again")
	}
	if labels == nil {
		labels = []string{}
	}
	return marshalResult(slotList{AvailableSlots: labels})
}

func (s *Scheduling) createAppointment(ctx context.Context, call CallInfo, args string) (string, error) {
	var req struct {
		CustomerName string `json:"customer_name"`
		Date         string `json:"date"`
		Time         string `json:"time"`
		Phone        string `json:"phone"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return "", fmt.Errorf("arguments must be a JSON object")
	}
	if req.CustomerName == "" {
		return "", fmt.Errorf("customer_name is required")
	}
	if req.Date == "" {
		return "", fmt.Errorf("date is required")
	}
	if req.Time == "" {
		return "", fmt.Errorf("time is required")
	}

	// The model only supplies what the caller dictated; the call identity
	// comes from the stream start frame.
	phone := req.Phone
	if phone == "" {
		phone = call.From
	}

	appt := &booking.Appointment{
		CustomerName: req.CustomerName,
		PhoneNumber:  phone,
		Date:         req.Date,
		Time:         req.Time,
		CallSID:      call.CallSID,
	}

	err := s.store.CreateAppointment(ctx, appt)
	switch {
	case errors.Is(err, booking.ErrSlotTaken):
		return marshalResult(map[string]any{
			"success": false,
			"error":   "slot_taken",
		})
	case err != nil:
		if verr := appt.Validate(); verr != nil {
			return "", fmt.Errorf("the appointment details were not valid: %v", verr)
		}
		observe.Logger(ctx).Error("appointment insert failed",
			"call_sid", call.CallSID,
			"date", req.Date,
			"time", req.Time,
			"err", err,
		)
		return "", fmt.Errorf("could not save the appointment, please try again")
	}

	observe.Logger(ctx).Info("appointment booked",
		"call_sid", call.CallSID,
		"date", appt.Date,
		"time", appt.Time,
		"confirmation", appt.ConfirmationNumber,
	)
	return marshalResult(map[string]any{
		"success":             true,
		"confirmation_number": appt.ConfirmationNumber,
	})
}

// marshalResult encodes a handler result, falling back to a hard error on the
// impossible marshal failure so Execute still returns valid JSON.
func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("could not encode tool result")
	}
	return string(b), nil
}
