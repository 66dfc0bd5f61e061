package booking

import (
	"strings"
	"testing"
)

func TestSlotLabels(t *testing.T) {
	t.Parallel()

	labels := SlotLabels()

	want := []string{
		"9:00 AM", "9:30 AM", "10:00 AM", "10:30 AM", "11:00 AM", "11:30 AM",
		"1:00 PM", "1:30 PM", "2:00 PM", "2:30 PM", "3:00 PM", "3:30 PM",
		"4:00 PM", "4:30 PM",
	}
	if len(labels) != len(want) {
		t.Fatalf("SlotLabels() returned %d labels, want %d: %v", len(labels), len(want), labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("labels[%d] = %q, want %q", i, labels[i], want[i])
		}
	}
}

func TestSlotLabels_ExcludesLunch(t *testing.T) {
	t.Parallel()

	for _, label := range SlotLabels() {
		if label == "12:00 PM" || label == "12:30 PM" {
			t.Errorf("catalog contains lunch slot %q", label)
		}
	}
}

func TestSlotLabels_ReturnsCopy(t *testing.T) {
	t.Parallel()

	first := SlotLabels()
	first[0] = "mutated"
	if got := SlotLabels()[0]; got != "9:00 AM" {
		t.Errorf("catalog mutated through returned slice: first label = %q", got)
	}
}

func TestMinuteLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		minute int
		want   string
	}{
		{0, "12:00 AM"},
		{540, "9:00 AM"},
		{690, "11:30 AM"},
		{720, "12:00 PM"},
		{750, "12:30 PM"},
		{780, "1:00 PM"},
		{990, "4:30 PM"},
	}
	for _, tt := range tests {
		if got := minuteLabel(tt.minute); got != tt.want {
			t.Errorf("minuteLabel(%d) = %q, want %q", tt.minute, got, tt.want)
		}
	}
}

func TestIsSlotLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  bool
	}{
		{"9:00 AM", true},
		{"10:30 AM", true},
		{"4:30 PM", true},
		{"12:00 PM", false},
		{"12:30 PM", false},
		{"5:00 PM", false},
		{"9:00AM", false},
		{"09:00 AM", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSlotLabel(tt.label); got != tt.want {
			t.Errorf("IsSlotLabel(%q) = %v, want %v", tt.label, got, tt.want)
		}
	}
}

func TestIsWeekend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		date    string
		want    bool
		wantErr bool
	}{
		{"2026-02-09", false, false}, // Monday
		{"2026-02-10", false, false}, // Tuesday
		{"2026-02-13", false, false}, // Friday
		{"2026-02-14", true, false},  // Saturday
		{"2026-02-15", true, false},  // Sunday
		{"02/10/2026", false, true},
		{"2026-13-40", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		got, err := IsWeekend(tt.date)
		if tt.wantErr {
			if err == nil {
				t.Errorf("IsWeekend(%q) expected error, got nil", tt.date)
			}
			continue
		}
		if err != nil {
			t.Errorf("IsWeekend(%q) unexpected error: %v", tt.date, err)
			continue
		}
		if got != tt.want {
			t.Errorf("IsWeekend(%q) = %v, want %v", tt.date, got, tt.want)
		}
	}
}

func TestAppointment_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		appt    Appointment
		wantErr []string // substrings that must appear in the error
	}{
		{
			name: "valid",
			appt: Appointment{
				CustomerName: "Alice",
				PhoneNumber:  "+15550100",
				Date:         "2026-02-10",
				Time:         "10:30 AM",
			},
		},
		{
			name: "valid without phone",
			appt: Appointment{
				CustomerName: "Bob",
				Date:         "2026-02-11",
				Time:         "9:00 AM",
			},
		},
		{
			name: "empty name",
			appt: Appointment{
				Date: "2026-02-10",
				Time: "9:00 AM",
			},
			wantErr: []string{"customer name must not be empty"},
		},
		{
			name: "malformed date",
			appt: Appointment{
				CustomerName: "Alice",
				Date:         "Feb 10 2026",
				Time:         "9:00 AM",
			},
			wantErr: []string{"date must be YYYY-MM-DD"},
		},
		{
			name: "weekend date",
			appt: Appointment{
				CustomerName: "Alice",
				Date:         "2026-02-14",
				Time:         "9:00 AM",
			},
			wantErr: []string{"falls on a weekend"},
		},
		{
			name: "lunch slot",
			appt: Appointment{
				CustomerName: "Alice",
				Date:         "2026-02-10",
				Time:         "12:00 PM",
			},
			wantErr: []string{"bookable slot label"},
		},
		{
			name: "unknown slot",
			appt: Appointment{
				CustomerName: "Alice",
				Date:         "2026-02-10",
				Time:         "5:15 PM",
			},
			wantErr: []string{"bookable slot label"},
		},
		{
			name: "multiple errors",
			appt: Appointment{
				Date: "tomorrow",
				Time: "noon",
			},
			wantErr: []string{
				"customer name must not be empty",
				"date must be YYYY-MM-DD",
				"bookable slot label",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.appt.Validate()

			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}

			errStr := err.Error()
			for _, want := range tt.wantErr {
				if !strings.Contains(errStr, want) {
					t.Errorf("Validate() error = %q, want substring %q", errStr, want)
				}
			}
		})
	}
}
