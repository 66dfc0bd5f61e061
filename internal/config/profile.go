package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultInstructions is the receptionist persona used when no profile
// supplies its own text. The {clinic} placeholder is replaced with the
// profile's clinic name.
const DefaultInstructions = `You are the phone receptionist for {clinic}. You help callers book appointments.
Speak naturally and keep every answer short: this is a phone call, not a chat.
Always check availability with list_available_slots before offering times, and
only call create_appointment after the caller has confirmed the name, date,
and time. The clinic takes appointments Monday through Friday between 9:00 AM
and 4:30 PM, with no appointments over the lunch hour or on weekends. After a
booking succeeds, read the confirmation number back slowly.`

// defaultClinicName fills the {clinic} placeholder when no profile names the
// business.
const defaultClinicName = "the clinic"

// validVoices lists the voice identifiers the realtime provider documents.
// Unknown names are warned about, not refused, so new voices work without a
// code change.
var validVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// Profile customises the assistant for one deployment. All fields are
// optional; the zero value (and a nil *Profile) yield the default
// receptionist.
type Profile struct {
	// ClinicName is the business name spoken by the assistant.
	ClinicName string `yaml:"clinic_name"`

	// Instructions replaces the built-in persona prompt entirely when set.
	Instructions string `yaml:"instructions"`

	// Voice overrides the configured voice timbre for new calls.
	Voice string `yaml:"voice"`
}

// LoadProfile reads the YAML profile at path and returns a validated
// [Profile].
func LoadProfile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open profile %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadProfileFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", path, err)
	}
	return p, nil
}

// LoadProfileFromReader decodes a YAML profile from r. Unknown keys are
// refused so typos surface at startup instead of silently doing nothing.
func LoadProfileFromReader(r io.Reader) (*Profile, error) {
	p := &Profile{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		if err == io.EOF {
			// An empty file is a valid, all-defaults profile.
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("config: decode profile yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the profile for coherent values. Unknown voices only warn;
// see validVoices.
func (p *Profile) Validate() error {
	if p.Voice != "" && !slices.Contains(validVoices, p.Voice) {
		slog.Warn("unknown voice name, may be a typo or a newly released voice",
			"voice", p.Voice,
			"known", validVoices,
		)
	}
	return nil
}

// EffectiveInstructions returns the persona prompt for a session: the
// profile's own text when present, otherwise the default receptionist prompt
// with the clinic name substituted. Safe on a nil receiver.
func (p *Profile) EffectiveInstructions() string {
	if p != nil && strings.TrimSpace(p.Instructions) != "" {
		return p.Instructions
	}
	clinic := defaultClinicName
	if p != nil && strings.TrimSpace(p.ClinicName) != "" {
		clinic = p.ClinicName
	}
	return strings.ReplaceAll(DefaultInstructions, "{clinic}", clinic)
}

// EffectiveVoice returns the profile's voice override, or fallback when the
// profile does not set one. Safe on a nil receiver.
func (p *Profile) EffectiveVoice(fallback string) string {
	if p != nil && p.Voice != "" {
		return p.Voice
	}
	return fallback
}

// DiffProfiles returns the names of the fields that differ between old and
// new, for reload logging. Either side may be nil.
func DiffProfiles(old, new *Profile) []string {
	if old == nil {
		old = &Profile{}
	}
	if new == nil {
		new = &Profile{}
	}

	var changed []string
	if old.ClinicName != new.ClinicName {
		changed = append(changed, "clinic_name")
	}
	if old.Instructions != new.Instructions {
		changed = append(changed, "instructions")
	}
	if old.Voice != new.Voice {
		changed = append(changed, "voice")
	}
	return changed
}
