// Package dialogue implements the school-search conversation: the fixed slot
// sequence, the normalization of NLU parameters into slot values, and the
// session record that a conversation mutates turn by turn.
package dialogue

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
)

// ScoreType identifies which standardized test a score range refers to.
type ScoreType string

const (
	ScoreSAT ScoreType = "sat"
	ScoreACT ScoreType = "act"
)

// Value is a stored slot value. A nil *Value means the slot is unset;
// Skipped means the user explicitly declined to answer it.
type Value[T any] struct {
	Val     T    `json:"value,omitempty"`
	Skipped bool `json:"skipped,omitempty"`
}

// Range is an inclusive numeric range.
type Range struct {
	Min int `json:"min" validate:"gte=0"`
	Max int `json:"max" validate:"gtefield=Min"`
}

// Score is a test score range together with the test it belongs to.
type Score struct {
	Type ScoreType `json:"type" validate:"omitempty,oneof=sat act"`
	Min  int       `json:"min" validate:"gte=0"`
	Max  int       `json:"max" validate:"gtefield=Min"`
}

// Slots holds one optional value per slot of the conversation.
type Slots struct {
	Major    *Value[string]   `json:"major,omitempty"`
	Location *Value[int]      `json:"location,omitempty"`
	Price    *Value[Range]    `json:"price,omitempty"`
	Score    *Value[Score]    `json:"score,omitempty"`
	Salary   *Value[Range]    `json:"salary,omitempty"`
	College  *Value[[]string] `json:"college,omitempty"`
}

// Session is the per-user conversation record.
type Session struct {
	Identity       string    `json:"identity" validate:"required"`
	Slots          Slots     `json:"slots"`
	CurrentContext Slot      `json:"current_context" validate:"required"`
	Completed      bool      `json:"completed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewSession returns an empty session for identity positioned on the first slot.
func NewSession(identity string, m *Machine) *Session {
	s := &Session{Identity: identity}
	m.Start(s)
	return s
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the stored values against the session invariants. Every
// failure matches errors.ErrInvalidInput.
func (s *Session) Validate() error {
	if s == nil {
		return domerrors.NewValidationError("session", "nil session")
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("session %s: %w: %w", s.Identity, domerrors.ErrInvalidInput, err)
	}

	var errs []error
	if _, ok := ParseSlot(string(s.CurrentContext)); !ok {
		errs = append(errs, domerrors.NewValidationError("current_context", fmt.Sprintf("unknown context %q", s.CurrentContext)))
	}
	if s.Completed != (s.CurrentContext == Done) {
		errs = append(errs, domerrors.NewValidationError("completed", fmt.Sprintf("completed=%t with context %q", s.Completed, s.CurrentContext)))
	}
	if loc := s.Slots.Location; loc != nil && !loc.Skipped {
		if err := validate.Var(loc.Val, "gte=0,lte=9"); err != nil {
			errs = append(errs, domerrors.NewValidationError("location", err.Error()))
		}
	}
	if sc := s.Slots.Score; sc != nil {
		switch {
		case sc.Skipped && sc.Val.Type != "":
			errs = append(errs, domerrors.NewValidationError("score", "type set on a skipped score"))
		case !sc.Skipped && sc.Val.Type == "":
			errs = append(errs, domerrors.NewValidationError("score", "type missing on a filled score"))
		}
	}
	if c := s.Slots.College; c != nil && !c.Skipped {
		if err := validate.Var(c.Val, "max=3,dive,required"); err != nil {
			errs = append(errs, domerrors.NewValidationError("college", err.Error()))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("session %s: %w", s.Identity, errors.Join(errs...))
	}
	return nil
}

// Apply stores a normalized fill on the slot it belongs to.
func (s *Session) Apply(f Fill) {
	switch f.Slot {
	case SlotMajor:
		s.Slots.Major = newValue(f.Major, f.Skipped)
	case SlotLocation:
		s.Slots.Location = newValue(f.Region, f.Skipped)
	case SlotPrice:
		s.Slots.Price = newValue(f.Range, f.Skipped)
	case SlotSalary:
		s.Slots.Salary = newValue(f.Range, f.Skipped)
	case SlotScore:
		s.Slots.Score = newValue(Score{Type: f.Score, Min: f.Range.Min, Max: f.Range.Max}, f.Skipped)
	case SlotCollege:
		s.Slots.College = newValue(f.Colleges, f.Skipped)
	}
}

func newValue[T any](v T, skipped bool) *Value[T] {
	if skipped {
		return &Value[T]{Skipped: true}
	}
	return &Value[T]{Val: v}
}

// Colleges returns the school names the user supplied, if any.
func (s *Session) Colleges() []string {
	if c := s.Slots.College; c != nil && !c.Skipped {
		return c.Val
	}
	return nil
}
