package dialogue

// Slot names one piece of information the conversation collects.
type Slot string

const (
	SlotMajor    Slot = "major"
	SlotLocation Slot = "location"
	SlotPrice    Slot = "price"
	SlotScore    Slot = "score"
	SlotCollege  Slot = "college"
	SlotSalary   Slot = "salary"

	// Done marks a session with no slot left to collect.
	Done Slot = "done"
)

// NLU grammar contexts, one per slot.
var contexts = map[Slot]string{
	SlotMajor:    "add-major",
	SlotLocation: "add-location",
	SlotPrice:    "add-price",
	SlotScore:    "add-SAT-or-ACT",
	SlotCollege:  "add-college",
	SlotSalary:   "add-salary",
	Done:         "done",
}

// Context returns the NLU context name that resumes this slot.
func (s Slot) Context() string {
	return contexts[s]
}

// ParseSlot accepts a slot name or an NLU context name.
func ParseSlot(v string) (Slot, bool) {
	for slot, ctx := range contexts {
		if v == string(slot) || v == ctx {
			return slot, true
		}
	}
	return "", false
}

const completionPrompt = "You are done"

var prompts = map[Slot]string{
	SlotMajor:    "What major are you interested in pursuing?",
	SlotLocation: "Where in the U.S would you like to study (city or state)?",
	SlotPrice:    "What is your price range for college tuition per year? (min-max )",
	SlotCollege:  "What are three colleges that you might be interested in already?",
	SlotScore:    "Now, can you tell me your highest score range on either the SAT (+/- 250) or ACT (+/- 5)?",
	SlotSalary:   "Considering the major you told me, what would be your ideal projected salary range?",
}

// PromptFor returns the question asked for slot. Done and unknown slots map to
// the completion sentence.
func PromptFor(slot Slot) string {
	if p, ok := prompts[slot]; ok {
		return p
	}
	return completionPrompt
}

// Machine walks a session through a fixed slot order.
type Machine struct {
	order []Slot
}

// NewMachine returns the school-search slot sequence. The college slot is
// optional and sits between score and salary when enabled.
func NewMachine(includeCollege bool) *Machine {
	order := []Slot{SlotMajor, SlotLocation, SlotPrice, SlotScore}
	if includeCollege {
		order = append(order, SlotCollege)
	}
	order = append(order, SlotSalary)
	return &Machine{order: order}
}

// Order returns a copy of the slot sequence.
func (m *Machine) Order() []Slot {
	out := make([]Slot, len(m.order))
	copy(out, m.order)
	return out
}

// NextSlot returns the first unset slot, or Done when the session is completed
// or every slot has a value. Skipped slots count as filled.
func (m *Machine) NextSlot(s *Session) Slot {
	if s.Completed {
		return Done
	}
	for _, slot := range m.order {
		if !isSet(s, slot) {
			return slot
		}
	}
	return Done
}

// Start clears every slot and positions the session on the first one.
func (m *Machine) Start(s *Session) {
	s.Slots = Slots{}
	s.Completed = false
	s.CurrentContext = m.order[0]
}

// Advance moves CurrentContext to the next unset slot and marks the session
// completed once none remains.
func (m *Machine) Advance(s *Session) Slot {
	next := m.NextSlot(s)
	s.CurrentContext = next
	if next == Done {
		s.Completed = true
	}
	return next
}

func isSet(s *Session, slot Slot) bool {
	switch slot {
	case SlotMajor:
		v := s.Slots.Major
		return v != nil && (v.Skipped || v.Val != "")
	case SlotLocation:
		return s.Slots.Location != nil
	case SlotPrice:
		return s.Slots.Price != nil
	case SlotScore:
		return s.Slots.Score != nil
	case SlotSalary:
		return s.Slots.Salary != nil
	case SlotCollege:
		v := s.Slots.College
		return v != nil && (v.Skipped || len(v.Val) > 0)
	default:
		return true
	}
}
