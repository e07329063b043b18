package dialogue

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// SkipKeyword is the reply that declines the current question.
const SkipKeyword = "N/A"

// MaxColleges is the number of school names the college slot keeps.
const MaxColleges = 3

// Params holds the parameters resolved by the NLU service, keyed by the
// agent's parameter names (major, region1, price-min, sat-max, ...).
type Params map[string]any

// Fill is the normalized value for one slot, ready to be stored with
// Session.Apply.
type Fill struct {
	Slot     Slot
	Skipped  bool
	Major    string
	Region   int
	Range    Range
	Score    ScoreType
	Colleges []string

	// Unmapped reports a major that matched no known category and was kept
	// as typed.
	Unmapped bool
}

// IsSkip reports whether text is the skip keyword.
func IsSkip(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), SkipKeyword)
}

// Normalize turns the NLU parameters for slot into a storable value. The
// boolean is false when the parameters do not carry a usable value, in which
// case the slot stays unset and the user is asked again. The skip keyword
// produces a skipped fill whatever the parameters hold.
func Normalize(slot Slot, params Params, text string) (Fill, bool) {
	return defaultMappers.Normalize(slot, params, text)
}

// Normalize is Normalize with an explicit set of mappers.
func (m *Mappers) Normalize(slot Slot, params Params, text string) (Fill, bool) {
	if IsSkip(text) {
		return Fill{Slot: slot, Skipped: true}, true
	}

	f := Fill{Slot: slot}
	switch slot {
	case SlotMajor:
		raw := params.text("major")
		if raw == "" {
			return f, false
		}
		if key, ok := m.Major(raw); ok {
			f.Major = key
		} else {
			f.Major = raw
			f.Unmapped = true
		}
		return f, true

	case SlotLocation:
		for _, key := range []string{"region1", "location", "geo-state-us", "geo-city-us"} {
			raw := params.text(key)
			if raw == "" {
				continue
			}
			if code, ok := m.Region(raw); ok {
				f.Region = code
				return f, true
			}
		}
		return f, false

	case SlotPrice:
		r, ok := params.rangeOf("price-min", "price-max")
		f.Range = r
		return f, ok

	case SlotSalary:
		r, ok := params.rangeOf("salary-min", "salary-max")
		f.Range = r
		return f, ok

	case SlotScore:
		sat := params.present("sat-min") && params.present("sat-max")
		act := params.present("act-min") && params.present("act-max")
		if sat == act {
			return f, false
		}
		f.Score = ScoreACT
		lo, hi := "act-min", "act-max"
		if sat {
			f.Score = ScoreSAT
			lo, hi = "sat-min", "sat-max"
		}
		r, ok := params.rangeOf(lo, hi)
		f.Range = r
		return f, ok

	case SlotCollege:
		f.Colleges = params.list("college", MaxColleges)
		return f, len(f.Colleges) > 0
	}
	return f, false
}

// text returns the parameter as trimmed text. Lists yield their first
// non-empty entry.
func (p Params) text(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func (p Params) present(key string) bool {
	switch v := p[key].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case map[string]any:
		return v["amount"] != nil
	default:
		return true
	}
}

func (p Params) list(key string, limit int) []string {
	var raw []string
	switch v := p[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := make([]string, 0, limit)
	for _, s := range raw {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// rangeOf extracts both bounds. Either bound may be a plain number, a numeric
// string, or an {amount} object. Reversed bounds are swapped.
func (p Params) rangeOf(minKey, maxKey string) (Range, bool) {
	lo, ok := amount(p[minKey])
	if !ok {
		return Range{}, false
	}
	hi, ok := amount(p[maxKey])
	if !ok {
		return Range{}, false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return Range{Min: lo, Max: hi}, true
}

var numberCleaner = strings.NewReplacer(",", "", "$", "", " ", "")

func amount(v any) (int, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		s := numberCleaner.Replace(strings.TrimSpace(x))
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = n
	case map[string]any:
		return amount(x["amount"])
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
