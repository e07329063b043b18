// Package scorecard talks to the College Scorecard API: it turns a finished
// conversation into a filtered search query, fetches matching schools, and
// formats them as cards.
package scorecard

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
)

// DefaultBaseURL is the schools endpoint of the College Scorecard API.
const DefaultBaseURL = "https://api.data.gov/ed/collegescorecard/v1/schools?"

// resultFields selects the school fields a card needs.
const resultFields = "id,school.name,school.city,school.state,school.school_url,school.price_calculator_url,school.zip"

// Field paths of the filter clauses.
const (
	fieldProgramPercentage = "2014.academics.program_percentage."
	fieldRegion            = "school.region_id"
	fieldAttendanceCost    = "2014.cost.attendance.academic_year"
	fieldSATAverage        = "2014.admissions.sat_scores.average.overall"
	fieldACTMidpoint       = "2014.admissions.act_scores.midpoint.cumulative"
	fieldEarnings          = "2011.earnings.6_yrs_after_entry.working_not_enrolled.mean_earnings"
	fieldSchoolName        = "school.name"
)

// QueryBuilder builds search URLs against one API endpoint.
type QueryBuilder struct {
	baseURL string
	apiKey  string
}

// NewQueryBuilder returns a builder for baseURL. An empty baseURL selects
// DefaultBaseURL.
func NewQueryBuilder(baseURL, apiKey string) *QueryBuilder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &QueryBuilder{
		baseURL: strings.TrimRight(baseURL, "?&") + "?",
		apiKey:  apiKey,
	}
}

// BuildQuery builds the search URL for a session against DefaultBaseURL.
func BuildQuery(s *dialogue.Session, apiKey string) string {
	return NewQueryBuilder(DefaultBaseURL, apiKey).Build(s)
}

// Build returns the search URL for a session: one filter clause per slot that
// holds a value, then the field selection and the API key. Unset and skipped
// slots contribute nothing, so a session with every slot skipped matches any
// school.
func (b *QueryBuilder) Build(s *dialogue.Session) string {
	var w queryWriter
	slots := s.Slots

	// An unmapped major has no program_percentage field to filter on.
	if v := slots.Major; v != nil && !v.Skipped && dialogue.IsMajorCategory(v.Val) {
		w.add(fieldProgramPercentage + v.Val + "__range=0..1")
	}
	if v := slots.Location; v != nil && !v.Skipped {
		w.add(fieldRegion + "=" + strconv.Itoa(v.Val))
	}
	if v := slots.Price; v != nil && !v.Skipped {
		w.addRange(fieldAttendanceCost, v.Val)
	}
	if v := slots.Score; v != nil && !v.Skipped {
		r := dialogue.Range{Min: v.Val.Min, Max: v.Val.Max}
		switch v.Val.Type {
		case dialogue.ScoreSAT:
			w.addRange(fieldSATAverage, r)
		case dialogue.ScoreACT:
			w.addRange(fieldACTMidpoint, r)
		}
	}
	if v := slots.Salary; v != nil && !v.Skipped {
		w.addRange(fieldEarnings, v.Val)
	}

	return b.finish(&w)
}

// College returns the lookup URL for a school by exact name.
func (b *QueryBuilder) College(name string) string {
	var w queryWriter
	w.add(fieldSchoolName + "=" + url.QueryEscape(strings.TrimSpace(name)))
	return b.finish(&w)
}

func (b *QueryBuilder) finish(w *queryWriter) string {
	w.add("_fields=" + resultFields)
	w.add("api_key=" + url.QueryEscape(b.apiKey))
	return b.baseURL + w.String()
}

// queryWriter joins clauses with '&', never before the first one written.
type queryWriter struct {
	b strings.Builder
}

func (w *queryWriter) add(clause string) {
	if w.b.Len() > 0 {
		w.b.WriteByte('&')
	}
	w.b.WriteString(clause)
}

func (w *queryWriter) addRange(field string, r dialogue.Range) {
	w.add(field + "__range=" + strconv.Itoa(r.Min) + ".." + strconv.Itoa(r.Max))
}

func (w *queryWriter) String() string {
	return w.b.String()
}
