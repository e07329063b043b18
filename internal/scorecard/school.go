package scorecard

import (
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// MaxCards caps the number of result cards shown to a user.
const MaxCards = 8

// profileURL is the public Scorecard page for a school id, used when the
// school lists no website of its own.
const profileURL = "https://collegescorecard.ed.gov/school/?"

// School is one search result.
type School struct {
	ID                 int
	Name               string
	City               string
	State              string
	Zip                string
	URL                string
	PriceCalculatorURL string
}

// Card is a presentation-neutral search result: a title, a location line and
// up to two links.
type Card struct {
	ID            int
	Title         string
	Subtitle      string
	PrimaryLink   string
	SecondaryLink string
}

// FormatResults turns the first max results into cards. Within that window,
// results without a name or a price calculator link are dropped, so fewer
// than max cards may come back. A non-positive max means MaxCards.
func FormatResults(results []School, max int) []Card {
	if max <= 0 {
		max = MaxCards
	}
	if len(results) > max {
		results = results[:max]
	}
	shown := lo.Filter(results, func(s School, _ int) bool {
		return strings.TrimSpace(s.Name) != "" && strings.TrimSpace(s.PriceCalculatorURL) != ""
	})
	return lo.Map(shown, func(s School, _ int) Card {
		return s.Card()
	})
}

// Card renders the school as a result card.
func (s School) Card() Card {
	primary := withScheme(s.URL)
	if primary == "" {
		primary = profileURL + strconv.Itoa(s.ID)
	}
	return Card{
		ID:            s.ID,
		Title:         strings.TrimSpace(s.Name),
		Subtitle:      s.Location(),
		PrimaryLink:   primary,
		SecondaryLink: withScheme(s.PriceCalculatorURL),
	}
}

// Location formats "City, ST 12345", leaving out whatever is missing.
func (s School) Location() string {
	city := strings.TrimSpace(s.City)
	tail := strings.TrimSpace(strings.TrimSpace(s.State) + " " + strings.TrimSpace(s.Zip))
	switch {
	case city == "":
		return tail
	case tail == "":
		return city
	default:
		return city + ", " + tail
	}
}

// Without returns results minus the schools already in shown, matched by id.
func Without(results, shown []School) []School {
	ids := lo.SliceToMap(shown, func(s School) (int, struct{}) { return s.ID, struct{}{} })
	return lo.Reject(results, func(s School, _ int) bool {
		_, ok := ids[s.ID]
		return ok
	})
}

// Scorecard stores school_url and price_calculator_url mostly without a scheme.
func withScheme(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	lower := strings.ToLower(link)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return link
	}
	return "https://" + link
}
