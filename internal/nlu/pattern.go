package nlu

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
)

// Score tolerances used when a single score is given, matching the prompt
// "SAT (+/- 250) or ACT (+/- 5)".
const (
	satTolerance = 250
	actTolerance = 5
	maxACT       = 36
)

var (
	// amounts: 45000, 45,000, $45k, 1.5m
	amountRe    = regexp.MustCompile(`(?i)\$?\s*(\d{1,3}(?:,\d{3})+|\d+(?:\.\d+)?)\s*([km])?\b`)
	toleranceRe = regexp.MustCompile(`(\d+)\s*(?:\+/-|±|\+-)\s*(\d+)`)
	satRe       = regexp.MustCompile(`(?i)\bsat\b`)
	actRe       = regexp.MustCompile(`(?i)\bact\b`)
	listSplitRe = regexp.MustCompile(`\s*[,;\n]\s*`)
)

// PatternParser resolves utterances with local rules. It needs no network and
// never fails, so it ends every provider chain.
type PatternParser struct{}

// NewPatternParser returns a rule-based parser.
func NewPatternParser() *PatternParser {
	return &PatternParser{}
}

// Parse extracts the parameters of the context's slot from the text itself.
func (p *PatternParser) Parse(_ context.Context, req Request) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	name, ok := contextFunctions[req.Context]
	if !ok {
		return &Result{UnknownIntent: true}, nil
	}
	if text == "" {
		return &Result{FunctionName: name}, nil
	}

	args := map[string]any{}
	switch name {
	case "set_major":
		args["major"] = text
	case "set_location":
		args["location"] = text
	case "set_price":
		setRange(args, "price", amounts(text))
	case "set_salary":
		setRange(args, "salary", amounts(text))
	case "set_score":
		scoreArgs(args, text)
	case "set_college":
		if colleges := splitList(text); len(colleges) > 0 {
			args["college"] = colleges
		}
	}

	result, err := resultFromCall(req.Context, name, args)
	if err != nil {
		return nil, fmt.Errorf("pattern parse: %w", err)
	}
	return result, nil
}

func (p *PatternParser) Provider() Provider {
	return ProviderPattern
}

func (p *PatternParser) Close() error {
	return nil
}

// amounts returns every dollar amount in text, expanding k and m suffixes.
func amounts(text string) []float64 {
	var out []float64
	for _, m := range amountRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "k":
			n *= 1_000
		case "m":
			n *= 1_000_000
		}
		out = append(out, n)
	}
	return out
}

// setRange stores the first two values as the range bounds. A single value
// is not a range and leaves the action incomplete.
func setRange(args map[string]any, prefix string, values []float64) {
	if len(values) < 2 {
		return
	}
	args[prefix+"_min"] = values[0]
	args[prefix+"_max"] = values[1]
}

// scoreArgs reads "1200-1400 SAT", "ACT 30", "1300 +/- 100". Without an
// explicit marker, scores up to 36 are taken as ACT.
func scoreArgs(args map[string]any, text string) {
	var lo, hi float64
	if m := toleranceRe.FindStringSubmatch(text); m != nil {
		center, _ := strconv.ParseFloat(m[1], 64)
		delta, _ := strconv.ParseFloat(m[2], 64)
		lo, hi = center-delta, center+delta
	} else {
		values := amounts(text)
		switch len(values) {
		case 0:
			return
		case 1:
			lo, hi = values[0], values[0]
		default:
			lo, hi = values[0], values[1]
		}
	}

	isSAT := satRe.MatchString(text)
	isACT := actRe.MatchString(text)
	if isSAT == isACT {
		isACT = hi <= maxACT
		isSAT = !isACT
	}

	prefix, tol := "sat", float64(satTolerance)
	if isACT {
		prefix, tol = "act", actTolerance
	}
	if lo == hi {
		lo, hi = lo-tol, hi+tol
	}
	if lo < 0 {
		lo = 0
	}
	args[prefix+"_min"] = lo
	args[prefix+"_max"] = hi
}

func splitList(text string) []string {
	var out []string
	for _, part := range listSplitRe.Split(text, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
		if len(out) == dialogue.MaxColleges {
			break
		}
	}
	return out
}
