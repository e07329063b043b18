// Command search runs one school search from the command line, answering
// every question of the dialogue from flags instead of a LINE chat.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/allaunyc/college-selection-bot/internal/config"
	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	"github.com/allaunyc/college-selection-bot/internal/logger"
	"github.com/allaunyc/college-selection-bot/internal/nlu"
	"github.com/allaunyc/college-selection-bot/internal/scorecard"
)

var (
	majorFlag    = flag.String("major", dialogue.SkipKeyword, "Intended major")
	locationFlag = flag.String("location", dialogue.SkipKeyword, "City, state or region")
	priceFlag    = flag.String("price", dialogue.SkipKeyword, "Tuition range, e.g. 10000-30000")
	scoreFlag    = flag.String("score", dialogue.SkipKeyword, "SAT or ACT score range, e.g. \"SAT 1200-1400\"")
	collegeFlag  = flag.String("college", "", "Comma-separated schools to look up (enables the college question)")
	salaryFlag   = flag.String("salary", dialogue.SkipKeyword, "Expected salary range, e.g. 50k-90k")
	maxFlag      = flag.Int("max", scorecard.MaxCards, "Maximum result cards")
	dryRunFlag   = flag.Bool("dry-run", false, "Print the query URL without calling the API")
	timeoutFlag  = flag.Duration("timeout", 30*time.Second, "Overall timeout")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	log := logger.New(os.Getenv(config.EnvLogLevel)).WithModule("search")

	answers := map[dialogue.Slot]string{
		dialogue.SlotMajor:    *majorFlag,
		dialogue.SlotLocation: *locationFlag,
		dialogue.SlotPrice:    *priceFlag,
		dialogue.SlotScore:    *scoreFlag,
		dialogue.SlotCollege:  *collegeFlag,
		dialogue.SlotSalary:   *salaryFlag,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	machine := dialogue.NewMachine(strings.TrimSpace(*collegeFlag) != "")
	s, err := collect(ctx, nlu.NewPatternParser(), dialogue.NewMappers(), machine, answers)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	apiKey := os.Getenv(config.EnvScorecardAPIKey)
	client := scorecard.NewClient(scorecard.ClientConfig{
		BaseURL: os.Getenv(config.EnvScorecardBaseURL),
		APIKey:  apiKey,
		Logger:  log,
	})

	if *dryRunFlag {
		query := client.Builder().Build(s)
		if apiKey != "" {
			query = strings.ReplaceAll(query, apiKey, "REDACTED")
		}
		fmt.Println(query)
		return
	}
	if apiKey == "" {
		_, _ = fmt.Fprintf(os.Stderr, "%s is not set\n", config.EnvScorecardAPIKey)
		os.Exit(1)
	}

	if names := s.Colleges(); len(names) > 0 {
		fmt.Println("Schools you named:")
		printCards(os.Stdout, scorecard.FormatResults(client.LookupColleges(ctx, names), len(names)))
		fmt.Println()
	}

	results, err := client.Search(ctx, s)
	if err != nil {
		log.WithError(err).Error("Search failed")
		os.Exit(1)
	}
	cards := scorecard.FormatResults(results, *maxFlag)
	if len(cards) == 0 {
		fmt.Println("No schools matched.")
		return
	}
	fmt.Printf("Found %d schools, showing %d:\n", len(results), len(cards))
	printCards(os.Stdout, cards)
}

// collect answers every slot of machine in order and returns the completed
// session. An answer the parser cannot resolve is an error naming the slot.
func collect(ctx context.Context, parser nlu.Parser, mappers *dialogue.Mappers, machine *dialogue.Machine, answers map[dialogue.Slot]string) (*dialogue.Session, error) {
	s := dialogue.NewSession("cli", machine)

	for slot := s.CurrentContext; slot != dialogue.Done; slot = machine.Advance(s) {
		text := strings.TrimSpace(answers[slot])
		if text == "" || dialogue.IsSkip(text) {
			s.Apply(dialogue.Fill{Slot: slot, Skipped: true})
			continue
		}

		res, err := parser.Parse(ctx, nlu.Request{Text: text, SessionID: s.Identity, Context: slot.Context()})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", slot, err)
		}
		if res.UnknownIntent || !res.ActionComplete {
			return nil, fmt.Errorf("%s: could not understand %q", slot, text)
		}
		fill, ok := mappers.Normalize(slot, res.Parameters, text)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a usable answer", slot, text)
		}
		s.Apply(fill)
	}

	return s, nil
}

func printCards(w io.Writer, cards []scorecard.Card) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSCHOOL\tLOCATION\tWEBSITE")
	for _, c := range cards {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.ID, c.Title, c.Subtitle, c.PrimaryLink)
	}
	_ = tw.Flush()
}
