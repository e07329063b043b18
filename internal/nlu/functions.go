package nlu

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
)

// clarifyFunction is offered in every context. The model calls it when the
// message does not answer the current question.
const clarifyFunction = "clarify"

// contextFunctions maps each dialogue context to the function that answers
// it.
var contextFunctions = map[string]string{
	dialogue.SlotMajor.Context():    "set_major",
	dialogue.SlotLocation.Context(): "set_location",
	dialogue.SlotPrice.Context():    "set_price",
	dialogue.SlotScore.Context():    "set_score",
	dialogue.SlotCollege.Context():  "set_college",
	dialogue.SlotSalary.Context():   "set_salary",
}

// requiredArgs lists the arguments a call needs to complete its action. A
// score needs either full pair, which is checked separately.
var requiredArgs = map[string][]string{
	"set_major":    {"major"},
	"set_location": {"location"},
	"set_price":    {"price_min", "price_max"},
	"set_college":  {"college"},
	"set_salary":   {"salary_min", "salary_max"},
}

func number(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeNumber, Description: desc}
}

func text(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc}
}

// BuildFunctions returns every function declaration, keyed by name.
func BuildFunctions() map[string]*genai.FunctionDeclaration {
	decls := []*genai.FunctionDeclaration{
		{
			Name:        "set_major",
			Description: "Record the field of study the student wants to pursue.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"major": text("The major or field of study as the student named it, e.g. \"computer science\", \"nursing\", \"business\"."),
				},
				Required: []string{"major"},
			},
		},
		{
			Name:        "set_location",
			Description: "Record where in the United States the student wants to study.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"location": text("A U.S. state, state abbreviation, city or region, e.g. \"California\", \"TX\", \"Boston\", \"New England\"."),
				},
				Required: []string{"location"},
			},
		},
		{
			Name:        "set_price",
			Description: "Record the yearly cost of attendance range in US dollars.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"price_min": number("Lowest yearly cost in dollars. 15k means 15000."),
					"price_max": number("Highest yearly cost in dollars."),
				},
				Required: []string{"price_min", "price_max"},
			},
		},
		{
			Name:        "set_score",
			Description: "Record the student's test score range. Fill exactly one pair: SAT (400-1600) or ACT (1-36).",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"sat_min": number("Lowest SAT score of the range."),
					"sat_max": number("Highest SAT score of the range."),
					"act_min": number("Lowest ACT score of the range."),
					"act_max": number("Highest ACT score of the range."),
				},
			},
		},
		{
			Name:        "set_college",
			Description: "Record up to three colleges the student already likes.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"college": {
						Type:        genai.TypeArray,
						Description: "Full official college names, e.g. \"Stanford University\".",
						Items:       &genai.Schema{Type: genai.TypeString},
					},
				},
				Required: []string{"college"},
			},
		},
		{
			Name:        "set_salary",
			Description: "Record the yearly salary range the student hopes to earn after graduating, in US dollars.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"salary_min": number("Lowest yearly salary in dollars."),
					"salary_max": number("Highest yearly salary in dollars."),
				},
				Required: []string{"salary_min", "salary_max"},
			},
		},
		{
			Name:        clarifyFunction,
			Description: "Use when the message does not answer the question, or a required value is missing.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"message": text("One short sentence asking for what is missing."),
				},
				Required: []string{"message"},
			},
		},
	}

	out := make(map[string]*genai.FunctionDeclaration, len(decls))
	for _, d := range decls {
		out[d.Name] = d
	}
	return out
}

// functionsFor returns the functions offered in a dialogue context.
func functionsFor(all map[string]*genai.FunctionDeclaration, context string) ([]*genai.FunctionDeclaration, error) {
	name, ok := contextFunctions[context]
	if !ok {
		return nil, fmt.Errorf("no function for context %q", context)
	}
	return []*genai.FunctionDeclaration{all[name], all[clarifyFunction]}, nil
}

// resultFromCall converts a function call into a Result. Argument names use
// underscores; parameters use the hyphenated names the normalizer reads.
func resultFromCall(context, name string, args map[string]any) (*Result, error) {
	if name == clarifyFunction {
		msg, _ := args["message"].(string)
		return &Result{
			UnknownIntent: true,
			Fulfillment:   strings.TrimSpace(msg),
			FunctionName:  name,
		}, nil
	}

	want, ok := contextFunctions[context]
	if !ok || name != want {
		return nil, fmt.Errorf("unexpected function %q in context %q", name, context)
	}

	params := make(dialogue.Params, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		params[strings.ReplaceAll(k, "_", "-")] = v
	}

	return &Result{
		Parameters:     params,
		ActionComplete: complete(name, args),
		FunctionName:   name,
	}, nil
}

func complete(name string, args map[string]any) bool {
	if name == "set_score" {
		return (has(args, "sat_min") && has(args, "sat_max")) || (has(args, "act_min") && has(args, "act_max"))
	}
	for _, k := range requiredArgs[name] {
		if !has(args, k) {
			return false
		}
	}
	return true
}

func has(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	default:
		return true
	}
}
