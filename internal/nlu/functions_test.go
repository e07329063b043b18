package nlu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
)

func TestBuildFunctionsCoverEveryContext(t *testing.T) {
	t.Parallel()
	funcs := BuildFunctions()

	for _, slot := range dialogue.NewMachine(true).Order() {
		decls, err := functionsFor(funcs, slot.Context())
		require.NoError(t, err, slot)
		require.Len(t, decls, 2)
		assert.NotNil(t, decls[0], slot)
		assert.Equal(t, clarifyFunction, decls[1].Name)
	}

	_, err := functionsFor(funcs, dialogue.Done.Context())
	assert.Error(t, err)
}

func TestResultFromCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		context  string
		function string
		args     map[string]any
		complete bool
		unknown  bool
		wantErr  bool
	}{
		{"price", "add-price", "set_price", map[string]any{"price_min": 1.0, "price_max": 2.0}, true, false, false},
		{"price missing bound", "add-price", "set_price", map[string]any{"price_min": 1.0}, false, false, false},
		{"sat pair", "add-SAT-or-ACT", "set_score", map[string]any{"sat_min": 1200.0, "sat_max": 1400.0}, true, false, false},
		{"half pairs", "add-SAT-or-ACT", "set_score", map[string]any{"sat_min": 1200.0, "act_max": 30.0}, false, false, false},
		{"empty major", "add-major", "set_major", map[string]any{"major": " "}, false, false, false},
		{"empty college list", "add-college", "set_college", map[string]any{"college": []any{}}, false, false, false},
		{"clarify", "add-major", "clarify", map[string]any{"message": "Which major?"}, false, true, false},
		{"wrong function", "add-major", "set_price", map[string]any{}, false, false, true},
		{"unknown context", "done", "set_major", map[string]any{}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := resultFromCall(tt.context, tt.function, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.complete, r.ActionComplete)
			assert.Equal(t, tt.unknown, r.UnknownIntent)
			assert.Equal(t, tt.function, r.FunctionName)
		})
	}
}

func TestResultFromCallHyphenatesKeys(t *testing.T) {
	t.Parallel()
	r, err := resultFromCall("add-salary", "set_salary", map[string]any{"salary_min": 50000.0, "salary_max": 70000.0})
	require.NoError(t, err)

	fill, ok := dialogue.Normalize(dialogue.SlotSalary, r.Parameters, "50k-70k")
	require.True(t, ok)
	assert.Equal(t, dialogue.Range{Min: 50000, Max: 70000}, fill.Range)
}

func TestSystemPromptNamesFunction(t *testing.T) {
	t.Parallel()
	p := systemPrompt("add-location")
	assert.Contains(t, p, "set_location")
	assert.Contains(t, p, dialogue.PromptFor(dialogue.SlotLocation))
}

func TestJSONSchemaLowercasesTypes(t *testing.T) {
	t.Parallel()
	schema := jsonSchema(BuildFunctions()["set_college"].Parameters)

	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	college := props["college"].(map[string]any)
	assert.Equal(t, "array", college["type"])
	assert.Equal(t, "string", college["items"].(map[string]any)["type"])
	assert.Equal(t, []string{"college"}, schema["required"])

	for _, fd := range BuildFunctions() {
		s := jsonSchema(fd.Parameters)
		assert.Equal(t, strings.ToLower(string(genai.TypeObject)), s["type"], fd.Name)
	}
}
