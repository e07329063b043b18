package nlu

import (
	"fmt"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
)

const systemPromptTemplate = `You help a high-school student search for U.S. colleges.
The student was just asked: %q
Read the student's reply and call %s with the values it contains.

Rules:
- Only use values the student actually gave. Never invent a value.
- Amounts are plain numbers in US dollars ("15k" is 15000, "$45,000" is 45000).
- A single value with a tolerance ("1300 +/- 100") is a range from 1200 to 1400.
- If the reply does not answer the question or a required value is missing,
  call clarify with one short, friendly sentence asking for it.`

// systemPrompt returns the instruction for one dialogue context.
func systemPrompt(context string) string {
	slot, ok := dialogue.ParseSlot(context)
	if !ok {
		slot = dialogue.Done
	}
	return fmt.Sprintf(systemPromptTemplate, dialogue.PromptFor(slot), contextFunctions[context])
}
