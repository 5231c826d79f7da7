package storygen

import "strings"

const narratorPrompt = `You are the narrator of a collaborative text adventure. Players take turns
submitting actions and you continue the story in response to the latest one.

Respond with JSON only, in exactly this shape:
{"narrative": "what happens next", "options": ["a suggestion", "another"]}

Output constraints (MANDATORY):
- All output must be valid JSON ONLY. Do not include any explanation or extra text.
- The narrative MUST be concise: 1-3 short sentences, maximum 200 characters.
- Offer 2-3 options; each option MUST be concise and clear, maximum 50 characters.
- Stay in the story; never address the player out of character.
- Avoid long descriptive paragraphs or flowery language.
Follow these constraints strictly; overly verbose output will be rejected.`

// BuildPrompt assembles the full narrator prompt for one turn.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(narratorPrompt)
	b.WriteString("\n\n")

	if theme := strings.TrimSpace(req.Theme); theme != "" {
		b.WriteString("Story theme: ")
		b.WriteString(theme)
		b.WriteString("\n")
	}
	if len(req.History) > 0 {
		b.WriteString("The story so far:\n")
		for _, line := range req.History {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	player := strings.TrimSpace(req.PlayerName)
	if player == "" {
		player = "The player"
	}
	b.WriteString(player)
	b.WriteString(" now tries: ")
	b.WriteString(strings.TrimSpace(req.Action))
	b.WriteString("\nContinue the story and return the JSON.")
	return b.String()
}

// BuildRepairPrompt asks the model to fix its previous invalid output. The
// raw response and the validation error are echoed back so the model can see
// exactly what to correct.
func BuildRepairPrompt(raw string, validationErr error) string {
	var b strings.Builder
	b.WriteString("Your previous response was not valid. This is what you returned:\n\n")
	b.WriteString(strings.TrimSpace(raw))
	b.WriteString("\n\nValidation errors:\n- ")
	b.WriteString(validationErr.Error())
	b.WriteString("\n\nReturn corrected JSON in exactly this shape:\n")
	b.WriteString(`{"narrative": "what happens next", "options": ["a suggestion", "another"]}`)
	b.WriteString("\nReminders (MANDATORY):\n")
	b.WriteString("- The narrative MUST be 1-3 short sentences, maximum 200 characters.\n")
	b.WriteString("- Offer 2-3 options, each a maximum of 50 characters.\n")
	b.WriteString("- Do not include any text outside the JSON object.\n")
	b.WriteString("Fix ALL errors and return the JSON only.")
	return b.String()
}
