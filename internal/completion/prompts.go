package completion

import "strings"

// Tone selects a one-shot rewrite prompt.
type Tone string

const (
	ToneFormal Tone = "formal"
	ToneCasual Tone = "casual"
)

func ParseTone(s string) (Tone, bool) {
	switch Tone(strings.ToLower(strings.TrimSpace(s))) {
	case ToneFormal:
		return ToneFormal, true
	case ToneCasual:
		return ToneCasual, true
	}
	return "", false
}

const autocompletePrompt = "You are an AI assistant that predicts what a user is trying to type. " +
	"Given an incomplete message, provide only one concise and natural suggestion with the fully completed message.\n\nUser Text:\n"

const formalPrompt = "Convert the following text into a formal tone. " +
	"Preserve meaning and keep it roughly similar length unless necessary.\n\nText:\n"

const casualPrompt = "Convert the following text into a casual tone with appropriate emojis. " +
	"Preserve meaning and keep it roughly similar length unless necessary.\n\nText:\n"

func AutocompletePrompt(text string) string { return autocompletePrompt + text }

func RewritePrompt(t Tone, text string) string {
	if t == ToneCasual {
		return casualPrompt + text
	}
	return formalPrompt + text
}
