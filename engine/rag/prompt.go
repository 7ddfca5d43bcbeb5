package rag

import "strings"

// PromptVersion identifies promptTemplate. Bump it whenever the wording
// changes so answers can be traced to the instructions that produced them.
const PromptVersion = "v1"

// NoGrounding replaces an empty context block so the model is told plainly
// that nothing in the catalog matched.
const NoGrounding = "(no matching catalog entries available)"

// The ranking rules below are instructions to the model, not behaviour the
// pipeline enforces; how well they are followed depends on the provider.
const promptTemplate = `You are a game recommendation system.
I will share a user's message with you and you will give me the best answer that
I should send to this user suggesting some games based on their requirements,
and you will follow ALL of the rules below:

1/ always prioritise the genre or category suggested by the user

2/ then try to give results based on their rating and then on the number of installs

Below is a message I received from the user:
{message}

Here is a list of best practices of how we normally respond to prospects in similar scenarios:
{best_practice}

Please write the best response that I should send to this user:
`

// PromptContext fills the template's two slots.
type PromptContext struct {
	Message      string
	BestPractice string
}

// NewPromptContext joins the retrieved snippets, in rank order, into one
// context block separated by blank lines.
func NewPromptContext(message string, snippets []string) PromptContext {
	return PromptContext{
		Message:      strings.TrimSpace(message),
		BestPractice: strings.Join(snippets, "\n\n"),
	}
}

// Grounded reports whether any catalog text backs the prompt.
func (p PromptContext) Grounded() bool { return strings.TrimSpace(p.BestPractice) != "" }

// Render substitutes both slots in a single pass, so placeholder text inside
// the user's message is never expanded.
func (p PromptContext) Render() string {
	bp := p.BestPractice
	if !p.Grounded() {
		bp = NoGrounding
	}
	return strings.NewReplacer("{message}", p.Message, "{best_practice}", bp).Replace(promptTemplate)
}
