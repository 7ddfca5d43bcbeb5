// Package domain defines the request types, error kinds and query parsing
// for the recommendation engine. It acts as the validation gate in front of
// every provider call.
package domain

// DefaultK is the number of catalog entries retrieved when the user does not
// ask for a specific count.
const DefaultK = 10

// MaxMessageRunes caps the user message accepted by ValidateQuery.
const MaxMessageRunes = 2000

// Query is a parsed user request.
type Query struct {
	// Message is the user's text with any trailing result count removed.
	Message string `json:"message"`
	// K is the number of catalog entries to retrieve.
	K int `json:"k"`
	// Explicit is true when K came from the user's text.
	Explicit bool `json:"explicit"`
}
