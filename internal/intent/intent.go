// Package intent classifies chat messages with keyword heuristics so the
// retriever knows which listing type to target.
package intent

import (
	"strings"

	"commonground/internal/models"
)

// Keyword sets are checked seeking-first, then offering, each in declaration
// order; the first hit wins. Order within a set carries no meaning beyond
// making the tie-break reproducible.
var seekingKeywords = []string{
	"need",
	"looking for",
	"searching for",
	"hire",
	"find someone",
	"find a",
	"help me",
	"who can",
	"anyone",
}

var offeringKeywords = []string{
	"i can",
	"i could",
	"i offer",
	"offering",
	"volunteer",
	"available to",
	"willing to",
	"happy to help",
}

// Classify maps a message to seeking-help, offering-help, or unknown.
// Seeking means the retriever should surface offers; offering means it
// should surface requests; unknown retrieves both.
func Classify(message string) models.Intent {
	text := strings.ToLower(message)
	for _, kw := range seekingKeywords {
		if strings.Contains(text, kw) {
			return models.IntentSeekingHelp
		}
	}
	for _, kw := range offeringKeywords {
		if strings.Contains(text, kw) {
			return models.IntentOfferingHelp
		}
	}
	return models.IntentUnknown
}
