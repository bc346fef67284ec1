package models

// GenerationRequest is the transient input of a one-shot content generation
// call. Never persisted; logged only through the usage audit log.
type GenerationRequest struct {
	TaskType string            `json:"task_type"`
	Title    string            `json:"title,omitempty"`
	Context  string            `json:"context,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Provider string            `json:"provider,omitempty"`
}

// GenerationResponse is the transient result of a content generation call.
type GenerationResponse struct {
	Content      string `json:"content"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	ProviderUsed string `json:"provider_used"`
	UsedFallback bool   `json:"used_fallback"`
}

// Intent is the coarse classification of a chat message, driving which
// listing type the retriever targets.
type Intent string

const (
	IntentSeekingHelp  Intent = "seeking_help"
	IntentOfferingHelp Intent = "offering_help"
	IntentUnknown      Intent = "unknown"
)
