package llm

// FormatJSON asks the provider for a single JSON object response.
const FormatJSON = "json"

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Model    string    `json:"model"`            // Model name, empty for the client default
	Messages []Message `json:"messages"`         // Conversation history
	Format   string    `json:"format,omitempty"` // Response format ("json" for JSON mode)

	// Generation options
	Options *Options `json:"options,omitempty"`
}
