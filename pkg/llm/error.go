// Package llm provides the internal representation of chat inference requests
// and responses exchanged with the LLM collaborator, plus an OpenAI compatible
// client that speaks to DeepSeek, Qwen and friends.
package llm

// ErrorResponse is the JSON error body returned by the HTTP transport.
type ErrorResponse struct {
	Error string `json:"error"`
}
