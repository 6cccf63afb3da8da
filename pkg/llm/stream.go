package llm

import "time"

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   Message   `json:"message"`
	Done      bool      `json:"done"`
}

// StreamHandler receives chunks as they arrive. Returning an error aborts the stream.
type StreamHandler func(chunk StreamChunk) error
