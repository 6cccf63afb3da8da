package llm

import "context"

// Generator is the LLM collaborator consumed by the orchestration engine. It
// is a black box text/JSON generator; every caller treats its failures as
// recoverable and substitutes a fixed fallback.
type Generator interface {
	// Generate runs a batch completion.
	Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream runs a streaming completion, handing each delta to handler, and
	// returns the accumulated response once the stream is done.
	Stream(ctx context.Context, req *ChatRequest, handler StreamHandler) (*ChatResponse, error)
}
