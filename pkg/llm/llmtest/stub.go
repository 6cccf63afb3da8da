// Package llmtest provides a scripted llm.Generator for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zlnick/PatientInfoSE/pkg/llm"
)

// Responder produces the reply text for one request.
type Responder func(req *llm.ChatRequest) (string, error)

// Reply always answers text.
func Reply(text string) Responder {
	return func(*llm.ChatRequest) (string, error) { return text, nil }
}

// Fail always fails with err.
func Fail(err error) Responder {
	return func(*llm.ChatRequest) (string, error) { return "", err }
}

// Script answers with replies in order and fails once they run out.
func Script(replies ...string) Responder {
	var (
		mu sync.Mutex
		i  int
	)
	return func(*llm.ChatRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(replies) {
			return "", errors.New("llmtest: script exhausted")
		}
		i++
		return replies[i-1], nil
	}
}

// Stub is a call-recording llm.Generator.
type Stub struct {
	respond Responder

	mu       sync.Mutex
	requests []*llm.ChatRequest
	streamed int
}

var _ llm.Generator = (*Stub)(nil)

// NewStub creates a Stub answering with respond.
func NewStub(respond Responder) *Stub {
	return &Stub{respond: respond}
}

// Calls reports how many requests the stub has seen.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Streamed reports how many of those requests were streaming.
func (s *Stub) Streamed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}

// Requests returns a copy of every request seen so far.
func (s *Stub) Requests() []*llm.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.ChatRequest(nil), s.requests...)
}

func (s *Stub) Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := s.respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Model:     req.Model,
		CreatedAt: time.Now(),
		Message:   llm.Assistant(text),
		Done:      true,
	}, nil
}

// Stream delivers the reply one rune at a time followed by a done chunk.
func (s *Stub) Stream(ctx context.Context, req *llm.ChatRequest, handler llm.StreamHandler) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.streamed++
	s.mu.Unlock()

	resp, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Message.Content {
		if err := handler(llm.StreamChunk{Model: req.Model, Message: llm.Assistant(string(r))}); err != nil {
			return nil, err
		}
	}
	if err := handler(llm.StreamChunk{Model: req.Model, Done: true}); err != nil {
		return nil, err
	}
	return resp, nil
}
