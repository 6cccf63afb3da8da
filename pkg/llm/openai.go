package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI compatible endpoint.
type OpenAIConfig struct {
	// BaseURL of the provider, e.g. "https://api.deepseek.com/v1"
	BaseURL string

	// APIKey sent as a bearer token
	APIKey string

	// Model used when a request leaves Model empty
	Model string

	// Timeout bounds a single HTTP exchange; zero means no client side limit
	Timeout time.Duration
}

// OpenAIClient implements Generator on top of the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

var _ Generator = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client for the given endpoint.
func NewOpenAIClient(config OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  config.Model,
		logger: logger,
	}
}

// Generate runs a non-streaming chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	chatReq := c.buildRequest(req)

	c.logger.Debug("sending chat completion",
		zap.String("model", chatReq.Model),
		zap.Int("message_count", len(chatReq.Messages)),
		zap.Bool("json", req.Format == FormatJSON),
	)

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	return &ChatResponse{
		Model:           resp.Model,
		CreatedAt:       time.Unix(resp.Created, 0),
		Message:         Assistant(resp.Choices[0].Message.Content),
		Done:            true,
		PromptEvalCount: resp.Usage.PromptTokens,
		EvalCount:       resp.Usage.CompletionTokens,
	}, nil
}

// Stream runs a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req *ChatRequest, handler StreamHandler) (*ChatResponse, error) {
	chatReq := c.buildRequest(req)
	chatReq.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	defer stream.Close()

	var fullContent strings.Builder
	model := chatReq.Model
	for {
		part, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chat stream: %w", err)
		}
		if part.Model != "" {
			model = part.Model
		}
		if len(part.Choices) == 0 {
			continue
		}

		delta := part.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		fullContent.WriteString(delta)

		if handler != nil {
			chunk := StreamChunk{
				Model:     model,
				CreatedAt: time.Unix(part.Created, 0),
				Message:   Assistant(delta),
			}
			if err := handler(chunk); err != nil {
				return nil, fmt.Errorf("stream handler: %w", err)
			}
		}
	}

	if handler != nil {
		if err := handler(StreamChunk{Model: model, CreatedAt: time.Now(), Done: true}); err != nil {
			return nil, fmt.Errorf("stream handler: %w", err)
		}
	}

	return &ChatResponse{
		Model:     model,
		CreatedAt: time.Now(),
		Message:   Assistant(fullContent.String()),
		Done:      true,
	}, nil
}

func (c *OpenAIClient) buildRequest(req *ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, msg := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	if req.Format == FormatJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	if opts := req.Options; opts != nil {
		if opts.Temperature != nil {
			chatReq.Temperature = float32(*opts.Temperature)
		}
		if opts.TopP != nil {
			chatReq.TopP = float32(*opts.TopP)
		}
		if opts.NumPredict != nil {
			chatReq.MaxTokens = *opts.NumPredict
		}
		chatReq.Seed = opts.Seed
		chatReq.Stop = opts.Stop
	}

	return chatReq
}
