// Package server exposes the turn controller and the session store over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/agent"
	"github.com/zlnick/PatientInfoSE/pkg/llm"
	"github.com/zlnick/PatientInfoSE/pkg/logger"
	"github.com/zlnick/PatientInfoSE/pkg/session"
)

// Server is a thin HTTP transport around the turn controller.
type Server struct {
	config     Config
	controller *agent.Controller
	store      *session.Store
	logger     *zap.Logger
	app        *fiber.App
}

// New creates a Server and registers its routes.
func New(config Config, controller *agent.Controller, store *session.Store, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
	})

	s := &Server{
		config:     config,
		controller: controller,
		store:      store,
		logger:     logger,
		app:        app,
	}

	app.Post("/api/chat", s.handleChat)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})
	app.Get("/stats", s.handleStats)

	app.Get("/sessions", s.handleListSessions)
	app.Post("/sessions/import", s.handleImport)
	app.Get("/sessions/:id", s.handleGetSession)
	app.Get("/sessions/:id/history", s.handleHistory)
	app.Patch("/sessions/:id/meta", s.handleUpdateMeta)
	app.Get("/sessions/:id/verify", s.handleVerify)
	app.Delete("/sessions/:id", s.handleDelete)

	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts serving on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting server", zap.String("listen", s.config.ListenAddr))
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener serves on an existing listener.
func (s *Server) RunWithListener(ln net.Listener) error {
	s.logger.Info("starting server", zap.String("listen", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`

	// Stream switches the response to newline-delimited JSON events.
	Stream bool `json:"stream"`
}

// StreamEvent is one line of a streaming chat response.
type StreamEvent struct {
	Step   *int              `json:"step,omitempty"`
	Delta  string            `json:"delta,omitempty"`
	Done   bool              `json:"done"`
	Result *agent.TurnResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (s *Server) handleChat(c *fiber.Ctx) error {
	var req ChatRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		s.logger.Error("failed to parse request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "message required"})
	}

	s.logger.Debug("received chat request",
		zap.String("session_id", req.SessionID),
		zap.String("message", logger.Truncate(req.Message, 100)),
		zap.Bool("stream", req.Stream),
	)

	if req.Stream {
		return s.handleStreamingChat(c, &req)
	}

	start := time.Now()
	res, err := s.controller.HandleMessage(c.UserContext(), req.SessionID, req.Message)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "turn failed: " + err.Error()})
	}

	s.logger.Info("turn completed",
		zap.String("session_id", res.SessionID),
		zap.String("route", string(res.Route)),
		zap.Duration("duration", time.Since(start)),
	)
	return c.JSON(res)
}

func (s *Server) handleStreamingChat(c *fiber.Ctx, req *ChatRequest) error {
	c.Set("Content-Type", "application/x-ndjson")
	c.Set("Transfer-Encoding", "chunked")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		write := func(ev StreamEvent) error {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
			return w.Flush()
		}

		res, err := s.controller.HandleMessageStream(context.Background(), req.SessionID, req.Message,
			func(index int, delta string) error {
				return write(StreamEvent{Step: &index, Delta: delta})
			})
		if err != nil {
			_ = write(StreamEvent{Done: true, Error: "turn failed: " + err.Error()})
			return
		}
		if err := write(StreamEvent{Done: true, Result: res}); err != nil {
			s.logger.Warn("client went away before the turn result", zap.Error(err))
		}
	}))

	return nil
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	ids, err := s.store.IDs(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to list sessions"})
	}

	return c.JSON(map[string]any{
		"sessions": len(ids),
		"turns":    s.controller.Stats(),
	})
}

func notFoundOr500(c *fiber.Ctx, err error) error {
	if session.IsNotFound(err) {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "session not found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: err.Error()})
}

var errEmptyBody = errors.New("empty body")
