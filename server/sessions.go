package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/llm"
	"github.com/zlnick/PatientInfoSE/pkg/merkle"
	"github.com/zlnick/PatientInfoSE/pkg/session"
)

// SessionSummary is one entry of GET /sessions.
type SessionSummary struct {
	SessionID   string         `json:"session_id"`
	Turns       int            `json:"turns"`
	Meta        map[string]any `json:"meta"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
}

// ImportResult reports the outcome of POST /sessions/import.
type ImportResult struct {
	New       []string `json:"new"`
	Duplicate []string `json:"duplicate"`
	Errors    []string `json:"errors"`
}

// VerifyResponse is the body of GET /sessions/:id/verify.
type VerifyResponse struct {
	SessionID string `json:"session_id"`
	Valid     bool   `json:"valid"`
	Index     *int   `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	ctx := c.UserContext()

	ids, err := s.store.IDs(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to list sessions"})
	}

	summaries := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		summaries = append(summaries, SessionSummary{
			SessionID:   sess.ID,
			Turns:       len(sess.History),
			Meta:        sess.Meta,
			CreatedAt:   sess.CreatedAt,
			LastUpdated: sess.LastUpdated,
		})
	}

	return c.JSON(map[string]any{
		"count":    len(summaries),
		"sessions": summaries,
	})
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	sess, err := s.store.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return notFoundOr500(c, err)
	}
	return c.JSON(sess)
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	id := c.Params("id")
	history, err := s.store.History(c.UserContext(), id)
	if err != nil {
		return notFoundOr500(c, err)
	}
	return c.JSON(map[string]any{
		"session_id": id,
		"history":    history,
	})
}

func (s *Server) handleUpdateMeta(c *fiber.Ctx) error {
	var partial map[string]any
	if err := json.Unmarshal(c.Body(), &partial); err != nil || partial == nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "body must be a JSON object"})
	}

	id := c.Params("id")
	if err := s.store.UpdateMeta(c.UserContext(), id, partial); err != nil {
		return notFoundOr500(c, err)
	}

	sess, err := s.store.Get(c.UserContext(), id)
	if err != nil {
		return notFoundOr500(c, err)
	}
	return c.JSON(sess.Meta)
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	if err := s.controller.ResetSession(c.UserContext(), c.Params("id")); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleVerify(c *fiber.Ctx) error {
	id := c.Params("id")

	err := s.store.Verify(c.UserContext(), id)
	if err == nil {
		return c.JSON(VerifyResponse{SessionID: id, Valid: true})
	}

	var broken merkle.ErrBrokenChain
	if errors.As(err, &broken) {
		return c.Status(fiber.StatusConflict).JSON(VerifyResponse{
			SessionID: id,
			Valid:     false,
			Index:     &broken.Index,
			Reason:    broken.Reason,
		})
	}
	return notFoundOr500(c, err)
}

// handleImport stores whole session documents whose ids are not yet known.
// Documents with a broken hash chain are rejected.
func (s *Server) handleImport(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: errEmptyBody.Error()})
	}

	var docs []*session.Session
	if err := json.Unmarshal(body, &docs); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "body must be an array of sessions"})
	}

	result := ImportResult{New: []string{}, Duplicate: []string{}, Errors: []string{}}
	for i, doc := range docs {
		if doc == nil || doc.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("document %d: missing session_id", i))
			continue
		}
		if err := doc.Verify(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", doc.ID, err))
			continue
		}

		stored, err := s.store.Import(c.UserContext(), doc)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", doc.ID, err))
		case stored:
			result.New = append(result.New, doc.ID)
		default:
			result.Duplicate = append(result.Duplicate, doc.ID)
		}
	}

	s.logger.Info("sessions imported",
		zap.Int("new", len(result.New)),
		zap.Int("duplicate", len(result.Duplicate)),
		zap.Int("errors", len(result.Errors)),
	)
	return c.JSON(result)
}
