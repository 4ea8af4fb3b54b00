package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/graph"
)

// ErrorResponse is the JSON body returned on request failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ObserveRequest is the body of POST /v1/observe.
type ObserveRequest struct {
	Owner     string `json:"owner"`
	Text      string `json:"text"`
	SourceRef string `json:"source_ref,omitempty"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleObserve ingests one utterance and returns the per-fact dispositions.
func (s *Server) handleObserve(c *fiber.Ctx) error {
	var req ObserveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	report, err := s.engine.Observe(c.Context(), req.Owner, req.Text, req.SourceRef)
	if err != nil {
		if errors.Is(err, graph.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
		}
		s.logger.Error("observe failed",
			zap.String("owner", req.Owner),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "observe failed"})
	}

	return c.JSON(report)
}

// handleRecall runs hybrid retrieval for the query.
func (s *Server) handleRecall(c *fiber.Ctx) error {
	owner := c.Query("owner")
	query := c.Query("q")
	limit := c.QueryInt("limit", 0)

	facts, err := s.engine.Recall(c.Context(), owner, query, limit)
	if err != nil {
		if errors.Is(err, graph.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
		}
		s.logger.Error("recall failed",
			zap.String("owner", owner),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "recall failed"})
	}

	return c.JSON(fiber.Map{
		"count": len(facts),
		"facts": facts,
	})
}

// handleRecallAsOf returns the entity's edges as believed at the given time.
func (s *Server) handleRecallAsOf(c *fiber.Ctx) error {
	owner := c.Query("owner")
	entity := c.Query("entity")
	tsRaw := c.Query("ts")

	ts, err := time.Parse(time.RFC3339, tsRaw)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "ts must be RFC3339"})
	}

	edges, err := s.engine.RecallAsOf(c.Context(), owner, entity, ts)
	if err != nil {
		switch {
		case errors.Is(err, graph.ErrValidation):
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
		case graph.IsNotFound(err):
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "entity not found"})
		}
		s.logger.Error("recall as-of failed",
			zap.String("owner", owner),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "recall failed"})
	}

	return c.JSON(fiber.Map{
		"count": len(edges),
		"edges": edges,
	})
}

// handleAudit returns the owner's audit trail, newest first.
func (s *Server) handleAudit(c *fiber.Ctx) error {
	owner := c.Query("owner")
	if owner == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "owner parameter required"})
	}
	limit := c.QueryInt("limit", 100)

	records, err := s.engine.AuditTrail(c.Context(), owner, limit)
	if err != nil {
		s.logger.Error("listing audit trail failed",
			zap.String("owner", owner),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "audit lookup failed"})
	}

	return c.JSON(fiber.Map{
		"count":   len(records),
		"records": records,
	})
}

// handleDrain forces one drain pass over the owner's deferred queue.
func (s *Server) handleDrain(c *fiber.Ctx) error {
	owner := c.Query("owner")
	if owner == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "owner parameter required"})
	}

	report, err := s.engine.DrainBatch(c.Context(), owner)
	if err != nil {
		s.logger.Error("drain failed",
			zap.String("owner", owner),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "drain failed"})
	}

	return c.JSON(report)
}
