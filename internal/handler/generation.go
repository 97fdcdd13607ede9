package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/resumeforge/api/internal/model"
	"github.com/resumeforge/api/internal/service"
	"github.com/resumeforge/api/pkg/response"
)

const maxListLimit = 50

type GenerationHandler struct {
	service *service.GenerationService
	logger  *slog.Logger
}

func NewGenerationHandler(svc *service.GenerationService, logger *slog.Logger) *GenerationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationHandler{service: svc, logger: logger}
}

// Register mounts the generation routes on r.
func (h *GenerationHandler) Register(r fiber.Router, submitLimit fiber.Handler) {
	r.Post("/", submitLimit, h.Submit)
	r.Get("/subjects/:subjectRef", h.ListBySubject)
	r.Get("/:jobId", h.Status)
	r.Get("/:jobId/result", h.Result)
	r.Post("/:jobId/cancel", h.Cancel)
	r.Delete("/:jobId", h.Purge)
}

// Submit handles POST /api/generations
func (h *GenerationHandler) Submit(c *fiber.Ctx) error {
	var req model.GenerationRequest
	if err := decodeStrict(c.Body(), &req); err != nil {
		return response.ValidationError(c, "Invalid request body", map[string]string{"body": err.Error()})
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return response.Accepted(c, result)
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected data after request object")
	}
	return nil
}

// Status handles GET /api/generations/:jobId
func (h *GenerationHandler) Status(c *fiber.Ctx) error {
	job, err := h.service.Status(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, job)
}

// Result handles GET /api/generations/:jobId/result
func (h *GenerationHandler) Result(c *fiber.Ctx) error {
	result, err := h.service.Result(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}

	c.Set(fiber.HeaderContentType, result.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", result.Filename))
	return c.Send(result.Data)
}

// Cancel handles POST /api/generations/:jobId/cancel
func (h *GenerationHandler) Cancel(c *fiber.Ctx) error {
	job, err := h.service.Cancel(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, job)
}

// Purge handles DELETE /api/generations/:jobId
func (h *GenerationHandler) Purge(c *fiber.Ctx) error {
	if err := h.service.Purge(c.UserContext(), c.Params("jobId")); err != nil {
		return h.fail(c, err)
	}
	return response.NoContent(c)
}

// ListBySubject handles GET /api/generations/subjects/:subjectRef
func (h *GenerationHandler) ListBySubject(c *fiber.Ctx) error {
	limit := maxListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return response.ValidationError(c, "limit must be a positive integer", nil)
		}
		if n < limit {
			limit = n
		}
	}

	result, err := h.service.ListBySubject(c.UserContext(), c.Params("subjectRef"), limit)
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, result)
}

func (h *GenerationHandler) fail(c *fiber.Ctx, err error) error {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return response.ValidationError(c, "Validation failed", verr.Fields)
	case errors.Is(err, model.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, model.ErrSubjectNotFound):
		return response.NotFound(c, "Subject not found")
	case errors.Is(err, model.ErrJobNotReady):
		return response.NotReady(c, "Job not completed yet", nil)
	case errors.Is(err, model.ErrQuotaExceeded):
		return response.QuotaExceeded(c, "Daily generation limit reached")
	}

	h.logger.Error("http.request_failed", "method", c.Method(), "path", c.Path(), "error", err)
	return response.ServiceError(c, "Internal server error")
}
