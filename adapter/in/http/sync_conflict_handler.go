package http

import (
	"github.com/gofiber/fiber/v2"

	"fitsync_client/core/domain"
	"fitsync_client/core/service/conflict"
	"fitsync_client/pkg/response"
)

// ConflictHandler exposes the conflict log and manual resolution.
type ConflictHandler struct {
	resolver *conflict.Resolver
}

func NewConflictHandler(resolver *conflict.Resolver) *ConflictHandler {
	return &ConflictHandler{resolver: resolver}
}

func (h *ConflictHandler) Register(router fiber.Router) {
	conflicts := router.Group("/conflicts")
	conflicts.Get("/", h.List)
	conflicts.Get("/unresolved", h.Unresolved)
	conflicts.Post("/:id/resolve", h.Resolve)
}

func (h *ConflictHandler) List(c *fiber.Ctx) error {
	conflicts, err := h.resolver.List(c.Context())
	if err != nil {
		return response.AppError(c, err)
	}
	return response.OK(c, conflicts)
}

func (h *ConflictHandler) Unresolved(c *fiber.Ctx) error {
	conflicts, err := h.resolver.Unresolved(c.Context())
	if err != nil {
		return response.AppError(c, err)
	}
	return response.OK(c, conflicts)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *ConflictHandler) Resolve(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}

	resolved, err := h.resolver.Resolve(c.Context(), c.Params("id"), domain.Resolution(req.Resolution))
	if err != nil {
		return response.AppError(c, err)
	}
	return response.OK(c, resolved)
}
