package http

import (
	"github.com/gofiber/fiber/v2"

	"fitsync_client/core/domain"
	"fitsync_client/core/service/records"
	"fitsync_client/pkg/response"
)

// RecordHandler is the HTTP face of the repository facade for deployments
// where the application layer talks to the engine over loopback.
type RecordHandler struct {
	facade *records.Facade
}

func NewRecordHandler(facade *records.Facade) *RecordHandler {
	return &RecordHandler{facade: facade}
}

func (h *RecordHandler) Register(router fiber.Router) {
	recs := router.Group("/records")
	recs.Get("/:table", h.List)
	recs.Get("/:table/:id", h.Get)
	recs.Post("/:table", h.Create)
	recs.Patch("/:table/:id", h.Update)
	recs.Delete("/:table/:id", h.Delete)
}

func (h *RecordHandler) List(c *fiber.Ctx) error {
	return response.OK(c, h.facade.GetAll(c.Params("table")))
}

func (h *RecordHandler) Get(c *fiber.Ctx) error {
	record, ok := h.facade.GetByID(c.Params("table"), c.Params("id"))
	if !ok {
		return response.NotFound(c, "record not found")
	}
	return response.OK(c, record)
}

type mutateRequest struct {
	Data     map[string]interface{} `json:"data"`
	Priority string                 `json:"priority"`
}

func (r *mutateRequest) priority() domain.Priority {
	if r.Priority == "" {
		return domain.PriorityMedium
	}
	return domain.Priority(r.Priority)
}

func (h *RecordHandler) Create(c *fiber.Ctx) error {
	var req mutateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}

	record, err := h.facade.Add(c.Context(), c.Params("table"), req.Data, req.priority())
	if err != nil {
		return response.AppError(c, err)
	}
	return response.Created(c, record)
}

func (h *RecordHandler) Update(c *fiber.Ctx) error {
	var req mutateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}

	record, err := h.facade.Update(c.Context(), c.Params("table"), c.Params("id"), req.Data, req.priority())
	if err != nil {
		return response.AppError(c, err)
	}
	return response.OK(c, record)
}

func (h *RecordHandler) Delete(c *fiber.Ctx) error {
	if err := h.facade.Delete(c.Context(), c.Params("table"), c.Params("id"), domain.PriorityMedium); err != nil {
		return response.AppError(c, err)
	}
	return response.NoContent(c)
}
