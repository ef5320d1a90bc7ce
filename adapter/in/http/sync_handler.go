package http

import (
	"github.com/gofiber/fiber/v2"

	"fitsync_client/adapter/out/network"
	"fitsync_client/core/service/engine"
	"fitsync_client/pkg/response"
)

// SyncHandler is the diagnostic surface over the sync manager: status,
// queue inspection, manual drains, failed-entry handling and the network
// bridge for platforms without a native reachability hook.
type SyncHandler struct {
	manager *engine.Manager
	monitor *network.Monitor
}

func NewSyncHandler(manager *engine.Manager, monitor *network.Monitor) *SyncHandler {
	return &SyncHandler{manager: manager, monitor: monitor}
}

func (h *SyncHandler) Register(router fiber.Router) {
	sync := router.Group("/sync")
	sync.Get("/status", h.Status)
	sync.Get("/queue", h.Queue)
	sync.Post("/process", h.Process)
	sync.Post("/queue/retry", h.RetryFailed)
	sync.Delete("/queue/failed/:id", h.DiscardFailed)

	router.Post("/network", h.SetNetwork)
}

// Status returns both manager and queue snapshots.
func (h *SyncHandler) Status(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"sync":  h.manager.GetSyncStatus(),
		"queue": h.manager.GetQueueStatus(),
	})
}

// Queue lists every entry, pending and failed.
func (h *SyncHandler) Queue(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"entries": h.manager.Queue(),
		"failed":  h.manager.FailedEntries(),
	})
}

// Process triggers a drain and reports its result.
func (h *SyncHandler) Process(c *fiber.Ctx) error {
	return response.OK(c, h.manager.ProcessQueue(c.Context()))
}

// RetryFailed requeues all failed entries.
func (h *SyncHandler) RetryFailed(c *fiber.Ctx) error {
	requeued, err := h.manager.RetryFailed(c.Context())
	if err != nil {
		return response.AppError(c, err)
	}
	return response.OK(c, fiber.Map{"requeued": requeued})
}

// DiscardFailed permanently drops one failed entry.
func (h *SyncHandler) DiscardFailed(c *fiber.Ctx) error {
	if err := h.manager.DiscardFailed(c.Context(), c.Params("id")); err != nil {
		return response.AppError(c, err)
	}
	return response.NoContent(c)
}

type networkRequest struct {
	Online bool `json:"online"`
}

// SetNetwork injects a reachability transition.
func (h *SyncHandler) SetNetwork(c *fiber.Ctx) error {
	var req networkRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	h.monitor.SetOnline(req.Online)
	return response.OK(c, fiber.Map{"online": h.monitor.IsOnline()})
}
