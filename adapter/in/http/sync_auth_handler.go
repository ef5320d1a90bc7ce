package http

import (
	"github.com/gofiber/fiber/v2"

	"fitsync_client/core/service/auth"
	"fitsync_client/pkg/response"
)

// AuthHandler bridges the platform auth layer into the session.
type AuthHandler struct {
	session *auth.Session
}

func NewAuthHandler(session *auth.Session) *AuthHandler {
	return &AuthHandler{session: session}
}

func (h *AuthHandler) Register(router fiber.Router) {
	authGroup := router.Group("/auth")
	authGroup.Post("/signin", h.SignIn)
	authGroup.Post("/signout", h.SignOut)
	authGroup.Get("/session", h.Current)
}

type signInRequest struct {
	Token string `json:"token"`
}

func (h *AuthHandler) SignIn(c *fiber.Ctx) error {
	var req signInRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	if err := h.session.SignIn(req.Token); err != nil {
		return response.AppError(c, err)
	}
	return response.OK(c, fiber.Map{"user_id": h.session.UserID()})
}

func (h *AuthHandler) SignOut(c *fiber.Ctx) error {
	h.session.SignOut()
	return response.NoContent(c)
}

func (h *AuthHandler) Current(c *fiber.Ctx) error {
	userID := h.session.UserID()
	return response.OK(c, fiber.Map{
		"user_id":   userID,
		"signed_in": userID != "",
	})
}
