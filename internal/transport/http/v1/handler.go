// Package v1 provides the v1 HTTP handlers of the run controller.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/service"
)

// HeaderUserID carries the calling user's id.
const HeaderUserID = "X-User-ID"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Runs
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.GET("/v1/runs/:run_id/messages", h.GetRunMessages)

	// Gates
	e.POST("/v1/plans/:plan_id/approval", h.SubmitApproval)
	e.POST("/v1/clarifications/:request_id", h.SubmitClarification)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	health := h.service.Health(c.Request().Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

// userID returns the caller named by the X-User-ID header.
func userID(c echo.Context) (string, error) {
	id := c.Request().Header.Get(HeaderUserID)
	if id == "" {
		return "", errMissingUser
	}
	return id, nil
}

var errMissingUser = errors.New(HeaderUserID + " header is required")

// errorJSON writes err with the status matching its kind.
func errorJSON(c echo.Context, err error) error {
	if errors.Is(err, errMissingUser) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":      err.Error(),
			"error_kind": domain.ErrorKindForbidden,
		})
	}
	return c.JSON(statusFor(err), map[string]string{
		"error":      err.Error(),
		"error_kind": domain.ErrorKind(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownID):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error":      msg,
		"error_kind": domain.ErrorKindValidation,
	})
}
