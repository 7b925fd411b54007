package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/reviewflow/internal/domain"
)

// SubmitApproval approves or rejects a pending plan.
// POST /v1/plans/:plan_id/approval
func (h *Handler) SubmitApproval(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return errorJSON(c, err)
	}

	var req struct {
		Approved *bool `json:"approved"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Approved == nil {
		return badRequest(c, "approved is required")
	}

	if err := h.service.SubmitApproval(c.Request().Context(), user, c.Param("plan_id"), *req.Approved); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// SubmitClarification answers a pending clarification request.
// POST /v1/clarifications/:request_id
func (h *Handler) SubmitClarification(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return errorJSON(c, err)
	}

	var req domain.ClarificationAnswer
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.service.SubmitClarification(c.Request().Context(), user, c.Param("request_id"), req.Answer); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
