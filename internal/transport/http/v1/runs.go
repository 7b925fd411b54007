package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/reviewflow/internal/domain"
)

// StartRun submits a task.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return errorJSON(c, err)
	}

	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.UserID = user

	resp, err := h.service.StartRun(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// ListRuns lists the caller's runs, newest first.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return errorJSON(c, err)
	}
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	runs, err := h.service.ListRuns(c.Request().Context(), user, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// GetRun returns one run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return errorJSON(c, err)
	}

	run, err := h.service.GetRun(c.Request().Context(), user, c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels a run and returns its settled state.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return errorJSON(c, err)
	}

	run, err := h.service.CancelRun(c.Request().Context(), user, c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunMessages returns archived messages after a sequence number.
// GET /v1/runs/:run_id/messages?after_sequence=&limit=
func (h *Handler) GetRunMessages(c echo.Context) error {
	user, err := userID(c)
	if err != nil {
		return errorJSON(c, err)
	}
	afterSeq := int64(0)
	if s := c.QueryParam("after_sequence"); s != "" {
		val, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return badRequest(c, "after_sequence must be an integer")
		}
		afterSeq = val
	}
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	msgs, err := h.service.ListRunMessages(c.Request().Context(), user, c.Param("run_id"), afterSeq, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"has_more": limit > 0 && len(msgs) == limit,
	})
}
