package workflow

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/workflows", h.InitializeWorkflow)
	api.GET("/workflows", h.ListWorkflows)
	api.GET("/workflows/statistics", h.Statistics)
	api.GET("/workflows/:id", h.GetWorkflow)
	api.POST("/workflows/:id/steps/:step/complete", h.CompleteStep)
	api.POST("/workflows/:id/process", h.ProcessAutomatedSteps)
	api.POST("/workflows/:id/cancel", h.CancelWorkflow)
}

type initializeRequest struct {
	ClaimID     uuid.UUID `json:"claim_id"`
	InitiatedBy string    `json:"initiated_by"`
}

func (h *Handler) InitializeWorkflow(c echo.Context) error {
	var req initializeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ClaimID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "claim_id is required")
	}
	w, err := h.engine.InitializeSHAWorkflow(c.Request().Context(), req.ClaimID, req.InitiatedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) GetWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	w, err := h.engine.GetWorkflow(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) ListWorkflows(c echo.Context) error {
	var f Filters
	if s := c.QueryParam("status"); s != "" {
		f.Status = Status(s)
	}
	if cid := c.QueryParam("claim_id"); cid != "" {
		id, err := uuid.Parse(cid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid claim_id")
		}
		f.ClaimID = id
	}
	f.AssignedTo = c.QueryParam("assigned_to")
	var err error
	if f.From, err = parseDate(c.QueryParam("from")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	if f.To, err = parseDate(c.QueryParam("to")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}

	ws, err := h.engine.GetWorkflows(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}

	p := pagination.FromContext(c)
	start, end := p.Bounds(len(ws))
	return c.JSON(http.StatusOK, pagination.NewResponse(ws[start:end], len(ws), p.Limit, p.Offset))
}

type completeStepRequest struct {
	CompletedBy string  `json:"completed_by"`
	Notes       *string `json:"notes,omitempty"`
	AutoAdvance *bool   `json:"auto_advance,omitempty"`
}

func (h *Handler) CompleteStep(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req completeStepRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	autoAdvance := true
	if req.AutoAdvance != nil {
		autoAdvance = *req.AutoAdvance
	}

	w, err := h.engine.CompleteStep(c.Request().Context(), id, c.Param("step"), req.CompletedBy, req.Notes, autoAdvance)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

type processRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

func (h *Handler) ProcessAutomatedSteps(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req processRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	w, err := h.engine.ProcessAutomatedSteps(c.Request().Context(), id, req.TriggeredBy)
	if err != nil && !errors.Is(err, ErrExecutorFailed) {
		return httpError(err)
	}
	// An executor failure still returns the workflow so the caller can see
	// which step failed.
	return c.JSON(http.StatusOK, w)
}

type cancelRequest struct {
	Actor  string  `json:"actor"`
	Reason *string `json:"reason,omitempty"`
}

func (h *Handler) CancelWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	w, err := h.engine.CancelWorkflow(c.Request().Context(), id, req.Actor, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) Statistics(c echo.Context) error {
	from, err := parseDate(c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	to, err := parseDate(c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}

	stats, err := h.engine.Statistics(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	case errors.Is(err, ErrInvalidStep), errors.Is(err, ErrGraph):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPrerequisiteNotMet), errors.Is(err, ErrTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
