package evaluation

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/auth"
	"github.com/medclare/medclare/pkg/pagination"
)

type Handler struct {
	svc     *Service
	reports *report.Service
}

func NewHandler(svc *Service, reports *report.Service) *Handler {
	return &Handler{svc: svc, reports: reports}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctorGroup := api.Group("/evaluation", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/run/:report_id", h.Run)
	doctorGroup.GET("/benchmark", h.Benchmark)

	readGroup := api.Group("/evaluation", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	readGroup.GET("/:report_id", h.ListForReport)
}

func reportID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("report_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	return id, nil
}

type runRequest struct {
	GoldStandard string `json:"gold_standard"`
}

func (h *Handler) Run(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := auth.PrincipalFromContext(c.Request().Context())
	res, err := h.svc.Run(c.Request().Context(), id, req.GoldStandard, p.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Benchmark(c echo.Context) error {
	pg := pagination.FromContextWithDefault(c, DefaultBenchmarkLimit)
	items, total, err := h.svc.Benchmark(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Result{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ListForReport is open to the report's owner and to doctors.
func (h *Handler) ListForReport(c echo.Context) error {
	id, err := reportID(c)
	if err != nil {
		return err
	}
	r, err := h.reports.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !report.CanView(auth.PrincipalFromContext(c.Request().Context()), r) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	items, err := h.svc.ForReport(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Result{}
	}
	return c.JSON(http.StatusOK, items)
}
