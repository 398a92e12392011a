package report

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medclare/medclare/internal/platform/apperr"
	"github.com/medclare/medclare/internal/platform/auth"
	"github.com/medclare/medclare/internal/platform/middleware"
	"github.com/medclare/medclare/pkg/pagination"
)

// ProcessRequest asks the pipeline to (re)interpret a report. Empty level or
// lang mean the values stored on the report.
type ProcessRequest struct {
	ReportID   uuid.UUID
	Level      PersonalizationLevel
	Lang       string
	Actor      string
	Regenerate bool
}

// Processor runs the interpretation pipeline.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (*Report, error)
}

type Handler struct {
	svc       *Service
	processor Processor
}

func NewHandler(svc *Service, processor Processor) *Handler {
	return &Handler{svc: svc, processor: processor}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Owner or doctor endpoints; ownership is checked per report.
	readGroup := api.Group("/reports", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	readGroup.GET("", h.ListReports)
	readGroup.GET("/", h.ListReports)
	readGroup.POST("/upload", h.Upload)
	readGroup.GET("/:id", h.GetReport)
	readGroup.POST("/:id/process", h.Process)
	readGroup.GET("/:id/versions", h.ListVersions)
	readGroup.GET("/:id/trends", h.GetTrends)
	readGroup.GET("/:id/trends/chart", h.GetTrendChart)
	readGroup.POST("/:id/request-review", h.RequestReview)
	readGroup.DELETE("/:id", h.DeleteReport)
	readGroup.POST("/:id/restore", h.RestoreReport)

	// Doctor endpoints
	doctorGroup := api.Group("/reports", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/:id/verify", h.Verify)
	doctorGroup.POST("/:id/edit", h.Edit)
	doctorGroup.POST("/:id/regenerate", h.Regenerate)
	doctorGroup.GET("/:id/audit", h.ListAudit)
}

func principal(c echo.Context) auth.Principal {
	return auth.PrincipalFromContext(c.Request().Context())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// viewable loads a report the caller may read.
func (h *Handler) viewable(c echo.Context) (*Report, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	if !CanView(principal(c), r) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	return r, nil
}

func (h *Handler) Upload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to read uploaded file")
	}
	defer src.Close()

	r, err := h.svc.Upload(c.Request().Context(), principal(c), UploadInput{
		FileName:  file.Filename,
		Title:     c.FormValue("title"),
		PatientID: c.FormValue("patient_id"),
		Content:   src,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), principal(c), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Report{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetReport(c echo.Context) error {
	r, err := h.viewable(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

type processRequest struct {
	PersonalizationLevel string `json:"personalization_level" form:"personalization_level" query:"personalization_level"`
	Lang                 string `json:"lang" form:"lang" query:"lang"`
}

func (req processRequest) validate() error {
	if req.PersonalizationLevel != "" && !PersonalizationLevel(req.PersonalizationLevel).Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "personalization_level must be simple, standard or detailed")
	}
	return nil
}

func (h *Handler) Process(c echo.Context) error {
	r, err := h.viewable(c)
	if err != nil {
		return err
	}
	var req processRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.validate(); err != nil {
		return err
	}
	out, err := h.processor.Process(c.Request().Context(), ProcessRequest{
		ReportID: r.ID,
		Level:    PersonalizationLevel(req.PersonalizationLevel),
		Lang:     req.Lang,
		Actor:    principal(c).ID,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Regenerate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req processRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.validate(); err != nil {
		return err
	}
	out, err := h.processor.Process(c.Request().Context(), ProcessRequest{
		ReportID:   id,
		Level:      PersonalizationLevel(req.PersonalizationLevel),
		Lang:       req.Lang,
		Actor:      principal(c).ID,
		Regenerate: true,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type verifyRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

func (h *Handler) Verify(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Verify(c.Request().Context(), id, VerifyAction(req.Action), req.Notes, principal(c).ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type editRequest struct {
	ExplanationText string `json:"explanation_text"`
	Notes           string `json:"notes"`
}

func (h *Handler) Edit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req editRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, _, err := h.svc.Edit(c.Request().Context(), id, req.ExplanationText, req.Notes, principal(c).ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type reviewRequest struct {
	Note string `json:"note"`
}

func (h *Handler) RequestReview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !IsOwner(principal(c), r) {
		return echo.NewHTTPError(http.StatusForbidden, "only the owning patient may request a review")
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.RequestReview(c.Request().Context(), id, req.Note, principal(c).ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListVersions(c echo.Context) error {
	r, err := h.viewable(c)
	if err != nil {
		return err
	}
	versions, err := h.svc.Versions(c.Request().Context(), r.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if versions == nil {
		versions = []*ExplanationVersion{}
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) ListAudit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.Audit(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetTrends(c echo.Context) error {
	r, err := h.viewable(c)
	if err != nil {
		return err
	}
	analysis, err := h.svc.Trends(c.Request().Context(), r.ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, analysis)
}

func (h *Handler) GetTrendChart(c echo.Context) error {
	r, err := h.viewable(c)
	if err != nil {
		return err
	}
	page, err := h.svc.TrendChart(c.Request().Context(), r.ID, c.QueryParam("parameter"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	c.Response().Header().Set("Content-Security-Policy", middleware.ChartCSP)
	return c.HTMLBlob(http.StatusOK, page)
}

// DeleteReport and RestoreReport are open to the owner or a doctor.
func (h *Handler) DeleteReport(c echo.Context) error {
	r, err := h.viewable(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), r.ID, principal(c).ID); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RestoreReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	existing, err := h.svc.Store().Reports.GetByID(ctx, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !CanView(principal(c), existing) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	r, err := h.svc.Restore(ctx, id, principal(c).ID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}
