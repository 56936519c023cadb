package audit

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// HTTPHandler handles invocation log HTTP requests.
type HTTPHandler struct {
	svc      Service
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHTTPHandler creates a new audit HTTP handler.
func NewHTTPHandler(svc Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger, validate: validator.New()}
}

// RegisterRoutes registers the invocation log routes on an authenticated
// router group.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	audit := rg.Group("/audit")
	{
		audit.GET("/invocations", h.queryInvocations)
		audit.GET("/invocations/export", h.exportInvocations)
		audit.GET("/invocations/:id", h.getInvocation)
	}
}

type listInvocationsQuery struct {
	Cmdlet     string `form:"cmdlet"`
	ScimUserID string `form:"scim_user_id"`
	ExitCode   *int   `form:"exit_code"`
	Limit      int    `form:"limit" validate:"min=0,max=1000"`
	Offset     int    `form:"offset" validate:"min=0"`
}

func (h *HTTPHandler) queryInvocations(c *gin.Context) {
	var q listInvocationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := QueryParams{Limit: q.Limit, Offset: q.Offset, ExitCode: q.ExitCode}
	if q.Cmdlet != "" {
		params.Cmdlet = &q.Cmdlet
	}
	if q.ScimUserID != "" {
		params.ScimUserID = &q.ScimUserID
	}

	invocations, total, err := h.svc.Query(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("Failed to query invocation log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if invocations == nil {
		invocations = []Invocation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"invocations": invocations,
		"total":       total,
	})
}

func (h *HTTPHandler) getInvocation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invocation id"})
		return
	}

	inv, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invocation not found"})
			return
		}
		h.logger.Error("Failed to get invocation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *HTTPHandler) exportInvocations(c *gin.Context) {
	params := QueryParams{}
	if v := c.Query("cmdlet"); v != "" {
		params.Cmdlet = &v
	}
	if v := c.Query("scim_user_id"); v != "" {
		params.ScimUserID = &v
	}

	invocations, err := h.svc.Export(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("Failed to export invocation log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=command_log.csv")

	writer := csv.NewWriter(c.Writer)
	writer.Write([]string{"Time", "Cmdlet", "Exit Code", "Duration (ms)", "SCIM User ID", "Stderr"})
	for _, inv := range invocations {
		writer.Write([]string{
			inv.CreatedAt.Format(time.RFC3339),
			inv.Cmdlet,
			strconv.Itoa(inv.ExitCode),
			strconv.FormatInt(inv.DurationMS, 10),
			strVal(inv.ScimUserID),
			inv.Stderr,
		})
	}
	writer.Flush()
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
