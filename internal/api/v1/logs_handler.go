package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/136906/velvenode/internal/api/response"
	"github.com/136906/velvenode/internal/repository"
	"github.com/136906/velvenode/internal/service"
	loggerpkg "github.com/136906/velvenode/pkg/logger"
)

type LogsHandler struct {
	auditService *service.AuditService
	logStore     *loggerpkg.RingStore
}

func NewLogsHandler(auditService *service.AuditService, logStore *loggerpkg.RingStore) *LogsHandler {
	return &LogsHandler{
		auditService: auditService,
		logStore:     logStore,
	}
}

// SystemLogs pages through the in-memory ring of recent service logs.
func (h *LogsHandler) SystemLogs(c *gin.Context) {
	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 20)

	from, err := parseLogTime(c.Query("from"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid from")
		return
	}
	to, err := parseLogTime(c.Query("to"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid to")
		return
	}

	entries, total := h.logStore.Query(loggerpkg.LogQuery{
		Level:    c.Query("level"),
		Keyword:  c.Query("keyword"),
		From:     from,
		To:       to,
		Page:     page,
		PageSize: pageSize,
	})

	response.Paginated(c, entries, page, pageSize, total)
}

func (h *LogsHandler) AuditLogs(c *gin.Context) {
	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 20)

	filter := repository.AuditListFilter{
		Pagination: repository.Pagination{
			Limit:  int32(pageSize),
			Offset: int32((page - 1) * pageSize),
		},
	}
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" {
		filter.UserID = &raw
	}
	if raw := strings.TrimSpace(c.Query("action")); raw != "" {
		filter.Action = &raw
	}
	if raw := strings.TrimSpace(c.Query("resource_type")); raw != "" {
		filter.ResourceType = &raw
	}

	from, err := parseLogTime(c.Query("from"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid from")
		return
	}
	if !from.IsZero() {
		filter.StartTime = &from
	}
	to, err := parseLogTime(c.Query("to"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid to")
		return
	}
	if !to.IsZero() {
		filter.EndTime = &to
	}

	logs, total, err := h.auditService.List(c.Request.Context(), filter)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	response.Paginated(c, logs, page, pageSize, total)
}

func parseLogTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
