package v1

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/136906/velvenode/internal/api/response"
	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
	"github.com/136906/velvenode/internal/service"
)

type PoolHandler struct {
	poolService *service.PoolService
}

func NewPoolHandler(poolService *service.PoolService) *PoolHandler {
	return &PoolHandler{poolService: poolService}
}

type loadCodesRequest struct {
	TierValue string   `json:"tier_value" binding:"required"`
	Codes     []string `json:"codes"`
	// Raw is an alternative to Codes: one code per line, as pasted from
	// a bulk export.
	Raw string `json:"raw"`
}

func (h *PoolHandler) Load(c *gin.Context) {
	var req loadCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "tier_value and codes are required")
		return
	}

	codes := req.Codes
	if len(codes) == 0 && strings.TrimSpace(req.Raw) != "" {
		codes = strings.Split(req.Raw, "\n")
	}

	result, err := h.poolService.LoadCodes(c.Request.Context(), adminOperator, req.TierValue, codes)
	if err != nil {
		handlePoolError(c, err)
		return
	}

	response.Success(c, result)
}

func (h *PoolHandler) List(c *gin.Context) {
	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 20)

	filter := poolFilterFromQuery(c)
	filter.Pagination = repository.Pagination{
		Limit:  int32(pageSize),
		Offset: int32((page - 1) * pageSize),
	}

	entries, total, err := h.poolService.List(c.Request.Context(), filter)
	if err != nil {
		handlePoolError(c, err)
		return
	}

	response.Paginated(c, entries, page, pageSize, total)
}

func (h *PoolHandler) DeleteUnclaimed(c *gin.Context) {
	filter := poolFilterFromQuery(c)

	deleted, err := h.poolService.DeleteUnclaimed(c.Request.Context(), adminOperator, filter)
	if err != nil {
		handlePoolError(c, err)
		return
	}

	response.Success(c, gin.H{"deleted": deleted})
}

func poolFilterFromQuery(c *gin.Context) repository.PoolListFilter {
	filter := repository.PoolListFilter{}

	if raw := strings.TrimSpace(c.Query("tier_value")); raw != "" {
		filter.TierValue = &raw
	}
	if raw := strings.TrimSpace(c.Query("claimed")); raw != "" {
		if claimed, err := strconv.ParseBool(raw); err == nil {
			filter.Claimed = &claimed
		}
	}
	if raw := strings.TrimSpace(c.Query("source")); raw != "" {
		source := model.PoolEntrySource(raw)
		filter.Source = &source
	}
	if raw := strings.TrimSpace(c.Query("keyword")); raw != "" {
		filter.Keyword = &raw
	}

	return filter
}

func handlePoolError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidTierValue):
		response.Fail(c, http.StatusBadRequest, response.ErrPolicyInvalid, "invalid tier value")
	case errors.Is(err, service.ErrNoValidCodes):
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "no valid codes in request")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}

func parseIntOrDefault(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
