package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/136906/velvenode/internal/api/response"
	"github.com/136906/velvenode/internal/service"
	"github.com/136906/velvenode/pkg/timeutil"
)

type ClaimHandler struct {
	claimService *service.ClaimService
}

func NewClaimHandler(claimService *service.ClaimService) *ClaimHandler {
	return &ClaimHandler{claimService: claimService}
}

type claimRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// Verify resolves the submitted key to its masked identity without
// touching any claim state.
func (h *ClaimHandler) Verify(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "api_key is required")
		return
	}

	identity, err := h.claimService.Verify(c.Request.Context(), req.APIKey)
	if err != nil {
		handleClaimError(c, err)
		return
	}

	response.Success(c, identity)
}

func (h *ClaimHandler) Status(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "api_key is required")
		return
	}

	status, err := h.claimService.Status(c.Request.Context(), req.APIKey)
	if err != nil {
		handleClaimError(c, err)
		return
	}

	response.Success(c, status)
}

func (h *ClaimHandler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "api_key is required")
		return
	}

	result, err := h.claimService.Claim(c.Request.Context(), req.APIKey)
	if err != nil {
		handleClaimError(c, err)
		return
	}

	response.Success(c, result)
}

func handleClaimError(c *gin.Context, err error) {
	var cooldown *service.CooldownError
	switch {
	case errors.As(err, &cooldown):
		retryIn := cooldown.Until.Sub(timeutil.NowUTC())
		c.Header("Retry-After", strconv.FormatInt(timeutil.SecondsCeil(retryIn), 10))
		response.Fail(c, http.StatusTooManyRequests, response.ErrCoolingDown,
			"cooling down, try again in "+timeutil.FormatRemaining(retryIn))
	case errors.Is(err, service.ErrUnauthorized):
		response.Fail(c, http.StatusUnauthorized, response.ErrKeyInvalid, "invalid api key")
	case errors.Is(err, service.ErrCoolingDown):
		response.Fail(c, http.StatusTooManyRequests, response.ErrCoolingDown, "cooling down")
	case errors.Is(err, service.ErrPoolExhausted):
		response.Fail(c, http.StatusConflict, response.ErrPoolExhausted, "no awards available right now")
	case errors.Is(err, service.ErrAllocationFailed):
		response.Fail(c, http.StatusBadGateway, response.ErrAllocationFailed, "allocation failed, please retry")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
