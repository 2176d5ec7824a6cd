package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

type LimitsHandler struct {
	checker LimitCheckerInterface
	rlSvc   RateLimitServiceInterface
}

func NewLimitsHandler(checker LimitCheckerInterface, rlSvc RateLimitServiceInterface) *LimitsHandler {
	return &LimitsHandler{
		checker: checker,
		rlSvc:   rlSvc,
	}
}

// @Summary Check rate limit
// @Description Evaluate the named policy for an identifier and consume one slot when allowed
// @Tags limits
// @Accept json
// @Produce json
// @Security Bearer
// @Param checkRequest body dto.CheckLimitRequest true "Check request"
// @Success 200 {object} shared.Response{data=dto.RateLimitResult}
// @Router /api/v1/limits/check [post]
func (h *LimitsHandler) CheckLimit(c *fiber.Ctx) error {
	var req dto.CheckLimitRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	kind := model.IdentifierKind(req.IdentifierKind)
	if kind == "" {
		kind = model.InferIdentifierKind(req.Identifier)
	}

	result, err := h.checker.CheckEndpoint(req.Identifier, kind, req.Endpoint)
	if err != nil {
		return err
	}

	if result.Remaining >= 0 {
		c.Set(shared.HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	}
	if !result.ResetTime.IsZero() {
		c.Set(shared.HeaderRateLimitReset, strconv.FormatInt(result.ResetTime.Unix(), 10))
		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetTime).Seconds())
			if retryAfter > 0 {
				c.Set(shared.HeaderRetryAfter, strconv.Itoa(retryAfter))
			}
		}
	}

	return shared.ResponseOK(c, result)
}

// @Summary Record attempt
// @Description Append an analytics-only attempt row; never touches counting state
// @Tags limits
// @Accept json
// @Produce json
// @Security Bearer
// @Param attemptRequest body dto.RecordAttemptRequest true "Attempt to record"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/limits/attempts [post]
func (h *LimitsHandler) RecordAttempt(c *fiber.Ctx) error {
	var req dto.RecordAttemptRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	kind := model.IdentifierKind(req.IdentifierKind)
	if err := h.rlSvc.RecordAttempt(req.Identifier, kind, req.Allowed, req.IPAddress, req.Endpoint); err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Attempt recorded", nil)
}
