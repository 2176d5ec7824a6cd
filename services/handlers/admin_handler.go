package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/shared"
)

type AdminHandler struct {
	rlSvc        RateLimitServiceInterface
	analyticsSvc AnalyticsServiceInterface
	exportSvc    ExportServiceInterface
}

func NewAdminHandler(rlSvc RateLimitServiceInterface, analyticsSvc AnalyticsServiceInterface, exportSvc ExportServiceInterface) *AdminHandler {
	return &AdminHandler{
		rlSvc:        rlSvc,
		analyticsSvc: analyticsSvc,
		exportSvc:    exportSvc,
	}
}

func hoursParam(c *fiber.Ctx) int {
	hours, _ := strconv.Atoi(c.Query("hours", "24"))
	if hours < 1 {
		hours = 24
	}
	return hours
}

// @Summary Rate limit summary (Admin)
// @Description Totals, block rate, top blocked IPs and hourly buckets for the trailing horizon
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param hours query int false "Trailing hours" default(24)
// @Success 200 {object} shared.Response{data=dto.RateLimitSummary}
// @Router /api/v1/admin/ratelimit/summary [get]
func (h *AdminHandler) GetSummary(c *fiber.Ctx) error {
	summary, err := h.analyticsSvc.GetSummary(hoursParam(c))
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, summary)
}

// @Summary Rate limit stats (Admin)
// @Description Attempt counts grouped by identifier and hour window
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param identifier query string false "Filter by identifier"
// @Param hours query int false "Trailing hours" default(24)
// @Success 200 {object} shared.Response{data=[]dto.RateLimitStatsEntry}
// @Router /api/v1/admin/ratelimit/stats [get]
func (h *AdminHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.analyticsSvc.GetStats(c.Query("identifier"), hoursParam(c))
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, stats)
}

// @Summary Blocked IPs (Admin)
// @Description IP identifiers denied within the trailing horizon
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param hours query int false "Trailing hours" default(24)
// @Success 200 {object} shared.Response{data=[]dto.BlockedIdentifier}
// @Router /api/v1/admin/ratelimit/blocked-ips [get]
func (h *AdminHandler) GetBlockedIPs(c *fiber.Ctx) error {
	blocked, err := h.analyticsSvc.GetBlockedIPs(hoursParam(c))
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, blocked)
}

// @Summary Blocked identifiers (Admin)
// @Description Identifiers currently in the penalty box
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Success 200 {object} shared.Response{data=[]dto.BlockedIdentifier}
// @Router /api/v1/admin/ratelimit/blocked [get]
func (h *AdminHandler) GetBlockedIdentifiers(c *fiber.Ctx) error {
	blocked, err := h.analyticsSvc.GetBlockedIdentifiers()
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, blocked)
}

// @Summary Endpoint analytics (Admin)
// @Description Attempt history keyed by endpoint, most blocked first
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param hours query int false "Trailing hours" default(24)
// @Success 200 {object} shared.Response{data=[]dto.EndpointAnalytics}
// @Router /api/v1/admin/ratelimit/analytics [get]
func (h *AdminHandler) GetAnalytics(c *fiber.Ctx) error {
	analytics, err := h.analyticsSvc.GetRateLimitAnalytics(hoursParam(c))
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, analytics)
}

// @Summary Clear rate limit (Admin)
// @Description Manual unblock: resets counts and block state for the identifier
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param identifier path string true "Identifier"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/admin/ratelimit/limits/{identifier} [delete]
func (h *AdminHandler) ClearLimit(c *fiber.Ctx) error {
	identifier := c.Params("identifier")
	if identifier == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Identifier is required", nil)
	}

	cleared, err := h.analyticsSvc.ClearLimit(identifier)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Rate limit cleared", map[string]interface{}{
		"identifier": identifier,
		"cleared":    cleared,
	})
}

// @Summary Cleanup old records (Admin)
// @Description Purge records and attempts past the retention horizon
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param days query int false "Days to keep" default(7)
// @Success 200 {object} shared.Response{data=dto.CleanupResponse}
// @Router /api/v1/admin/ratelimit/cleanup [post]
func (h *AdminHandler) Cleanup(c *fiber.Ctx) error {
	days, _ := strconv.Atoi(c.Query("days", "7"))

	result, err := h.analyticsSvc.Cleanup(days)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Cleanup completed", result)
}

// @Summary List policies (Admin)
// @Description Active named rate limit policies
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Success 200 {object} shared.Response
// @Router /api/v1/admin/ratelimit/policies [get]
func (h *AdminHandler) GetPolicies(c *fiber.Ctx) error {
	return shared.ResponseOK(c, h.rlSvc.Policies())
}

// @Summary Update policy (Admin)
// @Description Adjust limit, window or fail policy for an endpoint at runtime
// @Tags admin
// @Accept json
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param endpoint path string true "Endpoint"
// @Param updateRequest body dto.UpdatePolicyRequest true "Policy changes"
// @Success 200 {object} shared.Response{data=model.RateLimitPolicy}
// @Router /api/v1/admin/ratelimit/policies/{endpoint} [put]
func (h *AdminHandler) UpdatePolicy(c *fiber.Ctx) error {
	endpoint := c.Params("endpoint")
	if endpoint == "" {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Endpoint is required", nil)
	}

	var req dto.UpdatePolicyRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request", err.Error())
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	policy, err := h.rlSvc.UpdatePolicy(endpoint, req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Policy updated", policy)
}

// @Summary Export analytics snapshot (Admin)
// @Description Upload a JSON summary snapshot to object storage
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Admin key"
// @Param hours query int false "Trailing hours" default(24)
// @Success 200 {object} shared.Response{data=string}
// @Router /api/v1/admin/ratelimit/export [post]
func (h *AdminHandler) Export(c *fiber.Ctx) error {
	object, err := h.exportSvc.ExportSummary(hoursParam(c))
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Snapshot exported", object)
}
