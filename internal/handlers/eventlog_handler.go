package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/LanternOps/breeze-sub017/common/httputil"
	"github.com/LanternOps/breeze-sub017/common/logging"
	"github.com/LanternOps/breeze-sub017/internal/models"
	"github.com/LanternOps/breeze-sub017/internal/repository"
	"github.com/LanternOps/breeze-sub017/internal/service"
	"github.com/LanternOps/breeze-sub017/internal/validator"
)

type Handler struct {
	gateway *service.Gateway
	log     *slog.Logger
}

func NewHandler(gateway *service.Gateway, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{gateway: gateway, log: log}
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// SubmitEventLogs handles PUT /api/v1/agents/{agentID}/eventlogs.
//
// The agent authenticates with its enrollment token. A well-formed
// batch gets 200 with accepted/filtered counts even when every entry
// was filtered; rejections are 401 (bad token), 404 (unknown agent),
// 400 (malformed payload), 413 (oversized batch), or 429 (rate limit).
// A partial storage commit returns 500 with the committed count so the
// agent can safely resubmit the whole batch.
func (h *Handler) SubmitEventLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := r.PathValue("agentID")
	if agentID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing agent ID")
		return
	}

	device, err := h.gateway.Authenticate(ctx, agentID, httputil.BearerToken(r))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDeviceNotFound):
			httputil.WriteError(w, http.StatusNotFound, "Device not found")
		case errors.Is(err, service.ErrInvalidToken):
			httputil.WriteError(w, http.StatusUnauthorized, "invalid agent token")
		default:
			h.log.Error("authenticate agent", logging.AgentID(agentID), logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	var req models.SubmitEventLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	timestamps, err := validator.ValidateSubmit(&req)
	if err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			httputil.WriteFieldErrors(w, http.StatusBadRequest, "invalid event log payload", verr.Fields)
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.gateway.Submit(ctx, device, req.Events, timestamps, httputil.GetClientIP(r))
	if err != nil {
		var rle *service.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", rle.ResetAt.UTC().Format(http.TimeFormat))
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":   false,
				"error":     "rate limit exceeded",
				"limit":     rle.Limit,
				"remaining": rle.Remaining,
				"resetAt":   rle.ResetAt.UTC().Format(time.RFC3339),
			})
			return
		}

		if result != nil && result.Partial {
			httputil.WriteJSON(w, http.StatusInternalServerError, models.SubmitResponse{
				Success:       false,
				Count:         result.Inserted,
				Filtered:      result.Filtered,
				ExpectedCount: result.Expected,
				Error:         "storage commit incomplete, resubmit the batch",
			})
			return
		}

		h.log.Error("submit event logs", logging.DeviceID(device.ID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.SubmitResponse{
		Success:  true,
		Count:    result.Inserted,
		Filtered: result.Filtered,
	})
}
