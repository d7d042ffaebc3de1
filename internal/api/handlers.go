package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/runctl/internal/common/errors"
	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/confirm"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
	"github.com/kandev/runctl/internal/profiles"
)

// Handler serves the configuration and session endpoints.
type Handler struct {
	manager *execution.Manager
	catalog *profiles.Catalog
	logger  *logger.Logger
}

func NewHandler(manager *execution.Manager, catalog *profiles.Catalog, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		catalog: catalog,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

// ListConfigurations returns every configured profile with its running count.
// GET /api/v1/configurations
func (h *Handler) ListConfigurations(c *gin.Context) {
	running := make(map[*execution.ConfigSettings]int)
	for _, s := range h.manager.Sessions() {
		if st := s.State(); st == execution.StateStarting || st == execution.StateStarted {
			running[s.Settings()]++
		}
	}

	list := h.catalog.List()
	resp := ConfigurationsResponse{Configurations: make([]ConfigurationResponse, 0, len(list)), Total: len(list)}
	for _, s := range list {
		resp.Configurations = append(resp.Configurations, configurationResponse(s, running[s]))
	}
	c.JSON(http.StatusOK, resp)
}

// RunConfiguration restarts a configuration, stopping whatever conflicts
// with it.
// POST /api/v1/configurations/:name/run
func (h *Handler) RunConfiguration(c *gin.Context) {
	name := c.Param("name")
	settings, ok := h.catalog.Get(name)
	if !ok {
		writeError(c, apperrors.NotFound("configuration", name))
		return
	}

	var req RunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperrors.ValidationError("request", err.Error()))
			return
		}
	}
	mode := execution.ModeRun
	if req.Mode != "" {
		mode = execution.Mode(req.Mode)
	}

	restart := execution.RestartRequest{Mode: mode, Target: req.Target, Settings: settings}
	if req.Confirm != nil {
		restart.Gate = confirm.Policy(*req.Confirm)
	}
	if err := h.manager.Restart(c.Request.Context(), restart); err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("run rejected", zap.String("configuration", name), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":       "run scheduled",
		"configuration": name,
		"mode":          string(mode),
	})
}

// ListSessions returns the tracked sessions in launch order.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.manager.Sessions()
	resp := SessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions)), Total: len(sessions)}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse(s, false))
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession returns one session with its buffered output. ?stats=true adds
// a resource sample of the live process.
// GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	s, ok := h.manager.Session(id)
	if !ok {
		writeError(c, apperrors.NotFound("session", id))
		return
	}
	resp := sessionResponse(s, true)
	if withStats, _ := strconv.ParseBool(c.Query("stats")); withStats {
		if ph, ok := s.Handle().(*process.Handle); ok && !ph.IsTerminated() {
			if st, err := ph.Stats(c.Request.Context()); err == nil {
				resp.Stats = &st
			} else {
				h.logger.Debug("stats unavailable", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// StopSession initiates termination and returns without waiting.
// POST /api/v1/sessions/:id/stop
func (h *Handler) StopSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Stop(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "stop requested", "session_id": id})
}

// DisposeSession untracks a session, stopping its process if still running.
// DELETE /api/v1/sessions/:id
func (h *Handler) DisposeSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.DisposeSession(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError renders err as an AppError body.
func writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, execution.ErrRestartDeclined):
		appErr = apperrors.Declined("restart declined; nothing was stopped")
	case errors.Is(err, execution.ErrManagerDisposed), errors.Is(err, execution.ErrDispatcherDisposed):
		appErr = apperrors.Conflict("execution manager is shutting down")
	default:
		appErr = apperrors.Wrap(err, "request failed")
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}
