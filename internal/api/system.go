package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/goodtune/kbudget/internal/dispatch"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/rs/zerolog"
)

// StatusProvider reports the dispatcher state
type StatusProvider interface {
	Status(ctx context.Context) (dispatch.Status, error)
}

// SystemHandler serves health, dispatcher status and dry-run checks.
type SystemHandler struct {
	engine    *policy.Engine
	status    StatusProvider
	startTime time.Time
	logger    zerolog.Logger
}

// NewSystemHandler creates a new system handler. status may be nil when no
// browser is attached.
func NewSystemHandler(engine *policy.Engine, status StatusProvider, logger zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		engine:    engine,
		status:    status,
		startTime: time.Now(),
		logger:    logger.With().Str("handler", "system").Logger(),
	}
}

// GetHealth returns the health status of the process.
func (h *SystemHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(uptime.Seconds()),
		"timestamp":      time.Now(),
		"goroutines":     runtime.NumGoroutine(),
	})
}

// GetStatus returns the dispatcher state.
func (h *SystemHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusServiceUnavailable, "No browser attached")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, err := h.status.Status(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get dispatcher status")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// Check evaluates a URL without starting a clock or enforcing.
func (h *SystemHandler) Check(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rawURL := query.Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	incognito := false
	if v := query.Get("incognito"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "incognito must be a boolean")
			return
		}
		incognito = parsed
	}

	decision, err := h.engine.Evaluate(r.Context(), policy.Request{URL: rawURL, Incognito: incognito})
	if err != nil {
		if errors.Is(err, target.ErrMalformedURL) || errors.Is(err, target.ErrUnsupportedScheme) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("url", rawURL).Msg("Failed to evaluate URL")
		writeError(w, http.StatusInternalServerError, "Failed to evaluate URL")
		return
	}

	writeJSON(w, http.StatusOK, decision)
}
