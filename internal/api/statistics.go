package api

import (
	"net/http"

	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/rs/zerolog"
)

// StatisticsHandler serves daily and archived statistics.
type StatisticsHandler struct {
	store      storage.StatisticsStore
	aggregator *rollover.Aggregator
	logger     zerolog.Logger
}

// NewStatisticsHandler creates a new statistics handler.
func NewStatisticsHandler(store storage.StatisticsStore, aggregator *rollover.Aggregator, logger zerolog.Logger) *StatisticsHandler {
	return &StatisticsHandler{
		store:      store,
		aggregator: aggregator,
		logger:     logger.With().Str("handler", "statistics").Logger(),
	}
}

// Daily returns today's blocked counts and restricted time.
func (h *StatisticsHandler) Daily(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.aggregator.EnsureStatistics(ctx, h.aggregator.Today()); err != nil {
		h.logger.Warn().Err(err).Msg("Statistics rollover failed")
	}

	daily, err := h.store.GetDaily(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get daily statistics")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, daily)
}

// History returns every archived day.
func (h *StatisticsHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	history, err := h.store.GetHistory(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get statistics history")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":                           history.Days(),
		"historicalBlockedPerDay":        history.HistoricalBlockedPerDay,
		"historicalRestrictedTimePerDay": history.HistoricalRestrictedTimePerDay,
	})
}
