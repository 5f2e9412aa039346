package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// BudgetHandler handles site and Global Budget configuration.
type BudgetHandler struct {
	store      storage.BudgetStore
	aggregator *rollover.Aggregator
	validate   *validator.Validate
	logger     zerolog.Logger
}

// NewBudgetHandler creates a new budget handler.
func NewBudgetHandler(store storage.BudgetStore, aggregator *rollover.Aggregator, logger zerolog.Logger) *BudgetHandler {
	return &BudgetHandler{
		store:      store,
		aggregator: aggregator,
		validate:   newValidator(),
		logger:     logger.With().Str("handler", "budget").Logger(),
	}
}

// siteVar normalizes the {site} path variable, writing a 400 on failure.
func siteVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	site, err := target.NormalizeSite(mux.Vars(r)["site"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid site: "+err.Error())
		return "", false
	}
	return site, true
}

// ListSites returns every site budget.
func (h *BudgetHandler) ListSites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.aggregator.RollAll(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Rollover before listing failed")
	}

	sites, err := h.store.ListSites(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list sites")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve sites")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sites": sites,
		"count": len(sites),
	})
}

// GetSite returns a single site budget.
func (h *BudgetHandler) GetSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, ok := siteVar(w, r)
	if !ok {
		return
	}

	if _, err := h.aggregator.Ensure(ctx, site); err != nil {
		h.logger.Warn().Err(err).Str("site", site).Msg("Rollover before read failed")
	}

	budget, err := h.store.GetSite(ctx, site)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Site budget not found")
			return
		}
		h.logger.Error().Err(err).Str("site", site).Msg("Failed to get site")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve site")
		return
	}

	writeJSON(w, http.StatusOK, budget)
}

// PutSite creates or reconfigures a site budget. Counters are preserved.
func (h *BudgetHandler) PutSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, ok := siteVar(w, r)
	if !ok {
		return
	}

	var req RulesRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rules := req.Rules()
	if err := rules.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.PutSiteRules(ctx, site, rules, h.aggregator.Today()); err != nil {
		h.logger.Error().Err(err).Str("site", site).Msg("Failed to save site")
		writeError(w, http.StatusInternalServerError, "Failed to save site")
		return
	}

	budget, err := h.store.GetSite(ctx, site)
	if err != nil {
		h.logger.Error().Err(err).Str("site", site).Msg("Failed to reload site")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve site")
		return
	}

	h.logger.Info().Str("site", site).Msg("Site budget saved")
	writeJSON(w, http.StatusOK, budget)
}

// DeleteSite removes a site budget.
func (h *BudgetHandler) DeleteSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, ok := siteVar(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteSite(ctx, site); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Site budget not found")
			return
		}
		h.logger.Error().Err(err).Str("site", site).Msg("Failed to delete site")
		writeError(w, http.StatusInternalServerError, "Failed to delete site")
		return
	}

	h.logger.Info().Str("site", site).Msg("Site budget deleted")
	w.WriteHeader(http.StatusNoContent)
}

// GetGlobal returns the Global Budget.
func (h *BudgetHandler) GetGlobal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.aggregator.EnsureGlobal(ctx, h.aggregator.Today()); err != nil {
		h.logger.Warn().Err(err).Msg("Rollover before read failed")
	}

	global, err := h.store.GetGlobal(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Global Budget not configured")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to get Global Budget")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve Global Budget")
		return
	}

	writeJSON(w, http.StatusOK, global)
}

// PutGlobal reconfigures the Global Budget, creating it if needed.
func (h *BudgetHandler) PutGlobal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RulesRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rules := req.Rules()
	if err := rules.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.PutGlobalRules(ctx, rules, h.aggregator.Today()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to save Global Budget")
		writeError(w, http.StatusInternalServerError, "Failed to save Global Budget")
		return
	}

	global, err := h.store.GetGlobal(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to reload Global Budget")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve Global Budget")
		return
	}

	h.logger.Info().Msg("Global Budget saved")
	writeJSON(w, http.StatusOK, global)
}

// AddGlobalWebsite adds a site to the Global Budget.
func (h *BudgetHandler) AddGlobalWebsite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req WebsiteRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	site, err := target.NormalizeSite(req.Website)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid site: "+err.Error())
		return
	}

	if err := h.store.AddGlobalWebsite(ctx, site, h.aggregator.Today()); err != nil {
		h.logger.Error().Err(err).Str("site", site).Msg("Failed to add global website")
		writeError(w, http.StatusInternalServerError, "Failed to add website")
		return
	}

	h.logger.Info().Str("site", site).Msg("Website added to Global Budget")
	writeJSON(w, http.StatusCreated, map[string]string{"website": site})
}

// RemoveGlobalWebsite removes a site from the Global Budget.
func (h *BudgetHandler) RemoveGlobalWebsite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, ok := siteVar(w, r)
	if !ok {
		return
	}

	if err := h.store.RemoveGlobalWebsite(ctx, site); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Website not in Global Budget")
			return
		}
		h.logger.Error().Err(err).Str("site", site).Msg("Failed to remove global website")
		writeError(w, http.StatusInternalServerError, "Failed to remove website")
		return
	}

	h.logger.Info().Str("site", site).Msg("Website removed from Global Budget")
	w.WriteHeader(http.StatusNoContent)
}
