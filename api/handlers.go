package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"porsche-tracker/engine"
	"porsche-tracker/services"
	"porsche-tracker/storage"
	"porsche-tracker/utils"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Runner is the part of the engine the handlers drive.
type Runner interface {
	Trigger(criteriaID string, cad engine.Cadence) error
	Status() engine.Status
}

// Store is the read side of storage the handlers need.
type Store interface {
	storage.ListingStore
	storage.PriceHistoryStore
	storage.AlertStore
	storage.CriteriaStore
}

type Handlers struct {
	runner   Runner
	store    Store
	insights *services.InsightService
	logger   *utils.Logger
	now      func() time.Time
}

func NewHandlers(runner Runner, store Store, insights *services.InsightService, logger *utils.Logger) *Handlers {
	return &Handlers{runner: runner, store: store, insights: insights, logger: logger, now: time.Now}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports every (criteria, cadence) pair with its failure streak and
// degraded flag.
func (h *Handlers) Status(c *gin.Context) {
	st := h.runner.Status()
	degraded := 0
	for _, cs := range st.Cycles {
		if cs.Degraded {
			degraded++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"running":        st.Running,
		"pending_alerts": st.PendingAlerts,
		"degraded":       degraded,
		"cycles":         st.Cycles,
	})
}

func (h *Handlers) RunDiscovery(c *gin.Context) {
	h.trigger(c, engine.CadenceDiscovery)
}

func (h *Handlers) RunPriceCheck(c *gin.Context) {
	h.trigger(c, engine.CadencePriceCheck)
}

func (h *Handlers) trigger(c *gin.Context, cad engine.Cadence) {
	id := c.Param("id")
	err := h.runner.Trigger(id, cad)
	switch {
	case err == nil:
		h.logger.Info("[api] Manual %s run started for %s", cad, id)
		c.JSON(http.StatusAccepted, gin.H{"criteria_id": id, "cadence": cad, "status": "started"})
	case errors.Is(err, engine.ErrCycleInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "criteria_id": id, "cadence": cad})
	case errors.Is(err, engine.ErrUnknownCriteria):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "criteria_id": id})
	default:
		h.logger.Error("[api] Starting %s for %s: %v", cad, id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start cycle"})
	}
}

func (h *Handlers) ListCriteria(c *gin.Context) {
	list, err := h.store.ListActiveCriteria(c.Request.Context())
	if err != nil {
		h.logger.Error("[api] Listing criteria: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list criteria"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"criteria": list, "count": len(list)})
}

func (h *Handlers) RecentAlerts(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	alerts, err := h.store.RecentAlerts(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("[api] Reading alerts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// FailedAlerts lists alerts that exhausted their retries, for manual review.
func (h *Handlers) FailedAlerts(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	alerts, err := h.store.FailedAlerts(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("[api] Reading failed alerts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// ListingHistory returns a listing with its price log and analytics.
func (h *Handlers) ListingHistory(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	l, err := h.store.GetListing(ctx, id)
	if err != nil {
		h.logger.Error("[api] Reading listing %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read listing"})
		return
	}
	if l == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found", "listing_id": id})
		return
	}
	history, err := h.store.PriceHistory(ctx, id)
	if err != nil {
		h.logger.Error("[api] Reading history of %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read price history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listing":   l,
		"history":   history,
		"analytics": h.insights.PriceAnalytics(*l, history, h.now()),
	})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
