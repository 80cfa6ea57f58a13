package api

import (
	"net/http"
	"strconv"
	"sync"

	"invest-instruments/internal/jobs"
	"invest-instruments/internal/models"
	"invest-instruments/internal/storage"

	"github.com/gin-gonic/gin"
)

// Handler serves the read-mostly JSON API over the stored data and lets a
// daily job run be triggered remotely.
type Handler struct {
	store  *storage.Store
	runner *jobs.Runner
	opts   jobs.Options

	jobMu sync.Mutex
}

func SetupRoutes(r *gin.RouterGroup, store *storage.Store, runner *jobs.Runner, opts jobs.Options) *Handler {
	h := &Handler{store: store, runner: runner, opts: opts}

	r.GET("/shares", h.ListShares)
	r.POST("/shares", h.AddShare)
	r.GET("/shares/:secid/history", h.ShareHistory)
	r.GET("/potentials/top", h.TopPotentials)
	r.POST("/jobs/daily", h.RunDailyJob)

	return h
}

func (h *Handler) ListShares(c *gin.Context) {
	shares, err := h.store.ListShares()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(shares), "shares": shares})
}

func (h *Handler) AddShare(c *gin.Context) {
	var share models.Share
	if err := c.ShouldBindJSON(&share); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if share.UID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid is required"})
		return
	}
	if err := h.store.UpsertShare(&share); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, share)
}

func (h *Handler) ShareHistory(c *gin.Context) {
	secid := c.Param("secid")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	bars, err := h.store.ListBars(secid, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"secid": secid, "count": len(bars), "bars": bars})
}

func (h *Handler) TopPotentials(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	rows, err := h.store.TopPotentials(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "potentials": rows})
}

// RunDailyJob triggers one pipeline run. A run already in flight (in this
// process or another one holding the lock file) answers 409.
func (h *Handler) RunDailyJob(c *gin.Context) {
	if !h.jobMu.TryLock() {
		c.JSON(http.StatusConflict, gin.H{"error": "job already running"})
		return
	}
	defer h.jobMu.Unlock()

	summary, err := h.runner.Run(c.Request.Context(), h.opts)
	if err == jobs.ErrLocked {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}
