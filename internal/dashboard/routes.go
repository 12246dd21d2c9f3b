package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/outreach/internal/metrics"
)

const (
	defaultQueueLimit = 50
	defaultLogLimit   = 100
	maxLimit          = 500
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, o *StartOpts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/status", handleStatus(o))
	api.GET("/queue", handleQueue(o))
	api.GET("/logs", handleLogs(o))
	api.GET("/stats", handleStats(o))
	api.GET("/events", handleEvents(o))
}

func handleStatus(o *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := Status(c.Request.Context(), o.Tracker, o.AccountID, o.now())
		if err != nil {
			o.Log.WithError(err).Error("dashboard status")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func handleQueue(o *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := limitParam(c, defaultQueueLimit)
		if !ok {
			return
		}
		rows, err := Queue(c.Request.Context(), o.Tracker, o.Selector, o.AccountID, o.now(), limit)
		if err != nil {
			o.Log.WithError(err).Error("dashboard queue")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(rows), "items": rows})
	}
}

func handleLogs(o *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := limitParam(c, defaultLogLimit)
		if !ok {
			return
		}
		logs, err := RecentLogs(o.DB.WithContext(c.Request.Context()), LogFilters{
			AccountID:    o.AccountID,
			FailuresOnly: c.Query("failures") == "true",
			Limit:        limit,
		})
		if err != nil {
			o.Log.WithError(err).Error("dashboard logs")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(logs), "items": logs})
	}
}

func handleStats(o *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := Stats(o.DB.WithContext(c.Request.Context()), o.AccountID)
		if err != nil {
			o.Log.WithError(err).Error("dashboard stats")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sequences": stats})
	}
}

// limitParam reads ?limit=, writing a 400 and returning false when it is
// not a positive integer.
func limitParam(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
