package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/outreach/internal/models"
)

var (
	pollInterval      = 3 * time.Second
	heartbeatInterval = 15 * time.Second
)

// dispatchEvent is one dispatch attempt pushed to the browser.
type dispatchEvent struct {
	ID        uint      `json:"id"`
	ContactID string    `json:"contact_id"`
	Contact   string    `json:"contact"`
	Kind      string    `json:"kind"`
	Mode      string    `json:"mode"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// handleEvents streams new dispatch log rows as server-sent events. The
// after query parameter resumes from a known log id; without it only rows
// written after the connection opened are sent.
func handleEvents(o *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		db := o.DB.WithContext(ctx)

		var lastSeen uint
		if raw := c.Query("after"); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a log id"})
				return
			}
			lastSeen = uint(n)
		} else {
			var latest models.InvitationLog
			if err := db.Where("account_id = ?", o.AccountID).Order("id DESC").Limit(1).Find(&latest).Error; err == nil {
				lastSeen = latest.ID
			}
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]interface{}{"account": o.AccountID, "after": lastSeen})
		c.Writer.Flush()

		ticker := time.NewTicker(pollInterval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				logs, err := RecentLogs(db, LogFilters{AccountID: o.AccountID, Follow: true, AfterID: lastSeen, Limit: 50})
				if err != nil {
					o.Log.WithError(err).Warn("dashboard events poll")
					continue
				}
				for _, l := range logs {
					writeSSE(c.Writer, "dispatch", dispatchEvent{
						ID:        l.ID,
						ContactID: l.ContactID,
						Contact:   l.ContactName,
						Kind:      l.Kind,
						Mode:      l.Mode,
						Success:   l.Success,
						Error:     l.ErrorMessage,
						SentAt:    l.SentAt,
					})
					lastSeen = l.ID
				}
				if len(logs) > 0 {
					c.Writer.Flush()
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
