package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yourusername/freqsearch/internal/models"
)

const (
	watchPollInterval = time.Second
	watchWriteTimeout = 5 * time.Second
	// watchMaxDuration bounds a watch so an abandoned connection cannot
	// poll the store forever.
	watchMaxDuration = 4 * time.Hour
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WatchFrame is one status update pushed to a watching client.
type WatchFrame struct {
	JobID        uuid.UUID        `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	RetryCount   int              `json:"retry_count"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Terminal     bool             `json:"terminal"`
}

// Watch handles GET /backtests/:id/watch. It upgrades to a websocket,
// pushes a frame for the current status and every change after it, and
// closes once the job reaches a terminal state.
func (h *BacktestHandler) Watch(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	// Resolve the job before upgrading so a bad id is a plain 404.
	job, err := h.backtests.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client sends no data frames; this drains control frames and
	// unblocks when the peer goes away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !h.writeWatchFrame(conn, job) {
		return
	}
	if job.Status.IsTerminal() {
		h.closeWatch(conn)
		return
	}

	lastStatus := job.Status
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(watchMaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-deadline.C:
			h.closeWatch(conn)
			return
		case <-ticker.C:
			job, err = h.backtests.GetJob(c.Request.Context(), jobID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					h.closeWatch(conn)
					return
				}
				// Transient store error: keep the watch alive.
				continue
			}
			if job.Status != lastStatus {
				if !h.writeWatchFrame(conn, job) {
					return
				}
				lastStatus = job.Status
			}
			if job.Status.IsTerminal() {
				h.closeWatch(conn)
				return
			}
		}
	}
}

func (h *BacktestHandler) writeWatchFrame(conn *websocket.Conn, job *models.BacktestJob) bool {
	frame := WatchFrame{
		JobID:      job.ID,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		Terminal:   job.Status.IsTerminal(),
	}
	if job.ErrorMessage != nil {
		frame.ErrorMessage = *job.ErrorMessage
	}

	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return false
	}
	return true
}

func (h *BacktestHandler) closeWatch(conn *websocket.Conn) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watch finished")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(watchWriteTimeout))
}
