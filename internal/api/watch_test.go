package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/freqsearch/internal/models"
)

func dialWatch(t *testing.T, server *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/backtests/" + jobID + "/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	running := pendingJob()
	running.Status = models.JobStatusRunning

	completed := *running
	completed.Status = models.JobStatusCompleted

	stub := &stubBacktestAPI{jobSeq: []*models.BacktestJob{running, &completed}}
	server := httptest.NewServer(newTestRouter(t, stub))
	defer server.Close()

	conn := dialWatch(t, server, running.ID.String())

	var first WatchFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, running.ID, first.JobID)
	assert.Equal(t, models.JobStatusRunning, first.Status)
	assert.False(t, first.Terminal)

	var second WatchFrame
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.JobStatusCompleted, second.Status)
	assert.True(t, second.Terminal)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
}

func TestWatchTerminalJobClosesImmediately(t *testing.T) {
	job := pendingJob()
	job.Status = models.JobStatusFailed
	message := "engine exited with code 2"
	job.ErrorMessage = &message

	stub := &stubBacktestAPI{jobSeq: []*models.BacktestJob{job}}
	server := httptest.NewServer(newTestRouter(t, stub))
	defer server.Close()

	conn := dialWatch(t, server, job.ID.String())

	var frame WatchFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, models.JobStatusFailed, frame.Status)
	assert.True(t, frame.Terminal)
	assert.Equal(t, message, frame.ErrorMessage)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWatchUnknownJobFailsBeforeUpgrade(t *testing.T) {
	stub := &stubBacktestAPI{jobErr: models.ErrNotFound}
	router := newTestRouter(t, stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/backtests/"+pendingJob().ID.String()+"/watch", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
