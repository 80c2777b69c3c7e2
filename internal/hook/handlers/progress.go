package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgehook/forgehook/internal/hook/progress"
)

const (
	progressWriteTimeout = 10 * time.Second
	heartbeatInterval    = 30 * time.Second
)

var progressUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// installProgress streams install progress over a WebSocket. The stream opens
// with a connected envelope, forwards bus updates, heartbeats while idle, and
// closes after the terminal update.
func (h *Handlers) installProgress(c *gin.Context) {
	installID := c.Param("installId")

	conn, err := progressUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Progress websocket upgrade failed",
			zap.String("install_id", installID), zap.Error(err))
		return
	}
	defer conn.Close()

	updates := h.progress.Subscribe(installID)

	write := func(u progress.Update) error {
		conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
		return conn.WriteJSON(u)
	}

	if err := write(progress.Update{
		Type:      progress.TypeConnected,
		InstallID: installID,
		At:        time.Now().UTC(),
	}); err != nil {
		return
	}

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
					time.Now().Add(progressWriteTimeout))
				return
			}
			if err := write(u); err != nil {
				return
			}
			if u.Type == progress.TypeComplete || u.Type == progress.TypeError {
				conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
					time.Now().Add(progressWriteTimeout))
				return
			}

		case <-heartbeat.C:
			if err := write(progress.Update{
				Type:      progress.TypeHeartbeat,
				InstallID: installID,
				At:        time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}
}
