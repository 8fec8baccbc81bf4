package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lab-analyzer/backend/internal/ingest"
	"github.com/lab-analyzer/backend/internal/models"
)

// WebSocket message types for the status stream
const (
	MsgTypeStatus = "status"
)

const (
	defaultPollInterval = 2 * time.Second
	writeWait           = 5 * time.Second
)

// WSStatusMessage is sent for the current status and every later change
type WSStatusMessage struct {
	Type string `json:"type"`
	ingest.StatusEvent
}

// StatusStreamHandlerImpl pushes experiment status over a WebSocket until
// the experiment reaches a terminal status
type StatusStreamHandlerImpl struct {
	svc      ExperimentService
	upgrader websocket.Upgrader
	poll     time.Duration
	logger   *slog.Logger
}

// NewStatusStreamHandler creates the status stream handler. Events are
// pushed as they are published; the experiment is also re-read every poll
// interval so a missed event never leaves a client waiting.
func NewStatusStreamHandler(svc ExperimentService, allowOrigins []string, poll time.Duration, logger *slog.Logger) *StatusStreamHandlerImpl {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusStreamHandlerImpl{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 4 * 1024,
		},
		poll:   poll,
		logger: logger.With("component", "ws"),
	}
}

// originChecker accepts requests without an Origin header, and any origin
// when the list is empty or contains "*".
func originChecker(allowOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || allowed["*"] {
			return true
		}
		if allowed[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// HandleStatusStream upgrades the connection and streams status messages.
// Access is checked before the upgrade so errors are ordinary HTTP errors.
func (h *StatusStreamHandlerImpl) HandleStatusStream(c echo.Context) error {
	ctx := c.Request().Context()
	principal := PrincipalFrom(c)
	id := c.Param("id")

	// subscribe before reading so a transition in between is not lost
	events, cancel := h.svc.Events().Subscribe(id)
	defer cancel()

	exp, _, err := h.svc.Experiment(ctx, principal, id)
	if err != nil {
		return err
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already answered with an HTTP error
		return nil
	}
	defer ws.Close()

	logger := h.logger.With("experiment_id", id)
	logger.Debug("status stream opened")

	// the client never sends anything we need; reading detects its close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	status := exp.Status
	if err := h.send(ws, id, status); err != nil {
		return nil
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for !status.IsTerminal() {
		var next models.ExperimentStatus
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			next = ev.Status
		case <-ticker.C:
			cur, _, err := h.svc.Experiment(ctx, principal, id)
			if err != nil {
				logger.Warn("status poll failed", "error", err)
				return nil
			}
			next = cur.Status
		case <-closed:
			return nil
		}
		if next == status {
			continue
		}
		status = next
		if err := h.send(ws, id, status); err != nil {
			return nil
		}
	}

	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status)),
		time.Now().Add(writeWait))
	logger.Debug("status stream finished", "status", status)
	return nil
}

func (h *StatusStreamHandlerImpl) send(ws *websocket.Conn, id string, status models.ExperimentStatus) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(WSStatusMessage{
		Type: MsgTypeStatus,
		StatusEvent: ingest.StatusEvent{
			ExperimentID: id,
			Status:       status,
			At:           time.Now().UTC(),
		},
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		h.logger.Debug("status stream write failed", "experiment_id", id, "error", err)
	}
	return err
}
