package api

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tarefas/board"
	"tarefas/domain"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePongWait     = 60 * time.Second
	livePingInterval = livePongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// liveClientMessage is a frame sent by the browser. A submit may carry the
// draft as the browser shows it, which then replaces the server copy.
type liveClientMessage struct {
	Type   string        `json:"type"`
	Tarefa string        `json:"tarefa"`
	Public bool          `json:"public"`
	Draft  *domain.Draft `json:"draft,omitempty"`
}

type snapshotFrame struct {
	Type  string              `json:"type"`
	Tasks []domain.TaskRecord `json:"tasks"`
}

type draftFrame struct {
	Type  string       `json:"type"`
	Draft domain.Draft `json:"draft"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// liveTasks serves one board view over a WebSocket: snapshots flow to the
// client, draft edits and submissions flow back.
func liveTasks(f board.Feed, gateway board.Submitter, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := identityFrom(c)
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader already wrote the error response
			return nil
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(c.Request().Context())
		defer cancel()

		view := board.NewView(identity, f, gateway, logger)
		if err := view.Activate(ctx); err != nil {
			logger.WithError(err).WithField("user", identity.Email).Error("live: activate view")
			return nil
		}
		defer view.Deactivate()

		entry := logger.WithField("user", identity.Email)
		ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := ws.WriteJSON(draftFrame{Type: "draft", Draft: view.Draft()}); err != nil {
			return nil
		}

		out := make(chan any, 8)
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			writeLoop(ctx, ws, view, out, entry)
			cancel()
			// unblocks the reader
			ws.Close()
		}()

		send := func(frame any) bool {
			select {
			case out <- frame:
				return true
			case <-ctx.Done():
				return false
			}
		}

		ws.SetReadLimit(maxBodySize)
		ws.SetReadDeadline(time.Now().Add(livePongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			var msg liveClientMessage
			if err := ws.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					entry.WithError(err).Debug("live: read")
				}
				break
			}
			if !handleLiveMessage(ctx, view, msg, send) {
				break
			}
		}
		cancel()
		<-writerDone
		return nil
	}
}

func handleLiveMessage(ctx context.Context, view *board.View, msg liveClientMessage, send func(any) bool) bool {
	switch msg.Type {
	case "draft":
		view.SetDraftText(msg.Tarefa)
		return true
	case "public":
		view.SetDraftPublic(msg.Public)
		return true
	case "submit":
		if msg.Draft != nil {
			view.SetDraftText(msg.Draft.Tarefa)
			view.SetDraftPublic(msg.Draft.Public)
		}
		if out, _ := view.Submit(ctx); out == board.OutcomeFailed {
			if !send(errorFrame{Type: "error", Error: submitFailedMessage}) {
				return false
			}
		}
		return send(draftFrame{Type: "draft", Draft: view.Draft()})
	default:
		return send(errorFrame{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

func writeLoop(ctx context.Context, ws *websocket.Conn, view *board.View, out <-chan any, entry *log.Entry) {
	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()
	write := func(frame any) bool {
		ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := ws.WriteJSON(frame); err != nil {
			entry.WithError(err).Debug("live: write")
			return false
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-out:
			if !write(frame) {
				return
			}
		case <-view.Updates():
			if view.State() != board.StateLive {
				continue
			}
			if !write(snapshotFrame{Type: "snapshot", Tasks: view.Tasks()}) {
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
