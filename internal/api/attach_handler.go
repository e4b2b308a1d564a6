package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/supervisor/attach"
	"github.com/prochub/prochub/internal/supervisor/pty"
)

// attachUpgrader is the WebSocket upgrader for attach connections.
// Uses 4 KiB read and write buffers.
var attachUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header for WebSocket connections.
// This prevents cross-site WebSocket hijacking attacks.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	// Allow localhost origins for development
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	// Check same-origin: Origin should match the Host header
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	// Compare hosts (ignoring port for flexibility)
	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		// Strip port from host if present (but be careful with IPv6)
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}

	return originHost == requestHost
}

// signalMessage is the text frame a client sends to deliver a signal.
type signalMessage struct {
	Signal string `json:"signal"`
}

// noticeMessage is the text frame the server sends for out-of-band notices
// and errors.
type noticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsWriter serializes writes to a gorilla WebSocket. Binary frames carry
// raw terminal bytes, text frames carry JSON notices.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newWsWriter(conn *gorillaws.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}

	if err := w.conn.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) writeNotice(msgType, message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return io.ErrClosedPipe
	}

	payload, err := json.Marshal(noticeMessage{Type: msgType, Message: message})
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(gorillaws.TextMessage, payload)
}

// writeClose sends a close control frame and marks the writer closed.
func (w *wsWriter) writeClose(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	msg := gorillaws.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second))
}

func (w *wsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Attach bridges a WebSocket client onto a running service's terminal.
// Binary frames carry raw PTY bytes in both directions; client text frames
// carry {"signal": "INT"|"TERM"|"KILL"}; server text frames carry JSON
// notices. The first binary frame replays recent scrollback.
// GET /api/v1/services/:id/attach
func (h *Handler) Attach(c *gin.Context) {
	id := c.Param("id")
	caller := callerFrom(c)
	log := h.logger.WithServiceID(id)

	conn, err := attachUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	wsw := newWsWriter(conn)

	sess, err := h.sup.Attach(caller, id)
	if err != nil {
		// 1006 may not be sent in a close frame; dropping the connection
		// makes the client report it as an abnormal closure.
		if code := attachErrorCloseCode(err); code != gorillaws.CloseAbnormalClosure {
			wsw.writeClose(code, err.Error())
		}
		_ = conn.Close()
		return
	}
	defer func() {
		h.sup.Detach(sess)
		_ = conn.Close()
	}()

	log.Info("attach session opened",
		zap.String("peer_id", sess.PeerID),
		zap.String("caller", caller.Name))

	if snapshot := sess.Snapshot(); len(snapshot) > 0 {
		if _, err := wsw.Write(snapshot); err != nil {
			return
		}
	}

	go h.pumpOutput(wsw, sess)
	h.readInput(conn, wsw, sess, log)
}

// attachErrorCloseCode maps an attach admission failure to its close code.
func attachErrorCloseCode(err error) int {
	appErr := apperrors.AsAppError(err)
	switch appErr.Code {
	case apperrors.ErrCodePermissionDenied:
		return gorillaws.ClosePolicyViolation
	case apperrors.ErrCodeIllegalTransition:
		// The service was not running when the client attached.
		return gorillaws.CloseAbnormalClosure
	default:
		return gorillaws.CloseInternalServerErr
	}
}

// pumpOutput forwards terminal output to the client until the session ends.
func (h *Handler) pumpOutput(wsw *wsWriter, sess *attach.Session) {
	for {
		select {
		case chunk, ok := <-sess.Output():
			if !ok {
				if sess.Lagged() {
					_ = wsw.writeNotice("notice", "output dropped: client too slow")
					wsw.writeClose(gorillaws.CloseInternalServerErr, "client lagged behind output")
					return
				}
				h.closeForReason(wsw, sess)
				return
			}
			if _, err := wsw.Write(chunk); err != nil {
				return
			}
		case <-sess.Done():
			h.closeForReason(wsw, sess)
			return
		}
	}
}

// closeForReason translates the hub's close reason into a notice plus a
// close frame.
func (h *Handler) closeForReason(wsw *wsWriter, sess *attach.Session) {
	switch sess.Reason() {
	case attach.ReasonServiceStopped:
		_ = wsw.writeNotice("notice", "service stopped")
		wsw.writeClose(gorillaws.CloseNormalClosure, string(attach.ReasonServiceStopped))
	case attach.ReasonServiceRestarted:
		_ = wsw.writeNotice("notice", "service restarted, session invalidated")
		wsw.writeClose(gorillaws.CloseNormalClosure, string(attach.ReasonServiceRestarted))
	case attach.ReasonAuthFailed:
		wsw.writeClose(gorillaws.ClosePolicyViolation, string(attach.ReasonAuthFailed))
	case attach.ReasonInternalError:
		wsw.writeClose(gorillaws.CloseInternalServerErr, string(attach.ReasonInternalError))
	default:
		wsw.writeClose(gorillaws.CloseNormalClosure, string(attach.ReasonNormal))
	}
}

// readInput consumes client frames until the connection drops: binary
// frames feed the terminal, text frames deliver signals.
func (h *Handler) readInput(conn *gorillaws.Conn, wsw *wsWriter, sess *attach.Session, log *logger.Logger) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				log.Debug("attach read ended", zap.Error(err))
			}
			return
		}

		switch messageType {
		case gorillaws.BinaryMessage:
			if err := sess.Input(data); err != nil {
				_ = wsw.writeNotice("error", err.Error())
			}
		case gorillaws.TextMessage:
			var msg signalMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Signal == "" {
				_ = wsw.writeNotice("error", "expected {\"signal\": \"INT\"|\"TERM\"|\"KILL\"}")
				continue
			}
			if err := sess.Signal(pty.Signal(msg.Signal)); err != nil {
				_ = wsw.writeNotice("error", err.Error())
			}
		}
	}
}
