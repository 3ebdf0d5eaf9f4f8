package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	logpkg "github.com/kailas-cloud/tokenguard/internal/logger"
	"github.com/kailas-cloud/tokenguard/internal/metrics"
	"github.com/kailas-cloud/tokenguard/internal/usecase/session"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamReadLimit  = 4096
	streamSendBuffer = 32
)

// Stream frame types.
const (
	FrameState  = "state"
	FrameResult = "result"
	FrameError  = "error"
)

// Client request types.
const (
	RequestUse     = "use"
	RequestRefresh = "refresh"
)

// StreamFrame is the envelope of every server-to-client message.
type StreamFrame struct {
	Type      string              `json:"type"`
	State     *TokenStateResponse `json:"state,omitempty"`
	Success   *bool               `json:"success,omitempty"`
	Error     *ErrorResponse      `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// StreamRequest is a client-to-server message.
type StreamRequest struct {
	Type  string            `json:"type"`
	Usage *UseTokensRequest `json:"usage,omitempty"`
}

// Stream handles GET /api/v1/tokens/stream. Each connection owns one
// session controller; every state change is pushed as a "state" frame.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	logger := logpkg.FromContextOr(r.Context(), s.logger)
	ctrl := session.New(id, s.tokens, s.signal, logger)
	send := make(chan StreamFrame, streamSendBuffer)
	done := make(chan struct{})

	stop := ctrl.OnChange(func(st budget.State) {
		select {
		case send <- stateFrame(st):
		default:
			// Slow client; the next state supersedes this one.
		}
	})

	go s.writePump(conn, send, done)

	ctrl.Load(ctx)
	s.readPump(ctx, conn, ctrl, send)

	stop()
	ctrl.Close()
	close(done)
	_ = conn.Close()
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan StreamFrame, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, ctrl *session.Controller, send chan<- StreamFrame) {
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Stream closed", zap.String("identity", ctrl.Identity().String()), zap.Error(err))
			}
			return
		}

		var req StreamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			reply(send, errorFrame(ErrorCodeBadRequest, "invalid message: "+err.Error()))
			continue
		}

		switch req.Type {
		case RequestRefresh:
			ctrl.Load(ctx)
		case RequestUse:
			if req.Usage == nil {
				reply(send, errorFrame(ErrorCodeValidationFailed, "usage is required"))
				continue
			}
			res, err := ctrl.UseTokens(ctx, req.Usage.toCharge())
			if err != nil {
				if errors.Is(err, session.ErrClosed) {
					return
				}
				reply(send, errorFrame(ErrorCodeValidationFailed, safeDomainMessage(err)))
				continue
			}
			st := stateToAPI(res.State)
			success := res.Success
			reply(send, StreamFrame{Type: FrameResult, State: &st, Success: &success, Timestamp: time.Now()})
		default:
			reply(send, errorFrame(ErrorCodeBadRequest, "unknown message type: "+req.Type))
		}
	}
}

// reply queues a frame that must not be dropped, giving up after the write wait.
func reply(send chan<- StreamFrame, f StreamFrame) {
	t := time.NewTimer(streamWriteWait)
	defer t.Stop()
	select {
	case send <- f:
	case <-t.C:
	}
}

func stateFrame(st budget.State) StreamFrame {
	resp := stateToAPI(st)
	return StreamFrame{Type: FrameState, State: &resp, Timestamp: time.Now()}
}

func errorFrame(code ErrorCode, msg string) StreamFrame {
	return StreamFrame{Type: FrameError, Error: &ErrorResponse{Code: code, Message: msg}, Timestamp: time.Now()}
}
