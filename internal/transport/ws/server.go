// Package ws serves the live session channel over WebSocket. Each connection
// is registered as the session of its (user, process) pair and can submit
// plan approvals, clarification answers and cancellations.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/reviewflow/internal/config"
	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/service"
)

const commandTimeout = 30 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	svc      *service.Service
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, svc *service.Service, logger zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// HandleWebSocket upgrades GET /socket/:process_id and runs the connection.
// The user comes from the user_id query parameter or the X-User-ID header.
func (s *Server) HandleWebSocket(c echo.Context) error {
	processID := c.Param("process_id")
	userID := c.QueryParam("user_id")
	if userID == "" {
		userID = c.Request().Header.Get("X-User-ID")
	}
	if userID == "" || processID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":      "user_id and process_id are required",
			"error_kind": domain.ErrorKindValidation,
		})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := newConn(ws, userID, processID, s.cfg.SendBuffer)
	if err := s.svc.OpenSession(userID, processID, conn); err != nil {
		ws.Close()
		return err
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	s.logger.Info().Str("conn_id", conn.ID).Str("user_id", userID).Str("process_id", processID).Msg("session opened")

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads commands until the socket fails, then releases the session.
func (s *Server) readPump(conn *Conn) {
	defer func() {
		s.svc.CloseSession(conn.UserID, conn.ProcessID, conn)
		conn.Close()
		s.logger.Info().Str("conn_id", conn.ID).Str("user_id", conn.UserID).Str("process_id", conn.ProcessID).Msg("session closed")
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("websocket read failed")
			}
			return
		}
		s.handleMessage(conn, data)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (s *Server) writePump(conn *Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case data := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("failed to write message")
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-conn.Done():
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage dispatches an inbound command. Commands run off the read loop
// so a slow cancellation does not stall the connection.
func (s *Server) handleMessage(conn *Conn, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.reply(conn, cmd, fmt.Errorf("invalid JSON message: %w", domain.ErrValidation))
		return
	}

	var run func(ctx context.Context) error
	switch cmd.Type {
	case TypePlanApproval:
		if cmd.Approved == nil {
			s.reply(conn, cmd, fmt.Errorf("approved is required: %w", domain.ErrValidation))
			return
		}
		run = func(ctx context.Context) error {
			return s.svc.SubmitApproval(ctx, conn.UserID, cmd.PlanID, *cmd.Approved)
		}
	case TypeUserClarification:
		run = func(ctx context.Context) error {
			return s.svc.SubmitClarification(ctx, conn.UserID, cmd.RequestID, cmd.Answer)
		}
	case TypeCancelRun:
		run = func(ctx context.Context) error {
			_, err := s.svc.CancelRun(ctx, conn.UserID, cmd.RunID)
			return err
		}
	default:
		s.reply(conn, cmd, fmt.Errorf("unknown message type %q: %w", cmd.Type, domain.ErrValidation))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		s.reply(conn, cmd, run(ctx))
	}()
}

func (s *Server) reply(conn *Conn, cmd Command, err error) {
	result := CommandResult{
		Type:    TypeCommandResult,
		ID:      cmd.ID,
		Command: cmd.Type,
		OK:      err == nil,
		Ts:      time.Now().UnixMilli(),
	}
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = domain.ErrorKind(err)
		s.logger.Debug().Err(err).Str("conn_id", conn.ID).Str("command", cmd.Type).Msg("command failed")
	}
	if sendErr := conn.sendJSON(result); sendErr != nil {
		s.logger.Debug().Err(sendErr).Str("conn_id", conn.ID).Msg("failed to queue command result")
	}
}
