// Package rpc exposes the run controller to internal clients over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/service"
)

// ServiceName is the name handlers are registered under.
const ServiceName = "Orchestrator"

const callTimeout = 30 * time.Second

// Server exposes internal RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    zerolog.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the service.
func NewServer(svc *service.Service, logger zerolog.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger.With().Str("component", "rpc").Logger(),
		done:      make(chan struct{}),
	}, nil
}

// Listen binds the server to addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rpc server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn().Err(err).Msg("rpc accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods. An empty UserID is a trusted internal
// caller.
type Handler struct {
	service *service.Service
}

// ApprovalArgs carries a plan decision.
type ApprovalArgs struct {
	UserID   string `json:"user_id"`
	PlanID   string `json:"plan_id"`
	Approved bool   `json:"approved"`
}

// ClarificationArgs carries a clarification answer.
type ClarificationArgs struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// RunArgs identifies a run.
type RunArgs struct {
	UserID string `json:"user_id"`
	RunID  string `json:"run_id"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// StartRun starts a run.
func (h *Handler) StartRun(req *domain.StartRunRequest, resp *domain.StartRunResponse) error {
	if req == nil {
		return errors.New("validation_error: start run request is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.service.StartRun(ctx, *req)
	if err != nil {
		return rpcError(err)
	}
	*resp = *result
	return nil
}

// SubmitApproval resolves a pending plan approval.
func (h *Handler) SubmitApproval(req *ApprovalArgs, resp *AckResponse) error {
	if req == nil {
		return errors.New("validation_error: approval request is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := h.service.SubmitApproval(ctx, req.UserID, req.PlanID, req.Approved); err != nil {
		return rpcError(err)
	}
	resp.OK = true
	return nil
}

// SubmitClarification resolves a pending clarification.
func (h *Handler) SubmitClarification(req *ClarificationArgs, resp *AckResponse) error {
	if req == nil {
		return errors.New("validation_error: clarification request is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := h.service.SubmitClarification(ctx, req.UserID, req.RequestID, req.Answer); err != nil {
		return rpcError(err)
	}
	resp.OK = true
	return nil
}

// CancelRun cancels a run and returns its settled state.
func (h *Handler) CancelRun(req *RunArgs, resp *domain.Run) error {
	if req == nil {
		return errors.New("validation_error: cancel request is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	run, err := h.service.CancelRun(ctx, req.UserID, req.RunID)
	if err != nil {
		return rpcError(err)
	}
	*resp = *run
	return nil
}

// GetRun returns a run.
func (h *Handler) GetRun(req *RunArgs, resp *domain.Run) error {
	if req == nil {
		return errors.New("validation_error: run request is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	run, err := h.service.GetRun(ctx, req.UserID, req.RunID)
	if err != nil {
		return rpcError(err)
	}
	*resp = *run
	return nil
}

// rpcError prefixes err with its error kind; net/rpc only carries the text.
func rpcError(err error) error {
	return fmt.Errorf("%s: %w", domain.ErrorKind(err), err)
}
