package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xiaot623/reviewflow/internal/domain"
)

// SSE event names emitted by a remote engine.
const (
	sseTextDelta           = "text_delta"
	sseMessage             = "message"
	sseToolInvocation      = "tool_invocation"
	ssePlanProposed        = "plan_proposed"
	sseClarificationNeeded = "clarification_needed"
	sseFinalResult         = "final_result"
	sseError               = "error"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// sseData is the union of all event data shapes.
type sseData struct {
	AgentID   string          `json:"agent_id"`
	Chunk     string          `json:"chunk"`
	FullText  string          `json:"full_text"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	PlanID    string          `json:"plan_id"`
	Content   string          `json:"content"`
	RequestID string          `json:"request_id"`
	Prompt    string          `json:"prompt"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}

// HTTPEngine drives a remote reasoning engine over HTTP, reading its events
// as a server-sent event stream.
type HTTPEngine struct {
	baseURL       string
	streamClient  *http.Client
	controlClient *http.Client
	logger        zerolog.Logger
}

// NewHTTPEngine creates an engine client for baseURL. timeout bounds the
// control requests and the wait for stream response headers; the stream body
// itself is unbounded since a run may sit behind a gate for a long time.
func NewHTTPEngine(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPEngine {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &HTTPEngine{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		streamClient:  &http.Client{Transport: transport},
		controlClient: &http.Client{Timeout: timeout},
		logger:        logger.With().Str("component", "engine").Logger(),
	}
}

type startRequest struct {
	RunID string `json:"run_id"`
	Task  string `json:"task"`
}

type inputRequest struct {
	Input string `json:"input"`
}

// Start opens the event stream for runID.
func (e *HTTPEngine) Start(ctx context.Context, runID, task string) (Stream, error) {
	body, err := json.Marshal(startRequest{RunID: runID, Task: task})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, e.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Run-ID", runID)

	resp, err := e.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to start run: %v", domain.ErrUpstreamEngine, err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: engine returned status %d: %s", domain.ErrUpstreamEngine, resp.StatusCode, string(bodyBytes))
	}

	s := &httpStream{
		engine: e,
		runID:  runID,
		items:  make(chan streamItem),
		cancel: cancel,
		logger: e.logger.With().Str("run_id", runID).Logger(),
	}
	go s.read(streamCtx, resp.Body)
	return s, nil
}

type streamItem struct {
	event Event
	err   error
}

type httpStream struct {
	engine *HTTPEngine
	runID  string
	items  chan streamItem
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	lastErr error

	stopOnce sync.Once
}

// read pumps the SSE body into s.items until the body ends or ctx is done.
func (s *httpStream) read(ctx context.Context, body io.ReadCloser) {
	defer close(s.items)
	defer body.Close()

	err := parseSSE(body, func(raw SSEEvent) error {
		ev, err := decodeEvent(raw)
		if err != nil {
			return err
		}
		if ev == nil {
			s.logger.Debug().Str("event", raw.Event).Msg("ignoring unknown engine event")
			return nil
		}
		select {
		case s.items <- streamItem{event: ev}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	switch {
	case err == nil:
		err = io.EOF
	case errors.Is(err, domain.ErrUpstreamEngine), errors.Is(err, context.Canceled):
	default:
		err = fmt.Errorf("%w: %v", domain.ErrUpstreamEngine, err)
	}
	select {
	case s.items <- streamItem{err: err}:
	case <-ctx.Done():
	}
}

func (s *httpStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-s.items:
		s.mu.Lock()
		defer s.mu.Unlock()
		if !ok {
			if s.lastErr != nil {
				return nil, s.lastErr
			}
			return nil, io.EOF
		}
		if item.err != nil {
			s.lastErr = item.err
			return nil, item.err
		}
		return item.event, nil
	}
}

func (s *httpStream) Inject(ctx context.Context, input string) error {
	return s.engine.post(ctx, "/runs/"+s.runID+"/input", inputRequest{Input: input})
}

func (s *httpStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = s.engine.post(ctx, "/runs/"+s.runID+"/stop", struct{}{})
	})
	return err
}

func (e *HTTPEngine) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.controlClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamEngine, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s returned status %d: %s", domain.ErrUpstreamEngine, path, resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// decodeEvent converts an SSE event into an engine Event. Unknown event names
// yield a nil Event. An engine-reported error yields ErrUpstreamEngine.
func decodeEvent(raw SSEEvent) (Event, error) {
	var d sseData
	if raw.Data != "" {
		if err := json.Unmarshal([]byte(raw.Data), &d); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s event: %v", domain.ErrUpstreamEngine, raw.Event, err)
		}
	}
	switch raw.Event {
	case sseTextDelta:
		return TextDelta{AgentID: d.AgentID, Chunk: d.Chunk}, nil
	case sseMessage:
		return AgentMessage{AgentID: d.AgentID, FullText: d.FullText}, nil
	case sseToolInvocation:
		return ToolInvocation{AgentID: d.AgentID, ToolName: d.ToolName, Args: d.Arguments}, nil
	case ssePlanProposed:
		return PlanProposed{PlanID: d.PlanID, Content: d.Content}, nil
	case sseClarificationNeeded:
		return ClarificationNeeded{RequestID: d.RequestID, Prompt: d.Prompt}, nil
	case sseFinalResult:
		return FinalResult{Content: d.Content}, nil
	case sseError:
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrUpstreamEngine, d.Code, d.Message)
	}
	return nil, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Comments and other fields are ignored
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
