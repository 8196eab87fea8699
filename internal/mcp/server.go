// Package mcp serves the operation catalogue to an agent as MCP tools over
// a JSON-RPC 2.0 stream.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/studiobridge/internal/bridge"
	"github.com/basket/studiobridge/internal/operations"
	"github.com/basket/studiobridge/internal/otel"
	"github.com/basket/studiobridge/internal/shared"
)

const (
	defaultProtocolVersion = "2024-11-05"
	hostTimeoutMessage     = "Studio plugin connection timeout. Make sure the Roblox Studio plugin is running and activated."
)

// Toolset is the catalogue the server exposes.
type Toolset interface {
	List() []*operations.Operation
	Call(ctx context.Context, name string, args json.RawMessage) (*operations.Result, error)
}

// Activity receives agent session and activity signals.
type Activity interface {
	SetAgentActive(active bool)
	AgentSeen()
}

type Options struct {
	Name    string
	Version string
	Tools   Toolset
	// Activity may be nil.
	Activity Activity
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
}

type Server struct {
	opts   Options
	logger *slog.Logger
	tools  []Tool
}

func NewServer(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "studiobridge"
	}
	if opts.Version == "" {
		opts.Version = otel.Version
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, logger: opts.Logger.With("component", "mcp")}
	for _, op := range opts.Tools.List() {
		s.tools = append(s.tools, Tool{
			Name:        op.Name,
			Description: op.Description,
			InputSchema: op.SchemaJSON(),
		})
	}
	return s
}

// Serve answers requests from t until the peer disconnects or ctx ends.
// Calls run concurrently so a slow tools/call does not hold up ping.
// In-flight calls are cancelled when Serve returns.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		if s.opts.Activity != nil {
			s.opts.Activity.SetAgentActive(false)
		}
	}()

	if s.opts.Activity != nil {
		s.opts.Activity.SetAgentActive(true)
	}
	s.logger.Info("mcp session started", "tools", len(s.tools))

	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("mcp session ended")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mcp receive: %w", err)
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			s.reply(ctx, t, jsonRPCResponse{
				ID:    json.RawMessage("null"),
				Error: &jsonRPCError{Code: codeParseError, Message: "Parse error"},
			})
			continue
		}
		if req.isNotification() {
			s.logger.Debug("mcp notification", "method", req.Method)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.handle(ctx, &req)
			resp.ID = req.ID
			s.reply(ctx, t, resp)
		}()
	}
}

func (s *Server) reply(ctx context.Context, t Transport, resp jsonRPCResponse) {
	resp.JSONRPC = "2.0"
	b, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}
	if err := t.Send(ctx, b); err != nil {
		s.logger.Warn("mcp: send response", "error", err)
	}
}

func (s *Server) handle(ctx context.Context, req *jsonRPCRequest) jsonRPCResponse {
	if req.JSONRPC != "2.0" {
		return errorResponse(codeInvalidRequest, "Invalid Request")
	}
	switch req.Method {
	case "initialize":
		return s.initialize(req.Params)
	case "ping":
		return jsonRPCResponse{Result: struct{}{}}
	case "tools/list":
		return jsonRPCResponse{Result: map[string]any{"tools": s.tools}}
	case "tools/call":
		return s.callTool(ctx, req.Params)
	default:
		return errorResponse(codeMethodNotFound, "Method not found: "+req.Method)
	}
}

func (s *Server) initialize(params json.RawMessage) jsonRPCResponse {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return errorResponse(codeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}
	version := p.ProtocolVersion
	if version == "" {
		version = defaultProtocolVersion
	}
	s.logger.Info("mcp client initialized", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version, "protocol", version)
	return jsonRPCResponse{Result: initializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      serverInfo{Name: s.opts.Name, Version: s.opts.Version},
	}}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) jsonRPCResponse {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return errorResponse(codeInvalidParams, "tools/call requires a tool name")
	}
	if s.opts.Activity != nil {
		s.opts.Activity.AgentSeen()
	}

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx, span := otel.StartServerSpan(ctx, s.opts.Tracer, "tools/call",
		otel.AttrToolName.String(p.Name),
		otel.AttrRequestID.String(traceID),
	)
	defer span.End()

	start := time.Now()
	res, err := s.opts.Tools.Call(ctx, p.Name, p.Arguments)
	s.opts.Metrics.ToolCalled(ctx, p.Name, time.Since(start).Seconds(), err != nil)
	if err == nil {
		return jsonRPCResponse{Result: res}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn("tool call failed", "tool", p.Name, "trace_id", traceID, "error", err)

	var verr *operations.ValidationError
	switch {
	case errors.Is(err, operations.ErrUnknownOperation):
		return errorResponse(codeMethodNotFound, "Unknown tool: "+p.Name)
	case errors.As(err, &verr):
		return errorResponse(codeInvalidParams, err.Error())
	case errors.Is(err, bridge.ErrTimeout):
		return errorResponse(codeInternalError, "Tool execution failed: "+hostTimeoutMessage)
	default:
		return errorResponse(codeInternalError, "Tool execution failed: "+err.Error())
	}
}

func errorResponse(code int, msg string) jsonRPCResponse {
	return jsonRPCResponse{Error: &jsonRPCError{Code: code, Message: msg}}
}
