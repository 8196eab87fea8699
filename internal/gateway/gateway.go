// Package gateway is the HTTP surface of the bridge: host pollers fetch and
// answer operations here, proxy instances relay submissions, and local
// callers can invoke operations directly.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/studiobridge/internal/bridge"
	"github.com/basket/studiobridge/internal/bus"
	"github.com/basket/studiobridge/internal/config"
	"github.com/basket/studiobridge/internal/operations"
	"github.com/basket/studiobridge/internal/otel"
	"github.com/basket/studiobridge/internal/shared"
)

const serviceName = "studiobridge"

// Invoker runs a named operation.
type Invoker interface {
	Call(ctx context.Context, name string, args json.RawMessage) (*operations.Result, error)
}

type Config struct {
	// Bridge is the active facade, normally the arbiter.
	Bridge bridge.Bridge
	// Operations backs POST /op/{name}. Nil disables those routes.
	Operations Invoker
	Liveness   *Liveness
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	// Mode reports the bridge mode for diagnostics.
	Mode func() string

	CORS         config.CORSConfig
	MaxBodyBytes int64
	// AllowOrigins is the origin allowlist for browser /events clients.
	AllowOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	servers []*http.Server
	closed  bool
}

func New(cfg Config) *Server {
	if cfg.Liveness == nil {
		cfg.Liveness = NewLiveness(nil, 0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /ready", s.handleReady)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /poll", s.handlePoll)
	mux.HandleFunc("POST /response", s.handleResponse)
	mux.HandleFunc("POST /proxy", s.handleProxy)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.cfg.Operations != nil {
		mux.HandleFunc("POST /op/{name}", s.handleOperation)
	}

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// Serve handles connections on ln until Shutdown. Several listeners may
// share one Server; they all see the same ledger and liveness state.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.servers = append(s.servers, srv)
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops every listener started with Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) mode() string {
	if s.cfg.Mode == nil {
		return ""
	}
	return s.cfg.Mode()
}

type healthResponse struct {
	Status          string `json:"status"`
	Service         string `json:"service"`
	PluginConnected bool   `json:"pluginConnected"`
	MCPActive       bool   `json:"mcpActive"`
	MCPServerActive bool   `json:"mcpServerActive"`
	Uptime          int64  `json:"uptime"`
	Mode            string `json:"mode,omitempty"`
	Pending         int    `json:"pending"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	live := s.cfg.Liveness
	active := live.AgentActive()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Service:         serviceName,
		PluginConnected: live.PluginFlag(),
		MCPActive:       active,
		MCPServerActive: active,
		Uptime:          live.Uptime().Milliseconds(),
		Mode:            s.mode(),
		Pending:         s.cfg.Bridge.Pending(),
	})
}

type successResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	cleared := s.cfg.Bridge.ResetAll()
	s.cfg.Liveness.PluginSeen()
	s.logger.Info("studio plugin ready", "cleared", cleared)
	s.cfg.Bus.Publish(bus.TopicHostReady, bus.HostEvent{Cleared: cleared})
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Liveness.PluginGone()
	cleared := s.cfg.Bridge.ResetAll()
	s.logger.Info("studio plugin disconnected", "cleared", cleared)
	s.cfg.Bus.Publish(bus.TopicHostDisconnected, bus.HostEvent{Cleared: cleared})
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	PluginConnected bool   `json:"pluginConnected"`
	MCPActive       bool   `json:"mcpActive"`
	MCPServerActive bool   `json:"mcpServerActive"`
	LastActivity    int64  `json:"lastActivity"`
	Uptime          int64  `json:"uptime"`
	Mode            string `json:"mode,omitempty"`
	Pending         int    `json:"pending"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	live := s.cfg.Liveness
	active := live.AgentActive()
	var last int64
	if t := live.LastAgentActivity(); !t.IsZero() {
		last = t.UnixMilli()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		PluginConnected: live.PluginConnected(),
		MCPActive:       active,
		MCPServerActive: active,
		LastActivity:    last,
		Uptime:          live.Uptime().Milliseconds(),
		Mode:            s.mode(),
		Pending:         s.cfg.Bridge.Pending(),
	})
}

type pollRequest struct {
	Endpoint string          `json:"endpoint"`
	Data     json.RawMessage `json:"data"`
}

type pollResponse struct {
	Request         *pollRequest `json:"request"`
	RequestID       string       `json:"requestId,omitempty"`
	MCPConnected    bool         `json:"mcpConnected"`
	PluginConnected bool         `json:"pluginConnected"`
	Error           string       `json:"error,omitempty"`
}

func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Liveness.PluginSeen()

	if !s.cfg.Liveness.AgentActive() {
		writeJSON(w, http.StatusServiceUnavailable, pollResponse{
			Error:           "MCP server not connected",
			PluginConnected: true,
		})
		return
	}

	d, ok := s.cfg.Bridge.TakeNext()
	if !ok {
		writeJSON(w, http.StatusOK, pollResponse{MCPConnected: true, PluginConnected: true})
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{
		Request:         &pollRequest{Endpoint: d.Endpoint, Data: d.Payload},
		RequestID:       d.RequestID,
		MCPConnected:    true,
		PluginConnected: true,
	})
}

type responseBody struct {
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response"`
	Error     json.RawMessage `json:"error"`
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var body responseBody
	if !s.decode(w, r, &body) {
		return
	}
	if truthy(body.Error) {
		s.cfg.Bridge.Fail(body.RequestID, &bridge.HostError{Message: errorText(body.Error)})
	} else {
		s.cfg.Bridge.Complete(body.RequestID, body.Response)
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	var req bridge.ProxyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	s.cfg.Liveness.AgentSeen()

	ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "proxy.accept",
		otel.AttrEndpoint.String(req.Endpoint),
		otel.AttrInstanceID.String(req.InstanceID),
	)
	defer span.End()

	resp, err := s.cfg.Bridge.Submit(ctx, req.Endpoint, req.Payload)
	if err != nil {
		s.logger.Debug("proxied request failed", "endpoint", req.Endpoint, "instance_id", req.InstanceID, "error", err)
	}
	writeJSON(w, http.StatusOK, bridge.NewProxyResponse(resp, err))
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	s.cfg.Liveness.AgentSeen()

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	res, err := s.cfg.Operations.Call(ctx, name, raw)
	if err != nil {
		var verr *operations.ValidationError
		switch {
		case errors.Is(err, operations.ErrUnknownOperation):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeBodyError(w, err)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "read body: "+err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// truthy mirrors how the host plugin signals "no error": the field is
// absent, null, false, zero or an empty string.
func truthy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(bytes.TrimSpace(raw))
}
