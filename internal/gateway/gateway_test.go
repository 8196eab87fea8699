package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/studiobridge/internal/bridge"
	"github.com/basket/studiobridge/internal/bus"
	"github.com/basket/studiobridge/internal/gateway"
	"github.com/basket/studiobridge/internal/operations"
)

type harness struct {
	srv     *httptest.Server
	primary *bridge.Primary
	live    *gateway.Liveness
	bus     *bus.Bus
}

type stubInvoker struct {
	result *operations.Result
	err    error
	name   string
	args   json.RawMessage
}

func (s *stubInvoker) Call(_ context.Context, name string, args json.RawMessage) (*operations.Result, error) {
	s.name = name
	s.args = args
	return s.result, s.err
}

func newHarness(t *testing.T, ops gateway.Invoker) *harness {
	t.Helper()
	b := bus.New()
	h := &harness{
		primary: bridge.NewPrimary(bridge.Options{Bus: b}),
		live:    gateway.NewLiveness(nil, 0, 0),
		bus:     b,
	}
	server := gateway.New(gateway.Config{
		Bridge:       h.primary,
		Operations:   ops,
		Liveness:     h.live,
		Bus:          b,
		Mode:         func() string { return "primary" },
		MaxBodyBytes: 1 << 10,
	})
	h.srv = httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		h.srv.Close()
		h.primary.ResetAll()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

type submitResult struct {
	resp json.RawMessage
	err  error
}

func (h *harness) submitAsync(endpoint string, payload string) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		resp, err := h.primary.Submit(context.Background(), endpoint, json.RawMessage(payload))
		ch <- submitResult{resp, err}
	}()
	return ch
}

// pollUntilRequest polls until a request is handed out.
func (h *harness) pollUntilRequest(t *testing.T) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		code, body := h.do(t, http.MethodGet, "/poll", nil)
		if code != http.StatusOK {
			t.Fatalf("poll status %d: %v", code, body)
		}
		if body["request"] != nil {
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no request dispatched")
	return nil
}

func waitResult(t *testing.T, ch <-chan submitResult) submitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not settle")
		return submitResult{}
	}
}

func TestHealth_ReportsModeAndPending(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["service"] != "studiobridge" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["mode"] != "primary" {
		t.Fatalf("mode = %v", body["mode"])
	}
	if body["pluginConnected"] != false || body["mcpServerActive"] != false {
		t.Fatalf("expected nothing connected yet: %v", body)
	}
	if body["pending"] != float64(0) {
		t.Fatalf("pending = %v", body["pending"])
	}
}

func TestPoll_AgentInactiveReturns503(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/poll", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if body["error"] != "MCP server not connected" {
		t.Fatalf("error = %v", body["error"])
	}
	if body["mcpConnected"] != false || body["pluginConnected"] != true {
		t.Fatalf("unexpected flags %v", body)
	}
	if _, ok := body["request"]; !ok || body["request"] != nil {
		t.Fatalf("request should be null, got %v", body["request"])
	}
	if !h.live.PluginFlag() {
		t.Fatal("poll should mark the plugin as seen even when refused")
	}
}

func TestPoll_EmptyQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.live.SetAgentActive(true)

	code, body := h.do(t, http.MethodGet, "/poll", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["request"] != nil {
		t.Fatalf("request = %v, want null", body["request"])
	}
	if _, ok := body["requestId"]; ok {
		t.Fatal("requestId should be omitted when idle")
	}
	if body["mcpConnected"] != true {
		t.Fatalf("mcpConnected = %v", body["mcpConnected"])
	}
}

func TestPollResponse_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.live.SetAgentActive(true)

	result := h.submitAsync("/api/place-info", `{"verbose":true}`)
	body := h.pollUntilRequest(t)

	req := body["request"].(map[string]any)
	if req["endpoint"] != "/api/place-info" {
		t.Fatalf("endpoint = %v", req["endpoint"])
	}
	if data := req["data"].(map[string]any); data["verbose"] != true {
		t.Fatalf("data = %v", req["data"])
	}
	id, _ := body["requestId"].(string)
	if id == "" {
		t.Fatal("missing requestId")
	}

	code, ack := h.do(t, http.MethodPost, "/response", map[string]any{
		"requestId": id,
		"response":  map[string]any{"placeName": "Baseplate"},
	})
	if code != http.StatusOK || ack["success"] != true {
		t.Fatalf("response ack %d %v", code, ack)
	}

	r := waitResult(t, result)
	if r.err != nil {
		t.Fatalf("submit error: %v", r.err)
	}
	if string(r.resp) != `{"placeName":"Baseplate"}` {
		t.Fatalf("resp = %s", r.resp)
	}
}

func TestResponse_HostErrorFailsRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.live.SetAgentActive(true)

	result := h.submitAsync("/api/delete-object", `{"path":"game.Workspace.Part"}`)
	body := h.pollUntilRequest(t)

	h.do(t, http.MethodPost, "/response", map[string]any{
		"requestId": body["requestId"],
		"error":     "Instance not found",
	})

	r := waitResult(t, result)
	var hostErr *bridge.HostError
	if !errors.As(r.err, &hostErr) {
		t.Fatalf("err = %v, want HostError", r.err)
	}
	if hostErr.Message != "Instance not found" {
		t.Fatalf("message = %q", hostErr.Message)
	}
}

func TestResponse_FalsyErrorCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.live.SetAgentActive(true)

	result := h.submitAsync("/api/get-selection", `{}`)
	body := h.pollUntilRequest(t)

	h.do(t, http.MethodPost, "/response", fmt.Sprintf(
		`{"requestId":%q,"response":[],"error":null}`, body["requestId"]))

	r := waitResult(t, result)
	if r.err != nil {
		t.Fatalf("err = %v", r.err)
	}
	if string(r.resp) != `[]` {
		t.Fatalf("resp = %s", r.resp)
	}
}

func TestResponse_UnknownIDIsAcknowledged(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/response", map[string]any{
		"requestId": "missing",
		"response":  map[string]any{},
	})
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("got %d %v", code, body)
	}
}

func TestResponse_InvalidJSON(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/response", "{not json")
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(body["error"].(string), "invalid JSON") {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestResponse_OversizedBody(t *testing.T) {
	h := newHarness(t, nil)

	big := fmt.Sprintf(`{"requestId":"x","response":%q}`, strings.Repeat("a", 4<<10))
	code, _ := h.do(t, http.MethodPost, "/response", big)
	if code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", code)
	}
}

func TestReady_ClearsPendingRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.live.SetAgentActive(true)

	result := h.submitAsync("/api/place-info", `{}`)
	h.pollUntilRequest(t)

	sub := h.bus.Subscribe(bus.TopicHostReady)
	defer h.bus.Unsubscribe(sub)

	code, body := h.do(t, http.MethodPost, "/ready", nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("ready %d %v", code, body)
	}

	r := waitResult(t, result)
	if !errors.Is(r.err, bridge.ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", r.err)
	}
	if h.primary.Pending() != 0 {
		t.Fatalf("pending = %d", h.primary.Pending())
	}

	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.HostEvent).Cleared != 1 {
			t.Fatalf("cleared = %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no host.ready event")
	}
}

func TestDisconnect_MarksPluginGone(t *testing.T) {
	h := newHarness(t, nil)
	h.live.SetAgentActive(true)

	result := h.submitAsync("/api/place-info", `{}`)
	h.pollUntilRequest(t)

	h.do(t, http.MethodPost, "/disconnect", nil)

	if r := waitResult(t, result); !errors.Is(r.err, bridge.ErrConnectionClosed) {
		t.Fatalf("err = %v", r.err)
	}
	_, health := h.do(t, http.MethodGet, "/health", nil)
	if health["pluginConnected"] != false {
		t.Fatalf("pluginConnected = %v", health["pluginConnected"])
	}
}

func TestStatus_ReflectsActivity(t *testing.T) {
	h := newHarness(t, nil)

	_, before := h.do(t, http.MethodGet, "/status", nil)
	if before["lastActivity"] != float64(0) || before["mcpActive"] != false {
		t.Fatalf("unexpected initial status %v", before)
	}

	h.live.SetAgentActive(true)
	h.do(t, http.MethodGet, "/poll", nil)

	_, after := h.do(t, http.MethodGet, "/status", nil)
	if after["pluginConnected"] != true || after["mcpServerActive"] != true {
		t.Fatalf("unexpected status %v", after)
	}
	if after["lastActivity"].(float64) <= 0 {
		t.Fatalf("lastActivity = %v", after["lastActivity"])
	}
}

func TestProxy_ForwarderEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.live.SetAgentActive(true)

	fwd := bridge.NewForwarder(bridge.ForwarderOptions{
		BaseURL:    h.srv.URL,
		Timeout:    5 * time.Second,
		InstanceID: "proxy-1",
	})

	type out struct {
		resp json.RawMessage
		err  error
	}
	done := make(chan out, 1)
	go func() {
		resp, err := fwd.Submit(context.Background(), "/api/get-children", json.RawMessage(`{"path":"game.Workspace"}`))
		done <- out{resp, err}
	}()

	body := h.pollUntilRequest(t)
	if body["request"].(map[string]any)["endpoint"] != "/api/get-children" {
		t.Fatalf("unexpected request %v", body)
	}
	h.do(t, http.MethodPost, "/response", map[string]any{
		"requestId": body["requestId"],
		"error":     "Path not found",
	})

	select {
	case r := <-done:
		var hostErr *bridge.HostError
		if !errors.As(r.err, &hostErr) || hostErr.Message != "Path not found" {
			t.Fatalf("err = %v", r.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("forwarder did not return")
	}
}

func TestProxy_RequiresEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	code, _ := h.do(t, http.MethodPost, "/proxy", map[string]any{"instanceId": "x"})
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d", code)
	}
}

func TestOperation_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown", fmt.Errorf("%w: nope", operations.ErrUnknownOperation), http.StatusNotFound},
		{"invalid", &operations.ValidationError{Operation: "get_file_tree", Err: errors.New("bad")}, http.StatusBadRequest},
		{"failed", bridge.ErrTimeout, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &stubInvoker{err: tt.err})
			code, body := h.do(t, http.MethodPost, "/op/get_file_tree", `{}`)
			if code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
			if body["error"] == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestOperation_Success(t *testing.T) {
	inv := &stubInvoker{result: &operations.Result{
		Content: []operations.Content{{Type: "text", Text: `{"ok":true}`}},
	}}
	h := newHarness(t, inv)
	h.live.SetAgentActive(true)

	code, body := h.do(t, http.MethodPost, "/op/get_place_info", `{"a":1}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %v", code, body)
	}
	if inv.name != "get_place_info" || string(inv.args) != `{"a":1}` {
		t.Fatalf("invoker saw %q %s", inv.name, inv.args)
	}
	content := body["content"].([]any)
	if content[0].(map[string]any)["text"] != `{"ok":true}` {
		t.Fatalf("content = %v", content)
	}
}

func TestEvents_StreamsTopic(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/events?topic=host."
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for h.bus.SubscriberCount() == 0 {
		if ctx.Err() != nil {
			t.Fatal("server never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.do(t, http.MethodPost, "/ready", nil)

	var ev struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != bus.TopicHostReady {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if ev.Payload["cleared"] != float64(0) {
		t.Fatalf("payload = %v", ev.Payload)
	}
}
