package operations

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/basket/studiobridge/internal/bridge"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	endpoint string
	payload  json.RawMessage
	calls    int
	resp     json.RawMessage
	err      error
}

func (s *recordingSubmitter) Submit(_ context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.endpoint = endpoint
	s.payload = payload
	return s.resp, s.err
}

func newRegistry(t *testing.T, readOnly bool, sub Submitter) *Registry {
	t.Helper()
	cat, err := LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return NewRegistry(cat.Profile(readOnly), sub)
}

func TestLoadCatalog_Embedded(t *testing.T) {
	cat, err := LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	all := cat.Profile(false)
	if len(all) < 40 {
		t.Fatalf("expected the full catalogue, got %d operations", len(all))
	}
	byName := map[string]*Operation{}
	for _, op := range all {
		byName[op.Name] = op
	}
	want := map[string]string{
		"get_file_tree":     "/api/file-tree",
		"get_place_info":    "/api/place-info",
		"set_property":      "/api/set-property",
		"execute_luau":      "/api/execute-luau",
		"grep_scripts":      "/api/grep-scripts",
		"undo":              "/api/undo",
		"get_tagged":        "/api/get-tagged",
		"get_class_info":    "/api/class-info",
		"start_playtest":    "/api/start-playtest",
		"get_script_source": "/api/get-script-source",
	}
	for name, endpoint := range want {
		op, ok := byName[name]
		if !ok {
			t.Fatalf("missing operation %s", name)
		}
		if op.Endpoint != endpoint {
			t.Fatalf("%s: endpoint %s, want %s", name, op.Endpoint, endpoint)
		}
		if len(op.SchemaJSON()) == 0 {
			t.Fatalf("%s: schema not compiled", name)
		}
	}
}

func TestCatalog_ReadOnlyProfile(t *testing.T) {
	cat, err := LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	ro := cat.Profile(true)
	if len(ro) == 0 || len(ro) >= len(cat.Profile(false)) {
		t.Fatalf("read-only profile should be a proper subset, got %d", len(ro))
	}
	for _, op := range ro {
		if op.Category != Read {
			t.Fatalf("write operation %s leaked into read-only profile", op.Name)
		}
	}
}

func TestParseCatalog_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate":   "operations:\n- {name: a, endpoint: /api/a, category: read}\n- {name: a, endpoint: /api/b, category: read}\n",
		"category":    "operations:\n- {name: a, endpoint: /api/a, category: admin}\n",
		"no endpoint": "operations:\n- {name: a, category: read}\n",
		"bad schema":  "operations:\n- {name: a, endpoint: /api/a, category: read, input_schema: {type: 12}}\n",
		"not yaml":    "operations: [\n",
	}
	for name, body := range cases {
		if _, err := ParseCatalog([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRegistry_CallWrapsHostAnswer(t *testing.T) {
	sub := &recordingSubmitter{resp: json.RawMessage(`{"placeId":42}`)}
	r := newRegistry(t, false, sub)

	res, err := r.Call(context.Background(), "get_instance_children", json.RawMessage(`{"instancePath":"game.Workspace"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if sub.endpoint != "/api/instance-children" {
		t.Fatalf("unexpected endpoint %s", sub.endpoint)
	}
	if string(sub.payload) != `{"instancePath":"game.Workspace"}` {
		t.Fatalf("payload altered: %s", sub.payload)
	}
	if len(res.Content) != 1 || res.Content[0].Type != "text" || res.Content[0].Text != `{"placeId":42}` {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRegistry_EmptyArgsAndEmptyAnswer(t *testing.T) {
	sub := &recordingSubmitter{}
	r := newRegistry(t, false, sub)

	res, err := r.Call(context.Background(), "get_place_info", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(sub.payload) != "{}" {
		t.Fatalf("expected {} payload, got %s", sub.payload)
	}
	if res.Content[0].Text != "null" {
		t.Fatalf("expected null text, got %q", res.Content[0].Text)
	}
}

func TestRegistry_UnknownOperation(t *testing.T) {
	sub := &recordingSubmitter{}
	r := newRegistry(t, true, sub)

	_, err := r.Call(context.Background(), "delete_object", json.RawMessage(`{"instancePath":"game.Workspace.Part"}`))
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation from read-only profile, got %v", err)
	}
	if sub.calls != 0 {
		t.Fatal("unknown operation must not reach the bridge")
	}
}

func TestRegistry_ValidationError(t *testing.T) {
	sub := &recordingSubmitter{}
	r := newRegistry(t, false, sub)

	cases := []json.RawMessage{
		json.RawMessage(`{}`),
		json.RawMessage(`{"query":"Part","searchType":"telepathy"}`),
		json.RawMessage(`not json`),
	}
	for _, args := range cases {
		_, err := r.Call(context.Background(), "search_files", args)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("args %s: expected ValidationError, got %v", args, err)
		}
		if verr.Operation != "search_files" {
			t.Fatalf("unexpected operation in error: %s", verr.Operation)
		}
	}
	if sub.calls != 0 {
		t.Fatal("invalid arguments must not reach the bridge")
	}
}

func TestRegistry_BridgeErrorPassesThrough(t *testing.T) {
	sub := &recordingSubmitter{err: bridge.ErrTimeout}
	r := newRegistry(t, false, sub)

	_, err := r.Call(context.Background(), "get_selection", nil)
	if !errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRegistry_MassCreateEndpointDependsOnProperties(t *testing.T) {
	sub := &recordingSubmitter{resp: json.RawMessage(`{}`)}
	r := newRegistry(t, false, sub)

	plain := `{"objects":[{"className":"Part","parent":"game.Workspace"}]}`
	if _, err := r.Call(context.Background(), "mass_create_objects", json.RawMessage(plain)); err != nil {
		t.Fatalf("call: %v", err)
	}
	if sub.endpoint != "/api/mass-create-objects" {
		t.Fatalf("unexpected endpoint %s", sub.endpoint)
	}

	withProps := `{"objects":[{"className":"Part","parent":"game.Workspace","properties":{"Anchored":true}}]}`
	if _, err := r.Call(context.Background(), "mass_create_objects", json.RawMessage(withProps)); err != nil {
		t.Fatalf("call: %v", err)
	}
	if sub.endpoint != "/api/mass-create-objects-with-properties" {
		t.Fatalf("unexpected endpoint %s", sub.endpoint)
	}
}
