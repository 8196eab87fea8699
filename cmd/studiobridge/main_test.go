package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestWithDefaultCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "no args means serve", args: nil, want: []string{"serve"}},
		{name: "flags only means serve", args: []string{"--port", "60000"}, want: []string{"serve", "--port", "60000"}},
		{name: "explicit command", args: []string{"status"}, want: []string{"status"}},
		{name: "long help", args: []string{"--help"}, want: []string{"--help"}},
		{name: "short help", args: []string{"-h"}, want: []string{"-h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withDefaultCommand(tt.args); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--help"}, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	for _, want := range []string{"serve", "status", "tools"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("help output missing %q:\n%s", want, stdout.String())
		}
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"serve", "--bogus"}, strings.NewReader(""), &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "bogus") {
		t.Fatalf("stderr should name the flag: %q", stderr.String())
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestServe_SessionRunsUntilStdinCloses(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "legacy_port: 0\nbind_retries: 1\n")
	port := freePort(t)

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	var stderr bytes.Buffer

	done := make(chan int, 1)
	go func() {
		done <- run(context.Background(), []string{
			"--home", home,
			"--host", "127.0.0.1",
			"--port", strconv.Itoa(port),
			"--quiet",
		}, stdinR, stdoutW, &stderr)
	}()

	replies := bufio.NewReader(stdoutR)
	if _, err := io.WriteString(stdinW, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`+"\n"); err != nil {
		t.Fatalf("write initialize: %v", err)
	}
	line, err := replies.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read initialize reply: %v", err)
	}
	var reply struct {
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatalf("decode reply %q: %v", line, err)
	}
	if reply.Result.ServerInfo.Name != "studiobridge" {
		t.Fatalf("serverInfo = %+v", reply.Result.ServerInfo)
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["mode"] != "primary" || health["mcpServerActive"] != true {
		t.Fatalf("health = %v", health)
	}

	stdinW.Close()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not exit after stdin closed")
	}

	if _, err := os.Stat(filepath.Join(home, "logs", "system.jsonl")); err != nil {
		t.Fatalf("expected system log: %v", err)
	}
}
