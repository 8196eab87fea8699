package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport defines the communication layer for MCP.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	// Receive blocks for the next message. It returns io.EOF once the peer
	// has gone away.
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StreamTransport speaks newline-delimited JSON-RPC over a reader/writer
// pair, normally the process's own stdin and stdout.
type StreamTransport struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool

	lines    chan []byte
	readErr  error
	done     chan struct{}
	stopOnce sync.Once
}

// NewStreamTransport starts reading r in the background.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{
		w:     w,
		lines: make(chan []byte),
		done:  make(chan struct{}),
	}
	go t.readLoop(bufio.NewReader(r))
	return t
}

// A single reader goroutine owns r so an abandoned Receive never leaves two
// reads racing on the same buffer.
func (t *StreamTransport) readLoop(r *bufio.Reader) {
	defer close(t.lines)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case t.lines <- trimmed:
			case <-t.done:
				return
			}
		}
		if err != nil {
			t.readErr = err
			return
		}
	}
}

// Send writes one message followed by a newline.
func (t *StreamTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	if _, err := t.w.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (t *StreamTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			if t.readErr != nil && !errors.Is(t.readErr, io.EOF) {
				return nil, fmt.Errorf("read: %w", t.readErr)
			}
			return nil, io.EOF
		}
		return json.RawMessage(line), nil
	}
}

// Close stops delivery. The underlying reader and writer are left open;
// they belong to the caller.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.done) })
	return nil
}
