// Package procrpc speaks line-delimited JSON-RPC with a child process over
// its standard streams. The servers in question (codex app-server and
// friends) interleave unsolicited notifications with responses, so the
// client matches responses by id and drops everything else.
package procrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
)

const maxLineBytes = 1 << 20

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a server-reported failure. Any RPC error is fatal for the
// probe attempt; there are no retried methods at this layer.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return "rpc error: " + e.Message
}

// Client correlates requests and responses over a byte stream pair. It is
// not safe for concurrent Call; probes issue requests sequentially.
type Client struct {
	enc      *json.Encoder
	lines    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	readErr  error
	nextID   int64
	log      *slog.Logger
}

// NewClient wraps an existing stream pair. Tests construct clients over
// in-memory pipes; production code goes through Spawn.
func NewClient(r io.Reader, w io.Writer, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	c := &Client{
		enc:   json.NewEncoder(w),
		lines: make(chan []byte),
		done:  make(chan struct{}),
		log:   log,
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	go c.readLoop(sc)
	return c
}

// readLoop feeds inbound lines to Call. It ends when the stream does or the
// client shuts down; Call observes the closed channel as EOF.
func (c *Client) readLoop(sc *bufio.Scanner) {
	defer close(c.lines)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
	c.readErr = sc.Err()
}

// shutdown unblocks the read loop. Safe to call repeatedly.
func (c *Client) shutdown() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Call sends one request and waits for the matching response, the end of the
// stream, or ctx. A server that goes silent cannot hold the caller past its
// deadline. Notifications (no id) and responses to other ids are discarded.
// A server error object fails the call; result may be nil when the caller
// only needs the acknowledgement.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.nextID++
	id := c.nextID
	if err := c.enc.Encode(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	for {
		var line []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-c.lines:
			if !ok {
				if c.readErr != nil {
					return fmt.Errorf("read %s response: %w", method, c.readErr)
				}
				return fmt.Errorf("read %s response: %w", method, io.ErrUnexpectedEOF)
			}
			line = l
		}
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Debug("discarding non-json line", "method", method)
			continue
		}
		gotID, ok := parseID(env.ID)
		if !ok {
			// Server-initiated notification.
			continue
		}
		if gotID != id {
			c.log.Debug("discarding mismatched response", "want", id, "got", gotID)
			continue
		}
		if env.Error != nil {
			return fmt.Errorf("%s: %w", method, env.Error)
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a request with no id and expects no response.
func (c *Client) Notify(method string, params any) error {
	if err := c.enc.Encode(request{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

// Initialize performs the handshake: an initialize call carrying client
// info, then the initialized notification.
func (c *Client) Initialize(ctx context.Context, name, version string) error {
	params := map[string]any{
		"clientInfo": map[string]string{"name": name, "version": version},
	}
	if err := c.Call(ctx, "initialize", params, nil); err != nil {
		return err
	}
	return c.Notify("initialized", nil)
}

// Servers have been seen echoing ids as strings.
func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			return parsed, true
		}
	}
	return 0, false
}
