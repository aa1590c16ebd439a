package procrpc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/zsprackett/quotawatch/internal/procrpc"
)

// scriptedServer reads requests from its end of the pipes and replies with
// pre-baked lines keyed by method.
func scriptedServer(t *testing.T, replies map[string][]string) *procrpc.Client {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	go func() {
		defer serverOut.Close()
		sc := bufio.NewScanner(serverIn)
		for sc.Scan() {
			var req struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				continue
			}
			if req.ID == nil {
				continue // notification, no reply
			}
			for _, line := range replies[req.Method] {
				line = strings.ReplaceAll(line, "{{id}}", jsonInt(*req.ID))
				if _, err := io.WriteString(serverOut, line+"\n"); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() { clientOut.Close() })
	return procrpc.NewClient(clientIn, clientOut, nil)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestCallReturnsMatchingResult(t *testing.T) {
	c := scriptedServer(t, map[string][]string{
		"account/read": {`{"id":{{id}},"result":{"account":{"email":"dev@example.com"}}}`},
	})
	var res struct {
		Account struct {
			Email string `json:"email"`
		} `json:"account"`
	}
	if err := c.Call(context.Background(), "account/read", nil, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Account.Email != "dev@example.com" {
		t.Errorf("email = %q", res.Account.Email)
	}
}

func TestCallSkipsNotificationsAndMismatchedIDs(t *testing.T) {
	c := scriptedServer(t, map[string][]string{
		"status": {
			`{"method":"sessionConfigured","params":{}}`,
			`{"id":999,"result":{"stale":true}}`,
			`not json at all`,
			`{"id":{{id}},"result":{"value":42}}`,
		},
	})
	var res struct {
		Value int `json:"value"`
	}
	if err := c.Call(context.Background(), "status", nil, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Value != 42 {
		t.Errorf("value = %d, want 42", res.Value)
	}
}

func TestCallServerErrorIsFatal(t *testing.T) {
	c := scriptedServer(t, map[string][]string{
		"account/rateLimits/read": {`{"id":{{id}},"error":{"code":-32001,"message":"not signed in"}}`},
	})
	err := c.Call(context.Background(), "account/rateLimits/read", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *procrpc.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Message != "not signed in" {
		t.Errorf("message = %q", rpcErr.Message)
	}
}

func TestCallStringIDAccepted(t *testing.T) {
	c := scriptedServer(t, map[string][]string{
		"config/read": {`{"id":"{{id}}","result":{"config":{}}}`},
	})
	if err := c.Call(context.Background(), "config/read", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestCallHonorsContextWhenServerSilent(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	defer serverOut.Close()
	c := procrpc.NewClient(clientIn, io.Discard, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Call(ctx, "account/rateLimits/read", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Call blocked %v past a 100ms deadline", elapsed)
	}
}

func TestCallHonorsCancellation(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	defer serverOut.Close()
	c := procrpc.NewClient(clientIn, io.Discard, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := c.Call(ctx, "initialize", nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context canceled", err)
	}
}

func TestCallEOFBeforeResponse(t *testing.T) {
	r := strings.NewReader("")
	c := procrpc.NewClient(r, io.Discard, nil)
	err := c.Call(context.Background(), "initialize", nil, nil)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestInitializeHandshake(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	seen := make(chan string, 2)
	go func() {
		defer serverOut.Close()
		sc := bufio.NewScanner(serverIn)
		for sc.Scan() {
			var req struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if json.Unmarshal(sc.Bytes(), &req) != nil {
				continue
			}
			seen <- req.Method
			if req.Method == "initialize" {
				io.WriteString(serverOut, `{"id":`+jsonInt(*req.ID)+`,"result":{}}`+"\n")
			}
		}
	}()
	c := procrpc.NewClient(clientIn, clientOut, nil)
	if err := c.Initialize(context.Background(), "quotawatch", "1.0.0"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	clientOut.Close()
	if got := []string{<-seen, <-seen}; got[0] != "initialize" || got[1] != "initialized" {
		t.Errorf("handshake methods = %v", got)
	}
}
