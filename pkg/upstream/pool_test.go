package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// echoServer builds an in-process MCP server advertising a single tool that
// echoes its "text" argument.
func echoServer(name, toolName string) *mcp.Server {
	srv := mcp.NewServer(
		&mcp.Implementation{Name: name, Version: "1.0.0"},
		&mcp.ServerOptions{HasTools: true, HasResources: true, HasPrompts: true},
	)
	srv.AddTool(
		&mcp.Tool{
			Name:        toolName,
			Description: "echo the text argument",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"text": {Type: "string"},
				},
			},
		},
		func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Text string `json:"text"`
			}
			if req.Params != nil && req.Params.Arguments != nil {
				if raw, err := json.Marshal(req.Params.Arguments); err == nil {
					_ = json.Unmarshal(raw, &args)
				}
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: args.Text}},
			}, nil
		},
	)
	srv.AddResource(
		&mcp.Resource{URI: "file:///greeting.txt", Name: "greeting", MIMEType: "text/plain"},
		func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{
					{URI: "file:///greeting.txt", MIMEType: "text/plain", Text: "hello"},
				},
			}, nil
		},
	)
	return srv
}

// startStreamable serves an MCP server over the modern transport.
func startStreamable(t *testing.T, srv *mcp.Server) *httptest.Server {
	t.Helper()
	handler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return srv },
		&mcp.StreamableHTTPOptions{},
	)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func testPool(t *testing.T, cfg *Config, opts *Options) *Pool {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	pool := NewPool(cfg, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.DisconnectAll(ctx)
	})
	return pool
}

func TestConnectAllCollectsOutcomes(t *testing.T) {
	t.Parallel()

	a := startStreamable(t, echoServer("a", "echo"))
	b := startStreamable(t, echoServer("b", "echo"))

	cfg := &Config{Servers: map[string]ServerConfig{
		"a":   {URL: a.URL, Type: "stream"},
		"b":   {URL: b.URL, Type: "stream"},
		"bad": {URL: "http://127.0.0.1:1", Type: "stream"},
	}}
	pool := testPool(t, cfg, &Options{ConnectTimeout: 2 * time.Second})

	result := pool.ConnectAll(context.Background())
	if got, want := result.Connected, []string{"a", "b"}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Connected = %v, want %v", got, want)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "bad" {
		t.Fatalf("Failed = %v, want [bad]", result.Failed)
	}
	if names := pool.Names(); len(names) != 2 {
		t.Fatalf("Names() = %v, want two entries", names)
	}
	if _, ok := pool.Get("bad"); ok {
		t.Fatalf("failed upstream must not be registered")
	}
}

func TestConnectAllBoundedParallelism(t *testing.T) {
	t.Parallel()

	servers := map[string]ServerConfig{}
	for _, name := range []string{"s1", "s2", "s3"} {
		ts := startStreamable(t, echoServer(name, "echo"))
		servers[name] = ServerConfig{URL: ts.URL, Type: "stream"}
	}
	pool := testPool(t, &Config{Servers: servers}, &Options{MaxParallel: 1})

	result := pool.ConnectAll(context.Background())
	if len(result.Connected) != 3 {
		t.Fatalf("Connected = %v, want all three", result.Connected)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("Failed = %v, want none", result.Failed)
	}
}

func TestConnectCapturesCatalogSnapshot(t *testing.T) {
	t.Parallel()

	ts := startStreamable(t, echoServer("snap", "echo"))
	pool := testPool(t, &Config{Servers: map[string]ServerConfig{
		"snap": {URL: ts.URL, Type: "stream"},
	}}, nil)
	pool.ConnectAll(context.Background())

	u, ok := pool.Get("snap")
	if !ok {
		t.Fatalf("upstream snap not connected")
	}
	if u.TransportKind() != KindModernHTTP {
		t.Fatalf("TransportKind = %s, want %s", u.TransportKind(), KindModernHTTP)
	}
	snap := u.Cached()
	if len(snap.Tools) != 1 || snap.Tools[0].Name != "echo" {
		t.Fatalf("snapshot tools = %v, want [echo]", snap.Tools)
	}
	if len(snap.Resources) != 1 {
		t.Fatalf("snapshot resources = %v, want one entry", snap.Resources)
	}
	// The prompt probe hit an upstream without prompts; the category must
	// be empty, not an error.
	if len(snap.Prompts) != 0 {
		t.Fatalf("snapshot prompts = %v, want none", snap.Prompts)
	}
}

func TestFallbackProbesLegacySSE(t *testing.T) {
	t.Parallel()

	srv := echoServer("fb", "echo")
	sseHandler := mcp.NewSSEHandler(
		func(*http.Request) *mcp.Server { return srv },
		&mcp.SSEOptions{},
	)
	mux := http.NewServeMux()
	mux.Handle("/sse", sseHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		// The modern probe must fail before the SSE fallback kicks in.
		http.Error(w, "streamable not supported", http.StatusBadRequest)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	pool := testPool(t, &Config{Servers: map[string]ServerConfig{
		"fb": {URL: ts.URL, Type: "http"},
	}}, &Options{ConnectTimeout: 5 * time.Second})

	result := pool.ConnectAll(context.Background())
	if len(result.Connected) != 1 {
		t.Fatalf("Connected = %v, want [fb]; failed = %v", result.Connected, result.Failed)
	}
	u, _ := pool.Get("fb")
	if u.TransportKind() != KindLegacySSE {
		t.Fatalf("TransportKind = %s, want %s", u.TransportKind(), KindLegacySSE)
	}
}

func TestDisconnectRemovesUpstream(t *testing.T) {
	t.Parallel()

	ts := startStreamable(t, echoServer("gone", "echo"))
	pool := testPool(t, &Config{Servers: map[string]ServerConfig{
		"gone": {URL: ts.URL, Type: "stream"},
	}}, nil)
	pool.ConnectAll(context.Background())

	if err := pool.Disconnect(context.Background(), "gone"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, ok := pool.Get("gone"); ok {
		t.Fatalf("upstream still registered after Disconnect")
	}
	// Disconnecting an unknown upstream is a no-op.
	if err := pool.Disconnect(context.Background(), "gone"); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func TestIsMethodUnavailableError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		message string
		method  string
		want    bool
	}{
		{"jsonrpc2: code -32601 message: method not found", "tools/list", true},
		{"method not found: prompts/list", "prompts/list", true},
		{"server does not support resources", "resources/list", true},
		{"connection refused", "tools/list", false},
		{"context deadline exceeded", "tools/list", false},
	}
	for _, tc := range cases {
		err := &testError{msg: tc.message}
		if got := isMethodUnavailableError(err, tc.method); got != tc.want {
			t.Errorf("isMethodUnavailableError(%q, %q) = %v, want %v", tc.message, tc.method, got, tc.want)
		}
	}
	if isMethodUnavailableError(nil, "tools/list") {
		t.Errorf("nil error must not be treated as method-unavailable")
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
