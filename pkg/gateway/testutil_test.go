package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/yulin0629/mcp-sse-proxy/pkg/upstream"
)

// echoUpstream builds an in-process MCP server with an echo tool and,
// optionally, a tool named "t" shared with other upstreams.
func echoUpstream(name string, extraTools ...string) *mcp.Server {
	srv := mcp.NewServer(
		&mcp.Implementation{Name: name, Version: "1.0.0"},
		&mcp.ServerOptions{HasTools: true, HasResources: true, HasPrompts: true},
	)
	addEcho := func(toolName string) {
		srv.AddTool(
			&mcp.Tool{
				Name:        toolName,
				Description: "echo tool",
				InputSchema: &jsonschema.Schema{
					Type:       "object",
					Properties: map[string]*jsonschema.Schema{"text": {Type: "string"}},
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
	}
	addEcho("echo")
	for _, extra := range extraTools {
		addEcho(extra)
	}
	srv.AddResource(
		&mcp.Resource{URI: "file:///" + name + ".txt", Name: name, MIMEType: "text/plain"},
		func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{
					{URI: "file:///" + name + ".txt", MIMEType: "text/plain", Text: "content of " + name},
				},
			}, nil
		},
	)
	srv.AddPrompt(
		&mcp.Prompt{Name: "hello", Description: "hello prompt"},
		func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []*mcp.PromptMessage{
					{Role: mcp.Role("assistant"), Content: &mcp.TextContent{Text: "hello from " + name}},
				},
			}, nil
		},
	)
	return srv
}

// slowUpstream builds a server whose single tool blocks until release is
// closed, signalling entry on entered.
func slowUpstream(entered chan struct{}, release chan struct{}) *mcp.Server {
	srv := mcp.NewServer(
		&mcp.Implementation{Name: "slow", Version: "1.0.0"},
		&mcp.ServerOptions{HasTools: true},
	)
	srv.AddTool(
		&mcp.Tool{
			Name:        "block",
			Description: "blocks until released",
			InputSchema: &jsonschema.Schema{Type: "object"},
		},
		func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "done"}},
			}, nil
		},
	)
	return srv
}

// newTestGateway assembles a full gateway over the given in-process
// upstreams and serves it via httptest.
func newTestGateway(t *testing.T, opts *Options, servers map[string]*mcp.Server) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &upstream.Config{Servers: map[string]upstream.ServerConfig{}}
	for name, srv := range servers {
		handler := mcp.NewStreamableHTTPHandler(
			func(*http.Request) *mcp.Server { return srv },
			&mcp.StreamableHTTPOptions{},
		)
		ts := httptest.NewServer(handler)
		t.Cleanup(ts.Close)
		cfg.Servers[name] = upstream.ServerConfig{URL: ts.URL, Type: "stream"}
	}

	var gw *Server
	pool := upstream.NewPool(cfg, &upstream.Options{
		ConnectTimeout: 5 * time.Second,
		OnListChanged: func(name, category string) {
			if gw != nil {
				gw.Router().OnUpstreamListChanged(name, category)
			}
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.DisconnectAll(ctx)
	})

	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	gw = New(pool, opts)
	t.Cleanup(func() {
		gw.modern.CloseAll()
		gw.legacy.CloseAll()
	})

	if len(servers) > 0 {
		result := pool.ConnectAll(context.Background())
		if len(result.Failed) != 0 {
			t.Fatalf("test upstreams failed to connect: %v", result.Failed)
		}
	}

	front := httptest.NewServer(gw.Handler())
	t.Cleanup(front.Close)
	return gw, front
}

func postJSON(t *testing.T, url, sessionID string, payload string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeRPC(t *testing.T, resp *http.Response) *rpcMessage {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("decode response %q: %v", body, err)
	}
	return &msg
}

// initializeSession performs the initialize handshake and returns the
// session id issued by the gateway.
func initializeSession(t *testing.T, baseURL string) string {
	t.Helper()
	resp := postJSON(t, baseURL+defaultMCPPath, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d, want 200", resp.StatusCode)
	}
	sid := resp.Header.Get(headerSessionID)
	if sid == "" {
		t.Fatalf("initialize response missing %s header", headerSessionID)
	}
	msg := decodeRPC(t, resp)
	if msg.Error != nil {
		t.Fatalf("initialize error: %+v", msg.Error)
	}
	return sid
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	event string
	data  string
}

// readSSEEvent reads the next event (skipping comments) from an SSE stream.
func readSSEEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
			// comment frame (keepalive, ping)
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if ev.data != "" {
				ev.data += "\n"
			}
			ev.data += strings.TrimPrefix(line, "data: ")
		}
	}
}

func callToolPayload(id int, name, text string) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf,
		`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":{"text":%q}}}`,
		id, name, text)
	return buf.String()
}
