package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/yulin0629/mcp-sse-proxy/pkg/catalog"
)

const protocolVersion = "2025-03-26"

// session is the router's view of one connected client, on either
// transport. Deliver enqueues a server-to-client message; it must not
// block.
type session interface {
	SessionID() string
	Deliver(msg *rpcMessage)
}

type pendingKey struct {
	upstream string
	id       string
}

type pendingEntry struct {
	session    session
	originalID json.RawMessage
}

// Router dispatches client JSON-RPC messages against the shared catalog and
// forwards invocations to the owning upstream. A single router serves every
// session; per-session state stays in the session managers.
type Router struct {
	catalog *catalog.Catalog
	logger  *zap.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]session

	pendingMu sync.Mutex
	pending   map[pendingKey]pendingEntry
}

// NewRouter builds a Router over the shared catalog.
func NewRouter(cat *catalog.Catalog, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		catalog:  cat,
		logger:   logger,
		sessions: make(map[string]session),
		pending:  make(map[pendingKey]pendingEntry),
	}
}

func (r *Router) addSession(s session) {
	r.sessionsMu.Lock()
	r.sessions[s.SessionID()] = s
	r.sessionsMu.Unlock()
}

func (r *Router) removeSession(id string) {
	r.sessionsMu.Lock()
	delete(r.sessions, id)
	r.sessionsMu.Unlock()
}

// Broadcast fans a notification out to every connected client session on
// both transports.
func (r *Router) Broadcast(method string, params any) {
	msg := notificationMessage(method, params)
	r.sessionsMu.RLock()
	targets := make([]session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.sessionsMu.RUnlock()
	for _, s := range targets {
		s.Deliver(msg)
	}
}

// OnUpstreamListChanged translates an upstream list-changed event into the
// matching client-facing notification.
func (r *Router) OnUpstreamListChanged(upstreamName, category string) {
	method := "notifications/" + category + "/list_changed"
	r.logger.Debug("broadcasting list change",
		zap.String("server", upstreamName), zap.String("category", category))
	r.Broadcast(method, nil)
}

// registerPending records a forwarded request so its response is delivered
// to exactly the originating session. The returned func removes the entry;
// callers run it when the forward fails, and takePending removes the entry
// when the response is delivered.
func (r *Router) registerPending(upstreamName string, id json.RawMessage, s session) func() {
	key := pendingKey{upstream: upstreamName, id: string(id)}
	r.pendingMu.Lock()
	r.pending[key] = pendingEntry{session: s, originalID: id}
	r.pendingMu.Unlock()
	return func() {
		r.pendingMu.Lock()
		delete(r.pending, key)
		r.pendingMu.Unlock()
	}
}

// takePending resolves and removes the entry for a completed forward,
// returning the session the response belongs to.
func (r *Router) takePending(upstreamName string, id json.RawMessage) (session, bool) {
	key := pendingKey{upstream: upstreamName, id: string(id)}
	r.pendingMu.Lock()
	entry, ok := r.pending[key]
	delete(r.pending, key)
	r.pendingMu.Unlock()
	return entry.session, ok
}

// Dispatch handles one client request or notification on behalf of sess.
// The return value is nil for notifications; otherwise it is the response
// to write back on the originating session.
func (r *Router) Dispatch(ctx context.Context, sess session, msg *rpcMessage) *rpcMessage {
	switch msg.Method {
	case "initialize":
		return r.handleInitialize(msg)
	case "ping":
		return resultMessage(msg.ID, struct{}{})
	case "tools/list":
		return resultMessage(msg.ID, struct {
			Tools []*mcp.Tool `json:"tools"`
		}{Tools: r.catalog.Tools(ctx)})
	case "tools/call":
		return r.handleToolCall(ctx, sess, msg)
	case "resources/list":
		return resultMessage(msg.ID, struct {
			Resources []*mcp.Resource `json:"resources"`
		}{Resources: r.catalog.Resources(ctx)})
	case "resources/read":
		return r.handleResourceRead(ctx, sess, msg)
	case "prompts/list":
		return resultMessage(msg.ID, struct {
			Prompts []*mcp.Prompt `json:"prompts"`
		}{Prompts: r.catalog.Prompts(ctx)})
	case "prompts/get":
		return r.handlePromptGet(ctx, sess, msg)
	default:
		if msg.isNotification() {
			// Client notifications (notifications/initialized and friends)
			// need no routing.
			return nil
		}
		return errorMessage(msg.ID, codeMethodNotFound,
			fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (r *Router) handleInitialize(msg *rpcMessage) *rpcMessage {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	version := params.ProtocolVersion
	if version == "" {
		version = protocolVersion
	}
	type listChanged struct {
		ListChanged bool `json:"listChanged"`
	}
	return resultMessage(msg.ID, struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools     listChanged `json:"tools"`
			Resources listChanged `json:"resources"`
			Prompts   listChanged `json:"prompts"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}{
		ProtocolVersion: version,
		Capabilities: struct {
			Tools     listChanged `json:"tools"`
			Resources listChanged `json:"resources"`
			Prompts   listChanged `json:"prompts"`
		}{
			Tools:     listChanged{ListChanged: true},
			Resources: listChanged{ListChanged: true},
			Prompts:   listChanged{ListChanged: true},
		},
		ServerInfo: struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}{Name: "mcp-gateway", Version: "1.0.0"},
	})
}

func (r *Router) handleToolCall(ctx context.Context, sess session, msg *rpcMessage) *rpcMessage {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return errorMessage(msg.ID, codeInvalidRequest, "tools/call requires a tool name")
	}

	if res, handled, err := r.catalog.CallManagement(ctx, params.Name, params.Arguments); handled {
		if err != nil {
			return r.resolveErrorMessage(msg.ID, err)
		}
		return resultMessage(msg.ID, res)
	}

	u, native, err := r.catalog.ResolveTool(params.Name)
	if err != nil {
		return r.resolveErrorMessage(msg.ID, err)
	}

	release := r.registerPending(u.Name(), msg.ID, sess)

	var args any
	if len(params.Arguments) > 0 {
		args = params.Arguments
	}
	res, err := u.CallTool(ctx, native, args)
	if err != nil {
		release()
		return errorMessage(msg.ID, codeInternal,
			fmt.Sprintf("tool call %s failed: %v", params.Name, err))
	}
	// Delivery-time removal: the response goes to exactly the session the
	// pending entry names, which is the one this dispatch runs on behalf of.
	if target, ok := r.takePending(u.Name(), msg.ID); !ok || target != sess {
		r.logger.Error("pending entry missing or bound to a different session",
			zap.String("server", u.Name()))
	}
	return resultMessage(msg.ID, res)
}

func (r *Router) handleResourceRead(ctx context.Context, sess session, msg *rpcMessage) *rpcMessage {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return errorMessage(msg.ID, codeInvalidRequest, "resources/read requires a uri")
	}
	u, native, err := r.catalog.ResolveResource(params.URI)
	if err != nil {
		return r.resolveErrorMessage(msg.ID, err)
	}
	release := r.registerPending(u.Name(), msg.ID, sess)
	res, err := u.ReadResource(ctx, native)
	if err != nil {
		release()
		return errorMessage(msg.ID, codeInternal,
			fmt.Sprintf("resource read %s failed: %v", params.URI, err))
	}
	r.takePending(u.Name(), msg.ID)
	return resultMessage(msg.ID, res)
}

func (r *Router) handlePromptGet(ctx context.Context, sess session, msg *rpcMessage) *rpcMessage {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return errorMessage(msg.ID, codeInvalidRequest, "prompts/get requires a prompt name")
	}
	u, native, err := r.catalog.ResolvePrompt(params.Name)
	if err != nil {
		return r.resolveErrorMessage(msg.ID, err)
	}
	release := r.registerPending(u.Name(), msg.ID, sess)
	res, err := u.GetPrompt(ctx, native, params.Arguments)
	if err != nil {
		release()
		return errorMessage(msg.ID, codeInternal,
			fmt.Sprintf("prompt get %s failed: %v", params.Name, err))
	}
	r.takePending(u.Name(), msg.ID)
	return resultMessage(msg.ID, res)
}

// resolveErrorMessage maps catalog resolution failures onto the JSON-RPC
// method-not-found code, carrying the disambiguation hints in the message.
func (r *Router) resolveErrorMessage(id json.RawMessage, err error) *rpcMessage {
	var notFound *catalog.NotFoundError
	var ambiguous *catalog.AmbiguousError
	switch {
	case errors.As(err, &notFound), errors.As(err, &ambiguous):
		return errorMessage(id, codeMethodNotFound, err.Error())
	default:
		return errorMessage(id, codeInternal, err.Error())
	}
}
