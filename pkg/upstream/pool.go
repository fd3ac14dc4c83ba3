// Package upstream maintains the gateway's pool of backend MCP servers:
// loading the mcpServers configuration, dialing each server over its
// transport (stdio child process, modern streaming HTTP, or legacy SSE,
// with automatic modern-to-legacy fallback probing), capturing a catalog
// snapshot at connect time, and supervising owned child processes through
// shutdown.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConnectTimeout = 30 * time.Second
	probeTimeout          = 30 * time.Second
	disconnectTimeout     = 10 * time.Second

	sseFallbackAttempts = 3
	sseFallbackPath     = "/sse"
)

// Options configure a Pool.
type Options struct {
	// ConnectTimeout bounds each upstream connect attempt. Defaults to 30s.
	ConnectTimeout time.Duration
	// MaxParallel bounds ConnectAll's parallelism. Non-positive means
	// unbounded (one slot per configured upstream).
	MaxParallel int
	// Logger receives structured diagnostics. Defaults to zap.NewNop().
	Logger *zap.Logger
	// LogRPC enables per-message JSON-RPC traffic logging at debug level.
	LogRPC bool
	// OnListChanged is invoked when an upstream announces that one of its
	// catalog categories ("tools", "resources", "prompts") changed.
	OnListChanged func(upstream, category string)
	// ClientName and ClientVersion identify the gateway to upstreams.
	ClientName    string
	ClientVersion string
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-gateway"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	return opts
}

// Snapshot is an upstream's cached catalog contribution.
type Snapshot struct {
	Tools     []*mcp.Tool
	Resources []*mcp.Resource
	Prompts   []*mcp.Prompt
}

// Upstream is one connected backend server. It exclusively owns its child
// process (if any); no other component may signal it.
type Upstream struct {
	name string
	kind Kind

	session *mcp.ClientSession
	child   *childProcess
	logger  *zap.Logger

	mu       sync.RWMutex
	snapshot Snapshot
	closed   bool
}

// Name returns the configured upstream name.
func (u *Upstream) Name() string { return u.name }

// TransportKind returns the transport the upstream actually connected with.
// For http-with-fallback entries this is modern-http or legacy-sse,
// whichever probe succeeded.
func (u *Upstream) TransportKind() Kind { return u.kind }

// Cached returns the last captured catalog snapshot.
func (u *Upstream) Cached() Snapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return Snapshot{
		Tools:     append([]*mcp.Tool(nil), u.snapshot.Tools...),
		Resources: append([]*mcp.Resource(nil), u.snapshot.Resources...),
		Prompts:   append([]*mcp.Prompt(nil), u.snapshot.Prompts...),
	}
}

// ListTools issues a live tools/list and refreshes the snapshot. A server
// that does not implement the method contributes an empty category.
func (u *Upstream) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	res, err := u.session.ListTools(ctx, nil)
	if err != nil {
		if isMethodUnavailableError(err, "tools/list") {
			u.setTools(nil)
			return nil, nil
		}
		return nil, err
	}
	u.setTools(res.Tools)
	return res.Tools, nil
}

// ListResources issues a live resources/list and refreshes the snapshot.
func (u *Upstream) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	res, err := u.session.ListResources(ctx, nil)
	if err != nil {
		if isMethodUnavailableError(err, "resources/list") {
			u.setResources(nil)
			return nil, nil
		}
		return nil, err
	}
	u.setResources(res.Resources)
	return res.Resources, nil
}

// ListPrompts issues a live prompts/list and refreshes the snapshot.
func (u *Upstream) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	res, err := u.session.ListPrompts(ctx, nil)
	if err != nil {
		if isMethodUnavailableError(err, "prompts/list") {
			u.setPrompts(nil)
			return nil, nil
		}
		return nil, err
	}
	u.setPrompts(res.Prompts)
	return res.Prompts, nil
}

// CallTool forwards a tool invocation using the upstream's native tool name.
func (u *Upstream) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return u.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// ReadResource forwards a resources/read using the native URI.
func (u *Upstream) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return u.session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// GetPrompt forwards a prompts/get using the native prompt name.
func (u *Upstream) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	params := &mcp.GetPromptParams{Name: name}
	if len(args) > 0 {
		params.Arguments = args
	}
	return u.session.GetPrompt(ctx, params)
}

func (u *Upstream) setTools(tools []*mcp.Tool) {
	u.mu.Lock()
	u.snapshot.Tools = tools
	u.mu.Unlock()
}

func (u *Upstream) setResources(resources []*mcp.Resource) {
	u.mu.Lock()
	u.snapshot.Resources = resources
	u.mu.Unlock()
}

func (u *Upstream) setPrompts(prompts []*mcp.Prompt) {
	u.mu.Lock()
	u.snapshot.Prompts = prompts
	u.mu.Unlock()
}

// close shuts the client session down, bounded by ctx, then terminates the
// owned child process regardless of the close outcome.
func (u *Upstream) close(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	var closeErr error
	if u.session != nil {
		done := make(chan error, 1)
		go func() { done <- u.session.Close() }()
		select {
		case closeErr = <-done:
		case <-ctx.Done():
			closeErr = ctx.Err()
		}
	}
	if u.child != nil {
		u.child.terminate(u.logger)
	}
	return closeErr
}

// Pool owns the set of connected upstreams. Upstreams are created during
// startup and destroyed only at shutdown; a connect failure leaves a gap,
// never a half-connected entry.
type Pool struct {
	cfg  *Config
	opts Options

	mu        sync.RWMutex
	upstreams map[string]*Upstream
}

// NewPool builds a Pool over the given configuration. No connections are
// made until ConnectAll.
func NewPool(cfg *Config, opts *Options) *Pool {
	return &Pool{
		cfg:       cfg,
		opts:      opts.withDefaults(),
		upstreams: make(map[string]*Upstream),
	}
}

// ConnectResult reports the outcome of ConnectAll with success and failure
// lists kept separate.
type ConnectResult struct {
	Connected []string
	Failed    []string
}

// ConnectAll dials every configured upstream with bounded parallelism and
// collects every outcome. Failures are logged and the corresponding
// upstream omitted; a gateway with zero connected upstreams still starts.
func (p *Pool) ConnectAll(ctx context.Context) ConnectResult {
	names := make([]string, 0, len(p.cfg.Servers))
	for name := range p.cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	limit := p.opts.MaxParallel
	if limit <= 0 {
		limit = len(names)
	}
	sem := semaphore.NewWeighted(int64(limit))

	var (
		wg        sync.WaitGroup
		resultMu  sync.Mutex
		result    ConnectResult
		completed atomic.Int32
	)
	for _, name := range names {
		if err := sem.Acquire(ctx, 1); err != nil {
			resultMu.Lock()
			result.Failed = append(result.Failed, name)
			resultMu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)
			u, err := p.connect(ctx, name, p.cfg.Servers[name])
			done := completed.Add(1)
			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				p.opts.Logger.Warn("upstream connect failed",
					zap.String("server", name),
					zap.Int32("completed", done),
					zap.Error(err))
				result.Failed = append(result.Failed, name)
				return
			}
			p.mu.Lock()
			p.upstreams[name] = u
			p.mu.Unlock()
			p.opts.Logger.Info("upstream connected",
				zap.String("server", name),
				zap.String("transport", string(u.kind)),
				zap.Int("tools", len(u.snapshot.Tools)),
				zap.Int("resources", len(u.snapshot.Resources)),
				zap.Int("prompts", len(u.snapshot.Prompts)))
			result.Connected = append(result.Connected, name)
		}(name)
	}
	wg.Wait()
	sort.Strings(result.Connected)
	sort.Strings(result.Failed)
	return result
}

func (p *Pool) connect(ctx context.Context, name string, sc ServerConfig) (*Upstream, error) {
	kind, err := sc.Kind()
	if err != nil {
		return nil, err
	}
	logger := p.opts.Logger.With(zap.String("server", name))

	var (
		session *mcp.ClientSession
		child   *childProcess
		actual  = kind
	)
	switch kind {
	case KindStdio:
		cmd := newChildCommand(sc)
		child = &childProcess{cmd: cmd}
		session, err = p.dial(ctx, name, &mcp.CommandTransport{Command: cmd})
	case KindModernHTTP:
		session, err = p.dial(ctx, name, &mcp.StreamableClientTransport{Endpoint: sc.URL})
	case KindLegacySSE:
		session, err = p.dial(ctx, name, &mcp.SSEClientTransport{Endpoint: sc.URL})
	case KindHTTPFallback:
		session, actual, err = p.dialWithFallback(ctx, name, sc.URL, logger)
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", kind)
	}
	if err != nil {
		if child != nil {
			// The transport may have spawned the process before failing.
			child.terminate(logger)
		}
		return nil, err
	}

	u := &Upstream{
		name:    name,
		kind:    actual,
		session: session,
		child:   child,
		logger:  logger,
	}
	go p.monitorSession(u)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	u.probeCatalog(probeCtx)
	return u, nil
}

// dial opens one client session over the given transport, bounded by the
// configured connect timeout.
func (p *Pool) dial(ctx context.Context, name string, transport mcp.Transport) (*mcp.ClientSession, error) {
	client := mcp.NewClient(
		&mcp.Implementation{Name: p.opts.ClientName, Version: p.opts.ClientVersion},
		p.clientOptions(name),
	)
	if p.opts.LogRPC {
		transport = &rpcLogTransport{server: name, delegate: transport, logger: p.opts.Logger}
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()
	return client.Connect(ctx, transport, nil)
}

// dialWithFallback probes the modern transport first, then retries a legacy
// SSE client against <base>/sse up to three times with 1s, 2s, 3s delays.
func (p *Pool) dialWithFallback(ctx context.Context, name, baseURL string, logger *zap.Logger) (*mcp.ClientSession, Kind, error) {
	session, streamErr := p.dial(ctx, name, &mcp.StreamableClientTransport{Endpoint: baseURL})
	if streamErr == nil {
		return session, KindModernHTTP, nil
	}
	logger.Info("modern transport probe failed, falling back to SSE", zap.Error(streamErr))

	sseURL := strings.TrimRight(baseURL, "/") + sseFallbackPath
	var sseErr error
	for attempt := 1; attempt <= sseFallbackAttempts; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
		session, sseErr = p.dial(ctx, name, &mcp.SSEClientTransport{Endpoint: sseURL})
		if sseErr == nil {
			return session, KindLegacySSE, nil
		}
		logger.Debug("SSE fallback attempt failed",
			zap.Int("attempt", attempt), zap.Error(sseErr))
	}
	return nil, "", fmt.Errorf("streamable error: %v; sse error: %w", streamErr, sseErr)
}

func (p *Pool) clientOptions(name string) *mcp.ClientOptions {
	notify := func(category string) func() {
		return func() {
			if p.opts.OnListChanged != nil {
				p.opts.OnListChanged(name, category)
			}
		}
	}
	toolsChanged := notify("tools")
	resourcesChanged := notify("resources")
	promptsChanged := notify("prompts")
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			toolsChanged()
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			resourcesChanged()
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			promptsChanged()
		},
	}
}

// probeCatalog captures the initial capability snapshot. Each category is
// independently best-effort: a probe failure leaves that category empty and
// the upstream usable.
func (u *Upstream) probeCatalog(ctx context.Context) {
	if _, err := u.ListTools(ctx); err != nil {
		u.logger.Warn("tool probe failed", zap.Error(err))
	}
	if _, err := u.ListResources(ctx); err != nil {
		u.logger.Warn("resource probe failed", zap.Error(err))
	}
	if _, err := u.ListPrompts(ctx); err != nil {
		u.logger.Warn("prompt probe failed", zap.Error(err))
	}
}

// monitorSession logs session termination. Child processes that die are not
// restarted.
func (p *Pool) monitorSession(u *Upstream) {
	err := u.session.Wait()
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return
	}
	if err != nil {
		u.logger.Warn("upstream session ended", zap.Error(err))
	} else {
		u.logger.Info("upstream session ended")
	}
}

// Names returns the connected upstream names in sorted order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.upstreams))
	for name := range p.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the connected upstream with the given name.
func (p *Pool) Get(name string) (*Upstream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.upstreams[name]
	return u, ok
}

// Disconnect closes one upstream and removes it from the pool. The session
// close is bounded by the per-upstream disconnect cap; an owned child is
// terminated regardless of the close outcome.
func (p *Pool) Disconnect(ctx context.Context, name string) error {
	p.mu.Lock()
	u, ok := p.upstreams[name]
	delete(p.upstreams, name)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()
	return u.close(ctx)
}

// DisconnectAll closes every upstream in parallel, each bounded by the
// per-upstream disconnect cap.
func (p *Pool) DisconnectAll(ctx context.Context) error {
	names := p.Names()
	errCh := make(chan error, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := p.Disconnect(ctx, name); err != nil {
				errCh <- fmt.Errorf("disconnect %s: %w", name, err)
			}
		}(name)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// isMethodUnavailableError reports whether err looks like JSON-RPC method
// not found (-32601) or an equivalent "unsupported" response, in which case
// the category is treated as empty rather than failing the upstream.
func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "-32601") {
		return true
	}
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	for _, part := range strings.FieldsFunc(strings.ToLower(method), func(r rune) bool {
		return r == '/' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}
