// Package catalog merges the tool, resource, and prompt catalogs of every
// connected upstream under namespaced public names, and resolves public
// names back to (upstream, native name) pairs for routing.
//
// Tools and prompts are exposed as "<upstream>.<name>"; resources as
// "<upstream>://<original-uri>" with the original URI bytes preserved
// verbatim after the first "://". Splitting on the first separator reverses
// the mapping exactly.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/yulin0629/mcp-sse-proxy/pkg/upstream"
)

const (
	// ToolSeparator splits "<upstream>.<tool>" on its first occurrence.
	ToolSeparator = "."
	// ResourceSeparator splits "<upstream>://<uri>" on its first occurrence.
	ResourceSeparator = "://"
)

// NotFoundError reports a public name that maps to no upstream entry.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// AmbiguousError reports an unprefixed name advertised by several upstreams.
// Candidates hold the unambiguous prefixed forms.
type AmbiguousError struct {
	Kind       string
	Name       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s %q is ambiguous; use one of: %s",
		e.Kind, e.Name, strings.Join(e.Candidates, ", "))
}

// Catalog aggregates over the upstream pool. It holds no state of its own
// beyond the pool's per-upstream snapshots; every list request re-lists the
// upstream live so late-registered entries become visible without restart.
// The pool's snapshot is the warm start, the fallback when a live list
// fails, and the source for unprefixed name lookup.
type Catalog struct {
	pool   *upstream.Pool
	logger *zap.Logger
}

// New builds a Catalog over the pool.
func New(pool *upstream.Pool, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{pool: pool, logger: logger}
}

// Tools returns the merged tool list: the two management tools followed by
// every upstream tool under its namespaced public name.
func (c *Catalog) Tools(ctx context.Context) []*mcp.Tool {
	merged := c.managementTools()
	seen := make(map[string]string, len(merged))
	for _, t := range merged {
		seen[t.Name] = ""
	}
	for _, name := range c.pool.Names() {
		u, ok := c.pool.Get(name)
		if !ok {
			continue
		}
		tools, err := u.ListTools(ctx)
		if err != nil {
			c.logger.Warn("live tool list failed, using snapshot",
				zap.String("server", name), zap.Error(err))
			tools = u.Cached().Tools
		}
		for _, tool := range tools {
			if tool == nil {
				continue
			}
			public := name + ToolSeparator + tool.Name
			if origin, dup := seen[public]; dup {
				c.logger.Warn("skipping colliding tool name",
					zap.String("name", public), zap.String("kept", origin))
				continue
			}
			seen[public] = name
			clone := *tool
			clone.Name = public
			merged = append(merged, &clone)
		}
	}
	return merged
}

// Resources returns the merged resource list under namespaced URIs.
func (c *Catalog) Resources(ctx context.Context) []*mcp.Resource {
	var merged []*mcp.Resource
	seen := make(map[string]string)
	for _, name := range c.pool.Names() {
		u, ok := c.pool.Get(name)
		if !ok {
			continue
		}
		resources, err := u.ListResources(ctx)
		if err != nil {
			c.logger.Warn("live resource list failed, using snapshot",
				zap.String("server", name), zap.Error(err))
			resources = u.Cached().Resources
		}
		for _, res := range resources {
			if res == nil {
				continue
			}
			public := name + ResourceSeparator + res.URI
			if origin, dup := seen[public]; dup {
				c.logger.Warn("skipping colliding resource URI",
					zap.String("uri", public), zap.String("kept", origin))
				continue
			}
			seen[public] = name
			clone := *res
			clone.URI = public
			merged = append(merged, &clone)
		}
	}
	return merged
}

// Prompts returns the merged prompt list under namespaced names.
func (c *Catalog) Prompts(ctx context.Context) []*mcp.Prompt {
	var merged []*mcp.Prompt
	seen := make(map[string]string)
	for _, name := range c.pool.Names() {
		u, ok := c.pool.Get(name)
		if !ok {
			continue
		}
		prompts, err := u.ListPrompts(ctx)
		if err != nil {
			c.logger.Warn("live prompt list failed, using snapshot",
				zap.String("server", name), zap.Error(err))
			prompts = u.Cached().Prompts
		}
		for _, prompt := range prompts {
			if prompt == nil {
				continue
			}
			public := name + ToolSeparator + prompt.Name
			if origin, dup := seen[public]; dup {
				c.logger.Warn("skipping colliding prompt name",
					zap.String("name", public), zap.String("kept", origin))
				continue
			}
			seen[public] = name
			clone := *prompt
			clone.Name = public
			merged = append(merged, &clone)
		}
	}
	return merged
}

// ResolveTool maps a public tool name to its upstream and native name. A
// name containing the separator is split on the first occurrence; an
// unprefixed name is resolved by unique lookup across all upstreams.
func (c *Catalog) ResolveTool(public string) (*upstream.Upstream, string, error) {
	if idx := strings.Index(public, ToolSeparator); idx >= 0 {
		prefix, rest := public[:idx], public[idx+len(ToolSeparator):]
		if u, ok := c.pool.Get(prefix); ok {
			return u, rest, nil
		}
		return nil, "", &NotFoundError{Kind: "tool", Name: public}
	}
	return c.uniqueLookup("tool", public, func(s upstream.Snapshot) []string {
		names := make([]string, 0, len(s.Tools))
		for _, t := range s.Tools {
			names = append(names, t.Name)
		}
		return names
	})
}

// ResolvePrompt maps a public prompt name the same way as ResolveTool.
func (c *Catalog) ResolvePrompt(public string) (*upstream.Upstream, string, error) {
	if idx := strings.Index(public, ToolSeparator); idx >= 0 {
		prefix, rest := public[:idx], public[idx+len(ToolSeparator):]
		if u, ok := c.pool.Get(prefix); ok {
			return u, rest, nil
		}
		return nil, "", &NotFoundError{Kind: "prompt", Name: public}
	}
	return c.uniqueLookup("prompt", public, func(s upstream.Snapshot) []string {
		names := make([]string, 0, len(s.Prompts))
		for _, p := range s.Prompts {
			names = append(names, p.Name)
		}
		return names
	})
}

// ResolveResource maps a public resource URI to its upstream and the native
// URI, splitting on the first "://".
func (c *Catalog) ResolveResource(public string) (*upstream.Upstream, string, error) {
	if idx := strings.Index(public, ResourceSeparator); idx >= 0 {
		prefix, rest := public[:idx], public[idx+len(ResourceSeparator):]
		if u, ok := c.pool.Get(prefix); ok {
			return u, rest, nil
		}
		return nil, "", &NotFoundError{Kind: "resource", Name: public}
	}
	return c.uniqueLookup("resource", public, func(s upstream.Snapshot) []string {
		uris := make([]string, 0, len(s.Resources))
		for _, r := range s.Resources {
			uris = append(uris, r.URI)
		}
		return uris
	})
}

// uniqueLookup resolves an unprefixed name against the cached snapshots:
// exactly one upstream advertising it routes there; several is ambiguous;
// none is unknown.
func (c *Catalog) uniqueLookup(kind, native string, names func(upstream.Snapshot) []string) (*upstream.Upstream, string, error) {
	separator := ToolSeparator
	if kind == "resource" {
		separator = ResourceSeparator
	}
	var owners []string
	for _, name := range c.pool.Names() {
		u, ok := c.pool.Get(name)
		if !ok {
			continue
		}
		for _, candidate := range names(u.Cached()) {
			if candidate == native {
				owners = append(owners, name)
				break
			}
		}
	}
	switch len(owners) {
	case 0:
		return nil, "", &NotFoundError{Kind: kind, Name: native}
	case 1:
		u, _ := c.pool.Get(owners[0])
		return u, native, nil
	default:
		sort.Strings(owners)
		candidates := make([]string, len(owners))
		for i, owner := range owners {
			candidates[i] = owner + separator + native
		}
		return nil, "", &AmbiguousError{Kind: kind, Name: native, Candidates: candidates}
	}
}
