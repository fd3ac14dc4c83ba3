package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// The two reserved tool names always present in the merged catalog.
const (
	ToolListServers   = "list_servers"
	ToolGetServerInfo = "get_server_info"
)

type serverSummary struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
	Prompts   int    `json:"prompts"`
}

type serverInfo struct {
	Name      string          `json:"name"`
	Transport string          `json:"transport"`
	Tools     []*mcp.Tool     `json:"tools"`
	Resources []*mcp.Resource `json:"resources"`
	Prompts   []*mcp.Prompt   `json:"prompts"`
}

func (c *Catalog) managementTools() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        ToolListServers,
			Description: "List connected upstream MCP servers with their transport kind and catalog counts.",
			InputSchema: &jsonschema.Schema{Type: "object"},
		},
		{
			Name:        ToolGetServerInfo,
			Description: "Return the full tool, resource, and prompt catalog of one upstream server.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"serverName": {Type: "string", Description: "Name of the configured upstream server."},
				},
				Required: []string{"serverName"},
			},
		},
	}
}

// IsManagementTool reports whether a public tool name is one of the
// reserved gateway tools.
func IsManagementTool(name string) bool {
	return name == ToolListServers || name == ToolGetServerInfo
}

// CallManagement executes a reserved tool. The second return value is false
// when name is not a management tool.
func (c *Catalog) CallManagement(_ context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, bool, error) {
	switch name {
	case ToolListServers:
		res, err := c.listServers()
		return res, true, err
	case ToolGetServerInfo:
		var params struct {
			ServerName string `json:"serverName"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, true, fmt.Errorf("invalid %s arguments: %w", ToolGetServerInfo, err)
			}
		}
		res, err := c.serverInfo(params.ServerName)
		return res, true, err
	default:
		return nil, false, nil
	}
}

func (c *Catalog) listServers() (*mcp.CallToolResult, error) {
	summaries := make([]serverSummary, 0, len(c.pool.Names()))
	for _, name := range c.pool.Names() {
		u, ok := c.pool.Get(name)
		if !ok {
			continue
		}
		snap := u.Cached()
		summaries = append(summaries, serverSummary{
			Name:      name,
			Transport: string(u.TransportKind()),
			Tools:     len(snap.Tools),
			Resources: len(snap.Resources),
			Prompts:   len(snap.Prompts),
		})
	}
	return jsonResult(summaries)
}

func (c *Catalog) serverInfo(name string) (*mcp.CallToolResult, error) {
	if name == "" {
		return nil, fmt.Errorf("serverName is required")
	}
	u, ok := c.pool.Get(name)
	if !ok {
		return nil, &NotFoundError{Kind: "server", Name: name}
	}
	snap := u.Cached()
	info := serverInfo{
		Name:      name,
		Transport: string(u.TransportKind()),
		Tools:     snap.Tools,
		Resources: snap.Resources,
		Prompts:   snap.Prompts,
	}
	if info.Tools == nil {
		info.Tools = []*mcp.Tool{}
	}
	if info.Resources == nil {
		info.Resources = []*mcp.Resource{}
	}
	if info.Prompts == nil {
		info.Prompts = []*mcp.Prompt{}
	}
	return jsonResult(info)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(encoded)}},
	}, nil
}
