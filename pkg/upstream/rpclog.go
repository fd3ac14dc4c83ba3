package upstream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// rpcLogTransport wraps an mcp.Transport to emit every JSON-RPC message
// exchanged with an upstream at debug level.
type rpcLogTransport struct {
	server   string
	delegate mcp.Transport
	logger   *zap.Logger
}

func (t *rpcLogTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &rpcLogConnection{server: t.server, delegate: conn, logger: t.logger}, nil
}

type rpcLogConnection struct {
	server   string
	delegate mcp.Connection
	logger   *zap.Logger
	mu       sync.Mutex
}

func (c *rpcLogConnection) SessionID() string { return c.delegate.SessionID() }

func (c *rpcLogConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("recv", msg)
	}
	return msg, err
}

func (c *rpcLogConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *rpcLogConnection) Close() error { return c.delegate.Close() }

func (c *rpcLogConnection) emit(direction string, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger.Debug("jsonrpc",
		zap.String("server", c.server),
		zap.String("direction", direction),
		zap.ByteString("message", encoded))
}
