package mcp

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
)

// Client is the part of an MCP client session the manager needs.
type Client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a transport to a server and completes the initialize
// handshake.
type Dialer func(ctx context.Context, server config.MCPServer) (Client, error)

// Dial returns the Dialer used in production.
//
// Stdio servers inherit the current environment unless inheritEnv is false.
func Dial(inheritEnv bool, version string) Dialer {
	return func(ctx context.Context, server config.MCPServer) (Client, error) {
		cli, err := newClient(ctx, server, inheritEnv)
		if err != nil {
			return nil, errs.New(errs.Transport, err, "transport unreachable")
		}

		req := mcp.InitializeRequest{}
		req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		req.Params.ClientInfo = mcp.Implementation{Name: "yagent", Version: version}
		if _, err := cli.Initialize(ctx, req); err != nil {
			cli.Close() //nolint:errcheck,gosec
			return nil, errs.New(errs.Protocol, fmt.Errorf("failed to initialize MCP client: %w", err), "handshake rejected")
		}
		return cli, nil
	}
}

func newClient(ctx context.Context, server config.MCPServer, inheritEnv bool) (*client.Client, error) {
	switch server.Type {
	case "", "stdio":
		env := server.Env
		if inheritEnv {
			env = append(os.Environ(), server.Env...)
		}
		// the stdio transport is started by the constructor
		cli, err := client.NewStdioMCPClient(server.Command, env, server.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to start %q: %w", server.Command, err)
		}
		return cli, nil
	case "sse", "http":
		var cli *client.Client
		var err error
		if server.Type == "sse" {
			cli, err = client.NewSSEMCPClient(server.Address())
		} else {
			cli, err = client.NewStreamableHttpClient(server.Address())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create MCP client: %w", err)
		}
		if err := cli.Start(ctx); err != nil {
			cli.Close() //nolint:errcheck,gosec
			return nil, fmt.Errorf("failed to start MCP client: %w", err)
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("unsupported MCP server type: %q, supported types are: stdio, sse, http", server.Type)
	}
}
