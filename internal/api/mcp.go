package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/obrasync/internal/agent"
	"github.com/kalambet/obrasync/internal/syncq"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Agent   *agent.Agent
	Version string
}

// NewMCPServer creates an MCP server exposing the sync state to support
// sessions.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"obrasync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("obrasync: offline sync agent of the field reporting app. Use these tools to inspect reports waiting to upload and uploads the server refused."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Network health, queue depth, storage use and active cache versions of the agent."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_pending_reports",
			mcp.WithDescription("Reports saved offline and still waiting to be sent, in send order."),
		),
		mcpListPending(deps),
	)

	s.AddTool(
		mcp.NewTool("list_rejections",
			mcp.WithDescription("Submissions the server refused or that ran out of retries."),
			mcp.WithBoolean("include_acknowledged", mcp.Description("Also list rejections the user already dismissed")),
		),
		mcpListRejections(deps),
	)

	s.AddTool(
		mcp.NewTool("drain_queue",
			mcp.WithDescription("Send every pending report now, ignoring retry backoff."),
		),
		mcpDrainQueue(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"obrasync://status",
			"Agent Status",
			mcp.WithResourceDescription("Current agent status as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Agent.Status(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to collect status: %v", err)), nil
		}
		return mcpJSON(st), nil
	}
}

func mcpListPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pending, err := pendingReports(ctx, deps.Agent)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list pending reports: %v", err)), nil
		}
		if len(pending) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(pending), nil
	}
}

func mcpListRejections(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		all := req.GetBool("include_acknowledged", false)
		rejections, err := deps.Agent.Queue.Rejections(ctx, all)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list rejections: %v", err)), nil
		}
		if len(rejections) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(rejections), nil
	}
}

func mcpDrainQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Agent.Queue.DrainNow(ctx)
		if errors.Is(err, syncq.ErrDrainInProgress) {
			return mcpError("a sync pass is already running"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("delivered %d, rejected %d, failed %d, %d still pending",
			res.Delivered, res.Rejected, res.Failed, res.Remaining)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Agent.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to collect status: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
