package api

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

const errorsResourceURI = "tripseed://errors"

// NewMCPServer creates an MCP server exposing queries, extractions and the
// error quarantine.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"tripseed",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tripseed: ask a language model travel questions and get answers back as JSON."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("execute_query",
			mcp.WithDescription("Send a prompt to the completion backend and return the answer text with a handle for follow-up turns."),
			mcp.WithString("prompt", mcp.Description("Prompt text"), mcp.Required()),
			mcp.WithString("handle", mcp.Description("Handle of an earlier answer to continue that conversation")),
			mcp.WithBoolean("use_cache", mcp.Description("Serve and store answers in the cache (default true)")),
			mcp.WithBoolean("expect_json", mcp.Description("Cache the answer only when it is valid JSON")),
		),
		mcpExecuteQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_json",
			mcp.WithDescription("Ask for a JSON array and return it, continuing truncated answers and repairing malformed ones."),
			mcp.WithString("prompt", mcp.Description("Prompt asking for a JSON array"), mcp.Required()),
			mcp.WithBoolean("use_cache", mcp.Description("Serve and store answers in the cache (default true)")),
		),
		mcpExtractJSON(deps),
	)

	s.AddTool(
		mcp.NewTool("list_errors",
			mcp.WithDescription("List answers that could not be turned into JSON, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
			mcp.WithNumber("offset", mcp.Description("Records to skip")),
		),
		mcpListErrors(deps),
	)

	s.AddResource(
		mcp.NewResource(
			errorsResourceURI,
			"Quarantined Answers",
			mcp.WithResourceDescription("Last 20 unparseable answers with truncated raw text"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceErrors(deps),
	)

	return s
}

func mcpExecuteQuery(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || prompt == "" {
			return mcpError("prompt is required"), nil
		}

		res, err := deps.Executor.Execute(ctx, query.Request{
			Prompt:     prompt,
			Handle:     req.GetString("handle", ""),
			UseCache:   req.GetBool("use_cache", true),
			ExpectJSON: req.GetBool("expect_json", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(QueryResponse{Text: res.Text, Handle: res.Handle, Cached: res.Cached})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpExtractJSON(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || prompt == "" {
			return mcpError("prompt is required"), nil
		}

		v, err := deps.Extractor.Extract(ctx, prompt, req.GetBool("use_cache", true))
		if err != nil {
			return mcpError(fmt.Sprintf("extraction failed: %v", err)), nil
		}
		return mcpText(string(v)), nil
	}
}

func mcpListErrors(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		offset := req.GetInt("offset", 0)
		if offset < 0 {
			offset = 0
		}

		records, err := deps.Errors.ListErrors(ctx, limit, offset)
		if err != nil {
			return mcpError(fmt.Sprintf("listing errors failed: %v", err)), nil
		}
		if records == nil {
			records = []storage.ErrorRecord{}
		}

		b, err := json.Marshal(records)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal errors: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceErrors(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Errors.ListErrors(ctx, 20, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list errors: %w", err)
		}

		for i := range records {
			records[i].RawAnswer = truncateRunes(records[i].RawAnswer, 200)
		}
		if records == nil {
			records = []storage.ErrorRecord{}
		}

		b, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal errors: %w", err)
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

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
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
