package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/pipeline"
)

// NewMCPServer creates an MCP server exposing the ask pipeline and the
// memory store as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"pal",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pal - personal assistant with long-term memory and web search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the assistant a question, optionally augmented with memory and web search. The interaction is recorded."),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
			mcp.WithBoolean("use_memory", mcp.Description("Recall related memories (default true)")),
			mcp.WithBoolean("use_search", mcp.Description("Run a web search (default false)")),
			mcp.WithString("personality", mcp.Description("Optional personality instruction")),
			mcp.WithArray("images", mcp.Description("Optional base64-encoded images (max 3)")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("debug_prompt",
			mcp.WithDescription("Return the prompt that would be sent to the model, without calling it or recording anything."),
			mcp.WithString("question", mcp.Description("The question to build a prompt for"), mcp.Required()),
			mcp.WithBoolean("use_memory", mcp.Description("Recall related memories (default true)")),
			mcp.WithBoolean("use_search", mcp.Description("Run a web search (default false)")),
			mcp.WithString("personality", mcp.Description("Optional personality instruction")),
		),
		mcpDebugPrompt(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Semantically search stored memories."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("add_memory",
			mcp.WithDescription("Store a piece of text as a memory for later recall."),
			mcp.WithString("text", mcp.Description("The text to remember"), mcp.Required()),
			mcp.WithString("key", mcp.Description("Optional key; generated when omitted")),
		),
		mcpAddMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_memory",
			mcp.WithDescription("Delete a stored memory by key."),
			mcp.WithString("key", mcp.Description("Memory key"), mcp.Required()),
		),
		mcpDeleteMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("list_personalities",
			mcp.WithDescription("List personalities used in previous questions."),
		),
		mcpListPersonalities(deps),
	)

	s.AddTool(
		mcp.NewTool("list_history",
			mcp.WithDescription("List recorded interactions, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of interactions (default 20)")),
			mcp.WithNumber("offset", mcp.Description("Number of interactions to skip")),
		),
		mcpListHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pal://history/recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 recorded questions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		askReq := pipeline.AskRequest{
			Question:    question,
			UseMemory:   req.GetBool("use_memory", true),
			UseSearch:   req.GetBool("use_search", false),
			Personality: req.GetString("personality", ""),
		}
		for i, enc := range req.GetStringSlice("images", nil) {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return mcpError(fmt.Sprintf("image %d: invalid base64", i+1)), nil
			}
			askReq.Images = append(askReq.Images, pipeline.Blob{Data: data})
		}

		res, err := deps.Orchestrator.Ask(ctx, askReq)
		if err != nil && !(errors.Is(err, pipeline.ErrPersistence) && res != nil) {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDebugPrompt(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		res, err := deps.Orchestrator.DebugPrompt(ctx, pipeline.DebugRequest{
			Question:    question,
			UseMemory:   req.GetBool("use_memory", true),
			UseSearch:   req.GetBool("use_search", false),
			Personality: req.GetString("personality", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("debug prompt failed: %v", err)), nil
		}
		return mcpText(res.Prompt), nil
	}
}

func mcpRecall(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		recs, err := deps.Memory.QuerySimilar(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(recs) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(recs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || text == "" {
			return mcpError("text is required"), nil
		}

		key := req.GetString("key", "")
		if key == "" {
			key = uuid.New().String()
		}

		rec, err := deps.Memory.Upsert(ctx, key, text, memory.Metadata{Type: memory.TypeMemory})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		if rec.Pending {
			return mcpText(fmt.Sprintf("Stored memory %s (embedding pending)", rec.Key)), nil
		}
		return mcpText(fmt.Sprintf("Stored memory %s", rec.Key)), nil
	}
}

func mcpDeleteMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		deleted, err := deps.Memory.Delete(ctx, key)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to delete: %v", err)), nil
		}
		if !deleted {
			return mcpText(fmt.Sprintf("No memory with key %s", key)), nil
		}
		return mcpText(fmt.Sprintf("Deleted memory %s", key)), nil
	}
}

func mcpListPersonalities(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ps, err := deps.Personalities.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list personalities: %v", err)), nil
		}
		texts := make([]string, len(ps))
		for i, p := range ps {
			texts[i] = p.Text
		}
		b, err := json.Marshal(texts)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal personalities: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListHistory(deps Deps) server.ToolHandlerFunc {
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

		interactions, err := deps.History.ListInteractions(limit, offset)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list history: %v", err)), nil
		}
		b, err := json.Marshal(interactions)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.History.ListInteractions(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Question  string `json:"question"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			q := ix.Question
			if utf8.RuneCountInString(q) > 200 {
				runes := []rune(q)
				q = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Question:  q,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
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
