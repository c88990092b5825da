package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/storage"
)

// Journal is the read side of the outcome journal used by the MCP layer.
type Journal interface {
	OutcomeByRequest(ctx context.Context, requestID string) (storage.OutcomeRecord, error)
	RecentOutcomes(ctx context.Context, limit int) ([]storage.OutcomeRecord, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Coordinator Coordinator
	Journal     Journal // optional; without it generation_status ignores requestId
	Version     string
}

// NewMCPServer creates an MCP server exposing the generation tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"lessonforge",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lessonforge: 生成中小学教案、练习题，并分析教学内容。"),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_lesson_plan",
			mcp.WithDescription("Generate a lesson plan as Markdown with a YAML frontmatter header."),
			mcp.WithString("subject", mcp.Description("学科，例如 数学"), mcp.Required()),
			mcp.WithString("grade", mcp.Description("年级，例如 三年级"), mcp.Required()),
			mcp.WithString("topic", mcp.Description("课题"), mcp.Required()),
			mcp.WithString("requirements", mcp.Description("额外要求")),
		),
		mcpGenerate(deps, lesson.KindLessonPlan),
	)

	s.AddTool(
		mcp.NewTool("generate_exercises",
			mcp.WithDescription("Generate an exercise set with answers."),
			mcp.WithString("subject", mcp.Description("学科"), mcp.Required()),
			mcp.WithString("grade", mcp.Description("年级"), mcp.Required()),
			mcp.WithString("topic", mcp.Description("课题"), mcp.Required()),
			mcp.WithString("difficulty", mcp.Description("难度（默认 中等）")),
			mcp.WithNumber("count", mcp.Description("题目数量（默认 5，最多 50）")),
			mcp.WithString("questionType", mcp.Description("题型（默认 综合）")),
			mcp.WithString("requirements", mcp.Description("额外要求")),
		),
		mcpGenerate(deps, lesson.KindExercises),
	)

	s.AddTool(
		mcp.NewTool("analyze_content",
			mcp.WithDescription("Analyze teaching content and suggest improvements."),
			mcp.WithString("content", mcp.Description("待分析的教学内容"), mcp.Required()),
			mcp.WithString("analysisType",
				mcp.Description("分析类型"),
				mcp.Enum("general", "structure", "difficulty", "objectives", "improvement"),
			),
		),
		mcpGenerate(deps, lesson.KindAnalysis),
	)

	s.AddTool(
		mcp.NewTool("generation_status",
			mcp.WithDescription("Report service status, or the journaled outcome of one request."),
			mcp.WithString("requestId", mcp.Description("Correlation ID returned by a generation tool")),
		),
		mcpStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"lessonforge://outcomes/recent",
			"Recent Outcomes",
			mcp.WithResourceDescription("Last 10 journaled generation outcomes (metadata only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

// bufferSink collects a whole generation for transports that can't stream.
type bufferSink struct {
	mu  sync.Mutex
	sb  strings.Builder
	err error
}

func (b *bufferSink) Write(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.WriteString(text)
	return nil
}

func (b *bufferSink) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func paramsFromRequest(kind lesson.Kind, req mcp.CallToolRequest) lesson.Params {
	if kind == lesson.KindAnalysis {
		return lesson.Params{
			Content:      req.GetString("content", ""),
			AnalysisType: req.GetString("analysisType", ""),
		}
	}
	p := lesson.Params{
		Subject:      req.GetString("subject", ""),
		Grade:        req.GetString("grade", ""),
		Topic:        req.GetString("topic", ""),
		Requirements: req.GetString("requirements", ""),
	}
	if kind == lesson.KindExercises {
		p.Difficulty = req.GetString("difficulty", "")
		p.Count = req.GetInt("count", 0)
		p.QuestionType = req.GetString("questionType", "")
	}
	return p
}

func mcpGenerate(deps MCPDeps, kind lesson.Kind) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sink := &bufferSink{}
		out := deps.Coordinator.Generate(ctx, kind, paramsFromRequest(kind, req), sink)

		if out.Cancelled {
			return mcpError(fmt.Sprintf("request %s cancelled", out.RequestID)), nil
		}
		if out.Failed && out.FullText == "" {
			return mcpError(fmt.Sprintf("request %s failed: %v", out.RequestID, out.Err)), nil
		}

		text := sink.sb.String()
		res := mcpText(text)
		res.Content = append(res.Content, mcp.TextContent{
			Type: "text",
			Text: fmt.Sprintf("requestId: %s", out.RequestID),
		})
		res.IsError = out.Failed
		return res, nil
	}
}

type outcomeView struct {
	RequestID    string `json:"requestId"`
	Kind         string `json:"kind"`
	Subject      string `json:"subject,omitempty"`
	Grade        string `json:"grade,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Status       string `json:"status"`
	DurationMs   int64  `json:"durationMs"`
	OutputChars  int    `json:"outputChars"`
	TotalTokens  int    `json:"totalTokens,omitempty"`
	CacheHit     bool   `json:"cacheHit"`
	FallbackUsed bool   `json:"fallbackUsed"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func viewOf(r storage.OutcomeRecord) outcomeView {
	return outcomeView{
		RequestID:    r.RequestID,
		Kind:         r.Kind,
		Subject:      r.Subject,
		Grade:        r.Grade,
		Topic:        r.Topic,
		Status:       r.Status,
		DurationMs:   r.DurationMs,
		OutputChars:  r.OutputChars,
		TotalTokens:  r.TotalTokens,
		CacheHit:     r.CacheHit,
		FallbackUsed: r.FallbackUsed,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
}

func mcpStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := strings.TrimSpace(req.GetString("requestId", ""))
		if id == "" || deps.Journal == nil {
			b, err := json.Marshal(deps.Coordinator.Status())
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
			}
			return mcpText(string(b)), nil
		}

		rec, err := deps.Journal.OutcomeByRequest(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no outcome recorded for %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read journal: %v", err)), nil
		}
		b, err := json.Marshal(viewOf(rec))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal outcome: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		views := []outcomeView{}
		if deps.Journal != nil {
			recs, err := deps.Journal.RecentOutcomes(ctx, 10)
			if err != nil {
				return nil, fmt.Errorf("failed to get recent outcomes: %w", err)
			}
			for _, r := range recs {
				views = append(views, viewOf(r))
			}
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal outcomes: %w", err)
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
