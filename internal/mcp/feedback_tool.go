package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/browser"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/feedback"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/session"
)

// CollectFeedbackTool is the tool agents call to ask the human.
const CollectFeedbackTool = "collect_feedback"

// FeedbackCollector starts feedback rounds.
type FeedbackCollector interface {
	Start(ctx context.Context, req feedback.Request) (*session.Pending, string, error)
	Settings() feedback.Settings
}

// CollectorSource resolves the collector serving a call. In stdio mode this
// may launch the caller's instance on first use.
type CollectorSource func(ctx context.Context, call Call) (FeedbackCollector, error)

// StaticCollector always serves calls from c.
func StaticCollector(c FeedbackCollector) CollectorSource {
	return func(context.Context, Call) (FeedbackCollector, error) { return c, nil }
}

type collectFeedbackArgs struct {
	WorkSummary string `json:"work_summary"`
}

// NewCollectFeedbackTool describes collect_feedback.
func NewCollectFeedbackTool() mcp.Tool {
	return mcp.NewTool(CollectFeedbackTool,
		mcp.WithDescription("Show a summary of the work done to the user in a browser page and wait for their feedback. "+
			"Returns the user's text and images."),
		mcp.WithString("work_summary",
			mcp.Required(),
			mcp.Description("Summary of the work completed, shown to the user"),
		),
	)
}

// RegisterFeedbackTools adds collect_feedback to registry.
func RegisterFeedbackTools(registry *Registry, source CollectorSource) error {
	return registry.Register(NewCollectFeedbackTool(), collectFeedbackHandler(source))
}

func collectFeedbackHandler(source CollectorSource) ToolHandler {
	return func(ctx context.Context, call Call, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var args collectFeedbackArgs
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return errorResult("invalid arguments: " + err.Error()), nil
			}
		}
		if strings.TrimSpace(args.WorkSummary) == "" {
			return errorResult("work_summary is required"), nil
		}

		collector, err := source(ctx, call)
		if err != nil {
			return errorResult("feedback server unavailable: " + err.Error()), nil
		}

		pending, sessionID, err := collector.Start(ctx, feedback.Request{
			Prompt:            args.WorkSummary,
			ProtocolSessionID: call.ProtocolSessionID,
		})
		if err != nil {
			return errorResult("failed to start feedback session: " + err.Error()), nil
		}

		settings := collector.Settings()
		call.notify("notifications/message", LogMessageParams{
			Level:  "info",
			Logger: ServerName,
			Data: map[string]any{
				"message":    "waiting for user feedback",
				"session_id": sessionID,
				"url":        browser.FeedbackURL(settings.Port, sessionID, call.ProtocolSessionID),
			},
		})

		replies, err := pending.Wait(ctx)
		if err != nil {
			return errorResult(failureText(err)), nil
		}
		return RepliesResult(replies), nil
	}
}

func failureText(err error) string {
	var timeout *domain.FeedbackTimeoutError
	switch {
	case errors.As(err, &timeout):
		return fmt.Sprintf("No feedback received within %s.", timeout.Timeout)
	case errors.Is(err, domain.ErrShutdown):
		return "Feedback server shut down before the user replied."
	case errors.Is(err, domain.ErrSessionClosed), errors.Is(err, context.Canceled):
		return "Feedback request was cancelled."
	default:
		return "Feedback collection failed: " + err.Error()
	}
}

// RepliesResult turns replies into tool content: one text block per reply
// followed by its images.
func RepliesResult(replies []domain.FeedbackReply) *mcp.CallToolResult {
	if len(replies) == 0 {
		return errorResult("No feedback was provided.")
	}
	result := &mcp.CallToolResult{}
	for i, reply := range replies {
		header := "User feedback:"
		if len(replies) > 1 {
			header = fmt.Sprintf("User feedback (%d/%d):", i+1, len(replies))
		}
		text := strings.TrimSpace(reply.Text)
		if text == "" {
			text = fmt.Sprintf("(no text, %d image(s) attached)", len(reply.Images))
		}
		result.Content = append(result.Content, mcp.NewTextContent(header+"\n"+text))
		for _, img := range reply.Images {
			mimeType := img.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			result.Content = append(result.Content, mcp.NewImageContent(base64.StdEncoding.EncodeToString(img.Data), mimeType))
		}
	}
	return result
}
