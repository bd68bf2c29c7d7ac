package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kisaragi/loopbot/db"
	"github.com/kisaragi/loopbot/loops"
)

const (
	defaultPersona = "You are Loopbot, a helpful and friendly assistant. You can see " +
		"each speaker's nickname and id and may use them to keep the conversation natural."

	// noReplySentinel is what the model outputs when an ambient group
	// message does not warrant a response.
	noReplySentinel = "NO_REPLY"

	historyDepth      = 20
	historyClampChars = 600
)

// Request is one decision to make: reply to this text, in this session.
type Request struct {
	UserID    string
	Nickname  string
	GroupID   string // empty for private chat
	Mentioned bool   // the bot was addressed directly
	Text      string
}

// Decision is the pipeline's output. Respond=false means stay silent
// (background tool run, or the model declined an ambient group message).
type Decision struct {
	Reply   string
	Respond bool
}

// Pipeline loads context, asks the model to decide, runs any tool
// sequence the model emits, and shapes the final reply.
type Pipeline struct {
	db     *db.DB
	client Client
	interp *loops.Interpreter

	// ToolList describes the available tools inside the prompt.
	ToolList string
	// Fallback produces the reply used when the model or tools fail.
	Fallback func() string
}

func NewPipeline(database *db.DB, client Client, interp *loops.Interpreter) *Pipeline {
	return &Pipeline{
		db:     database,
		client: client,
		interp: interp,
		Fallback: func() string {
			return "Sorry, something went wrong on my end. Please try again in a moment."
		},
	}
}

func (p *Pipeline) Decide(ctx context.Context, req Request) Decision {
	system, err := p.db.SystemRules("global")
	if err != nil || system == "" {
		system = defaultPersona
	}

	prompt := p.buildPrompt(req)

	ambient := req.GroupID != "" && !req.Mentioned
	opts := Options{
		System:    system,
		Deep:      !ambient,
		Unlimited: req.GroupID == "",
	}

	raw, err := p.client.Complete(ctx, prompt, opts)
	if err != nil {
		slog.Error("pipeline: inference failed", "user_id", req.UserID, "err", err)
		if ambient {
			return Decision{}
		}
		return Decision{Reply: p.Fallback(), Respond: true}
	}

	if ambient && strings.EqualFold(strings.TrimSpace(raw), noReplySentinel) {
		return Decision{}
	}

	return p.resolve(ctx, req, raw)
}

// resolve splits model output into the prose part and the tool block,
// runs the block, and picks the reply.
func (p *Pipeline) resolve(ctx context.Context, req Request, raw string) Decision {
	if !loops.HasBlock(raw) {
		return Decision{Reply: strings.TrimSpace(raw), Respond: true}
	}

	prose := loops.StripBlock(raw)
	results, background := p.interp.Execute(ctx, raw, loops.CallerContext{
		UserID:  req.UserID,
		GroupID: req.GroupID,
	})

	if background {
		slog.Info("pipeline: background tool run", "user_id", req.UserID, "tools", len(results))
		return Decision{}
	}

	if prose != "" {
		return Decision{Reply: prose, Respond: true}
	}

	var succeeded []string
	for _, r := range results {
		if r.Success && r.Result != "" {
			succeeded = append(succeeded, r.Result)
		}
	}
	if len(succeeded) > 0 {
		return Decision{Reply: strings.Join(succeeded, "\n"), Respond: true}
	}
	return Decision{Reply: p.Fallback(), Respond: true}
}

func (p *Pipeline) buildPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "### Latest message\n%s(%s): %s\n\n", req.Nickname, req.UserID, req.Text)

	b.WriteString("### Conversation history (oldest first)\n")
	b.WriteString(orNone(p.historyBlock(req)))
	b.WriteString("\n\n### Core memo\n")
	memo, err := p.db.CommonMemo(req.UserID)
	if err != nil {
		slog.Warn("pipeline: common memo load failed", "err", err)
	}
	b.WriteString(orNone(memo))

	b.WriteString("\n\n### Named memos\n")
	b.WriteString(orNone(p.memoSummary(req.UserID)))

	if p.ToolList != "" {
		b.WriteString("\n\n### Available tools\n")
		b.WriteString(p.ToolList)
		b.WriteString("\nInvoke tools with <Loops>#toolname=params</Loops>. " +
			"Separate multiple calls with ';'. Lead with #NotResp to run in the background.")
	}

	b.WriteString("\n\n### Task\nReply to the latest message. Either write the reply " +
		"directly or emit a tool sequence. Do not explain your choice.")
	if req.GroupID != "" && !req.Mentioned {
		b.WriteString(" If this group message needs no reply from you, output exactly " + noReplySentinel + ".")
	}
	return b.String()
}

func (p *Pipeline) historyBlock(req Request) string {
	var group *string
	if req.GroupID != "" {
		group = &req.GroupID
	}
	history, err := p.db.RecentHistory(req.UserID, group, historyDepth, historyClampChars)
	if err != nil {
		slog.Warn("pipeline: history load failed", "err", err)
		return ""
	}
	var lines []string
	for _, m := range history {
		speaker := m.Nickname
		if m.Role == "assistant" {
			speaker = "Loopbot"
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", speaker, m.Content))
	}
	return strings.Join(lines, "\n")
}

func (p *Pipeline) memoSummary(userID string) string {
	memos, err := p.db.ListNamedMemos(userID, 0)
	if err != nil {
		slog.Warn("pipeline: memo list failed", "err", err)
		return ""
	}
	var lines []string
	for _, m := range memos {
		lines = append(lines, fmt.Sprintf("- %s (%d/%d chars)", m.Title, m.Length, m.Capacity))
	}
	return strings.Join(lines, "\n")
}

// Summarize merges buffered replies into one message. It satisfies the
// throttler's summarizer capability.
func (p *Pipeline) Summarize(replies []string) (string, error) {
	prompt := "Merge the following replies, written moments apart to the same chat, " +
		"into one coherent message. Keep every fact, drop the repetition:\n\n" +
		strings.Join(replies, "\n---\n")
	out, err := p.client.Complete(context.Background(), prompt, Options{})
	if err != nil {
		return "", fmt.Errorf("merge replies: %w", err)
	}
	return out, nil
}

// SearchSummarizer condenses web-search snippets with the fast model.
// It depends only on the client, so it can be built before the pipeline.
type SearchSummarizer struct {
	Client Client
}

func (s *SearchSummarizer) SummarizeSearch(ctx context.Context, query string, snippets []string) (string, error) {
	prompt := fmt.Sprintf("Summarize the following search results into a short, direct answer "+
		"to the query %q. Cite no sources, keep it under a paragraph:\n\n%s",
		query, strings.Join(snippets, "\n---\n"))
	out, err := s.Client.Complete(ctx, prompt, Options{})
	if err != nil {
		return "", fmt.Errorf("summarize search: %w", err)
	}
	return out, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
