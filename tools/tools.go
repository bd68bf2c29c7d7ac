// Package tools implements the closed tool set callable from agent
// output. The registry is a static name-to-handler map built once at
// construction; there is no reflection and no dynamic lookup.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kisaragi/loopbot/db"
	"github.com/kisaragi/loopbot/loops"
	"github.com/kisaragi/loopbot/sched"
	"github.com/kisaragi/loopbot/search"
)

// BingTimeLayout is the timestamp format reminders are written in.
const BingTimeLayout = "2006/1/2-15:04"

const (
	defaultMemoCapacity = 1000
	maxMemoCapacity     = 5000
)

// GroupSender delivers a group message with a mention target.
type GroupSender interface {
	SendGroupAt(groupID, target, text string) error
}

// Summarizer condenses search snippets into a short answer.
type Summarizer interface {
	SummarizeSearch(ctx context.Context, query string, snippets []string) (string, error)
}

type handler func(ctx context.Context, call loops.Call) (string, error)

// Registry dispatches parsed tool calls to their handlers. It satisfies
// the interpreter's Dispatcher interface.
type Registry struct {
	db         *db.DB
	search     *search.Client
	jobs       *sched.JobStore
	sender     GroupSender
	summarizer Summarizer

	handlers map[string]handler
}

func NewRegistry(database *db.DB, sc *search.Client, jobs *sched.JobStore, sender GroupSender, sum Summarizer) *Registry {
	r := &Registry{
		db:         database,
		search:     sc,
		jobs:       jobs,
		sender:     sender,
		summarizer: sum,
	}
	r.handlers = map[string]handler{
		"notresp":      r.notresp,
		"errorlib":     r.errorlib,
		"memo":         r.memo,
		"memosize":     r.memosize,
		"namememo":     r.namememo,
		"memoref":      r.memoref,
		"search":       r.webSearch,
		"globalsearch": r.globalSearch,
		"atuser":       r.atUser,
		"bingme":       r.bingMe,
		"bingmsg":      r.bingMsg,
		"bingnote":     r.bingNote,
	}
	return r
}

// Dispatch runs one call and wraps the outcome. Exactly one of Result
// and Error carries content.
func (r *Registry) Dispatch(ctx context.Context, call loops.Call) loops.Result {
	if call.Params["user_id"] == "" {
		return loops.Result{Name: call.Name, Error: "every tool call needs a user_id"}
	}

	h, ok := r.handlers[call.Name]
	if !ok {
		slog.Warn("tools: unknown tool", "tool", call.Name, "user_id", call.Params["user_id"])
		return loops.Result{Name: call.Name, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	out, err := h(ctx, call)
	if err != nil {
		return loops.Result{Name: call.Name, Error: err.Error()}
	}
	return loops.Result{Name: call.Name, Success: true, Result: out}
}

// Describe lists every tool for inclusion in the model prompt.
func Describe() string {
	return strings.TrimSpace(`
#Memo=text                       append to your core memo (target_memo=title writes to a named memo)
#MemoSize=n                      declare capacity for the next named memo (max 5000)
#NameMemo=title                  create a named memo (capacity=n overrides the default)
#MemoRef=title                   read a named memo into context
#Search=query                    web search, summarized
#GlobalSearch=query              search stored chat history (target_user=, nickname= filters)
#AtUser=text;qq=id               mention a user in the current group
#BingMe=2024/5/1-08:30           schedule a reminder slot at that time (#BingMe=cron=EXPR for recurring)
#BingMsg=text                    attach a message to the pending reminder slot
#BingNote=title                  attach a memo review to the pending reminder slot
#ErrorLib=reason                 canned polite refusal
`)
}

// firstOf returns the first non-empty param among keys.
func firstOf(call loops.Call, keys ...string) string {
	for _, k := range keys {
		if v := call.Params[k]; v != "" {
			return v
		}
	}
	return ""
}

func (r *Registry) notresp(_ context.Context, _ loops.Call) (string, error) {
	// The interpreter consumes the marker itself; reaching here just
	// acknowledges it.
	return "background mode active", nil
}

func (r *Registry) errorlib(_ context.Context, call loops.Call) (string, error) {
	messages := map[string]string{
		"unknown_command":       "Sorry, I don't understand that request. Could you rephrase it?",
		"tool_execution_failed": "That didn't work on my end. Please try again in a bit.",
		"no_search_results":     "I couldn't find anything relevant.",
		"memo_not_found":        "I couldn't find that memo.",
		"general_error":         "Something went wrong. Please try again later.",
	}
	reason := firstOf(call, "reason", loops.ContentKey, loops.QueryKey)
	if msg, ok := messages[reason]; ok {
		return msg, nil
	}
	return messages["general_error"], nil
}

func (r *Registry) memo(_ context.Context, call loops.Call) (string, error) {
	userID := call.Params["user_id"]
	content := firstOf(call, loops.ContentKey, loops.QueryKey)
	if content == "" {
		return "", fmt.Errorf("memo needs content to record")
	}

	target := call.Params["target_memo"]
	if target == "" || target == "default" {
		if err := r.db.UpsertCommonMemo(userID, content); err != nil {
			return "", fmt.Errorf("write core memo: %w", err)
		}
		return "recorded to your core memo", nil
	}

	ok, err := r.db.AppendNamedMemo(userID, target, content)
	if err != nil {
		return "", fmt.Errorf("write memo %q: %w", target, err)
	}
	if !ok {
		return "", fmt.Errorf("no memo named %q exists", target)
	}
	return fmt.Sprintf("recorded to memo %q", target), nil
}

func (r *Registry) memosize(_ context.Context, call loops.Call) (string, error) {
	raw := firstOf(call, loops.ContentKey, "size", loops.QueryKey)
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return "", fmt.Errorf("memosize needs a positive number, got %q", raw)
	}
	if size > maxMemoCapacity {
		return "", fmt.Errorf("memo capacity is capped at %d characters", maxMemoCapacity)
	}
	return fmt.Sprintf("capacity set to %d characters, now name the memo with #NameMemo", size), nil
}

func (r *Registry) namememo(_ context.Context, call loops.Call) (string, error) {
	userID := call.Params["user_id"]
	title := firstOf(call, loops.ContentKey, "title", loops.QueryKey)
	if title == "" {
		return "", fmt.Errorf("namememo needs a title")
	}

	capacity := defaultMemoCapacity
	if raw := call.Params["capacity"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid capacity %q", raw)
		}
		capacity = n
	}
	if capacity > maxMemoCapacity {
		capacity = maxMemoCapacity
	}

	created, err := r.db.CreateNamedMemo(userID, title, capacity)
	if err != nil {
		return "", fmt.Errorf("create memo %q: %w", title, err)
	}
	if !created {
		return "", fmt.Errorf("a memo named %q already exists", title)
	}
	return fmt.Sprintf("created memo %q with a %d character capacity", title, capacity), nil
}

func (r *Registry) memoref(_ context.Context, call loops.Call) (string, error) {
	userID := call.Params["user_id"]
	title := firstOf(call, loops.ContentKey, "title", loops.QueryKey)
	if title == "" {
		return "", fmt.Errorf("memoref needs a title")
	}

	content, found, err := r.db.NamedMemoContent(userID, title)
	if err != nil {
		return "", fmt.Errorf("read memo %q: %w", title, err)
	}
	if !found {
		return "", fmt.Errorf("no memo named %q exists", title)
	}
	return fmt.Sprintf("--- memo %q ---\n%s\n--- end ---", title, content), nil
}

func (r *Registry) webSearch(ctx context.Context, call loops.Call) (string, error) {
	query := firstOf(call, loops.QueryKey, loops.ContentKey)
	if query == "" {
		return "", fmt.Errorf("search needs a query")
	}
	if r.search == nil || !r.search.Enabled() {
		return "", fmt.Errorf("web search is not configured")
	}

	results, err := r.search.Search(ctx, query, 5)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return "nothing relevant found", nil
	}

	if r.summarizer == nil {
		return search.FormatResults(results), nil
	}
	var snippets []string
	for _, res := range results {
		snippets = append(snippets, res.Content)
	}
	summary, err := r.summarizer.SummarizeSearch(ctx, query, snippets)
	if err != nil {
		slog.Warn("tools: search summary failed, returning raw results", "err", err)
		return search.FormatResults(results), nil
	}
	return summary, nil
}

func (r *Registry) globalSearch(_ context.Context, call loops.Call) (string, error) {
	query := firstOf(call, loops.QueryKey, loops.ContentKey)
	targetUser := call.Params["target_user"]
	nickname := call.Params["nickname"]
	if query == "" && targetUser == "" && nickname == "" {
		return "", fmt.Errorf("globalsearch needs a query, target_user, or nickname")
	}

	hits, err := r.db.SearchHistory(query, targetUser, nickname, 20)
	if err != nil {
		return "", fmt.Errorf("history search: %w", err)
	}
	if len(hits) == 0 {
		return "nothing found in the chat history", nil
	}

	var lines []string
	for _, m := range hits {
		where := "private"
		if m.GroupID != nil {
			where = "group " + *m.GroupID
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %s(%s): %s",
			m.CreatedAt.Format("2006-01-02 15:04"), where, m.Nickname, m.UserID, m.Content))
	}
	return "history search results:\n" + strings.Join(lines, "\n"), nil
}

func (r *Registry) atUser(_ context.Context, call loops.Call) (string, error) {
	target := firstOf(call, "qq", "target_user_id")
	content := firstOf(call, loops.ContentKey, loops.QueryKey)
	groupID := call.Params["group_id"]
	if target == "" || content == "" || groupID == "" {
		return "", fmt.Errorf("atuser needs qq, content, and a group context")
	}

	if err := r.sender.SendGroupAt(groupID, target, content); err != nil {
		return "", fmt.Errorf("mention %s in group %s: %w", target, groupID, err)
	}
	return fmt.Sprintf("mentioned %s in group %s", target, groupID), nil
}

func (r *Registry) bingMe(_ context.Context, call loops.Call) (string, error) {
	userID := call.Params["user_id"]

	if expr := call.Params["cron"]; expr != "" {
		id, err := r.jobs.CreateRecurring(userID, userID, expr, "")
		if err != nil {
			return "", fmt.Errorf("recurring reminder: %w", err)
		}
		slog.Info("tools: recurring reminder created", "user_id", userID, "job_id", id)
		return fmt.Sprintf("recurring reminder set (%s), attach its message with #BingMsg", expr), nil
	}

	raw := firstOf(call, loops.ContentKey, loops.QueryKey)
	if raw == "" {
		return "", fmt.Errorf("bingme needs a time")
	}
	at, err := time.ParseInLocation(BingTimeLayout, raw, time.Local)
	if err != nil {
		return "", fmt.Errorf("cannot parse %q, use the year/month/day-hour:minute format", raw)
	}

	id, err := r.jobs.CreatePending(userID, userID, at)
	if err != nil {
		return "", fmt.Errorf("schedule reminder: %w", err)
	}
	slog.Info("tools: reminder slot created", "user_id", userID, "job_id", id, "at", at)
	return fmt.Sprintf("reminder slot set for %s, attach a message with #BingMsg or a memo review with #BingNote",
		at.Format(BingTimeLayout)), nil
}

func (r *Registry) bingMsg(_ context.Context, call loops.Call) (string, error) {
	userID := call.Params["user_id"]
	msg := firstOf(call, loops.ContentKey, loops.QueryKey)
	if msg == "" {
		return "", fmt.Errorf("bingmsg needs the message text")
	}

	if err := r.jobs.Configure(userID, db.JobKindMessage, msg); err != nil {
		return "", configureErr(err)
	}
	return "reminder message attached", nil
}

func (r *Registry) bingNote(_ context.Context, call loops.Call) (string, error) {
	userID := call.Params["user_id"]
	title := firstOf(call, loops.ContentKey, loops.QueryKey)
	if title == "" {
		return "", fmt.Errorf("bingnote needs a memo title")
	}

	if err := r.jobs.Configure(userID, db.JobKindReview, title); err != nil {
		return "", configureErr(err)
	}
	return fmt.Sprintf("memo review %q attached to the reminder", title), nil
}

func configureErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sched.ErrNoPendingJob):
		return fmt.Errorf("no reminder slot is waiting, set a time with #BingMe first")
	case errors.Is(err, sched.ErrJobExpired):
		return fmt.Errorf("that reminder already fired, set a new time with #BingMe")
	default:
		return fmt.Errorf("attach to reminder: %w", err)
	}
}
