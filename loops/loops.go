// Package loops parses and runs the tool-invocation mini-language embedded
// in agent output. A turn may carry one <Loops>...</Loops> block containing
// semicolon-separated calls, each written as #Name or #Name=params with
// key=value pairs. A leading #NotResp marker suppresses the direct reply.
package loops

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const (
	// NoRespMarker suppresses the direct reply when it leads the block.
	NoRespMarker = "#NotResp"
	// ContentKey holds the first unkeyed parameter segment.
	ContentKey = "content"
	// QueryKey holds the raw remainder when no key=value pairs parse.
	QueryKey = "query"
)

var blockRe = regexp.MustCompile(`(?s)<Loops>(.*?)</Loops>`)

// Call is one parsed tool invocation.
type Call struct {
	Name   string
	Params map[string]string
}

// Result is the outcome of dispatching one call. Exactly one of Result and
// Error carries content.
type Result struct {
	Name    string
	Success bool
	Result  string
	Error   string
}

// CallerContext is injected into every call's params before dispatch,
// overriding any same-named keys supplied by the text itself.
type CallerContext struct {
	UserID  string
	GroupID string
}

// Dispatcher executes a single named tool call.
type Dispatcher interface {
	Dispatch(ctx context.Context, call Call) Result
}

type Interpreter struct {
	dispatcher Dispatcher
}

func NewInterpreter(d Dispatcher) *Interpreter {
	return &Interpreter{dispatcher: d}
}

// HasBlock reports whether text contains a well-formed block.
func HasBlock(text string) bool {
	return blockRe.MatchString(text)
}

// StripBlock removes the first block from text, leaving the surrounding
// reply prose.
func StripBlock(text string) string {
	return strings.TrimSpace(blockRe.ReplaceAllString(text, ""))
}

// Parse extracts the outermost block and splits it into calls. A missing
// or malformed block yields no calls and background=false; parsing itself
// never fails.
func Parse(text string) (calls []Call, background bool) {
	m := blockRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	content := strings.TrimSpace(m[1])

	// The marker is honored only in syntactically-first position.
	if strings.HasPrefix(content, NoRespMarker) {
		background = true
		content = strings.TrimPrefix(content, NoRespMarker)
		content = strings.Trim(content, "; \t\n")
	}

	for _, seg := range strings.Split(content, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" || !strings.HasPrefix(seg, "#") {
			// Not a call segment; dropped silently.
			continue
		}
		calls = append(calls, parseCall(seg))
	}
	return calls, background
}

// parseCall splits "#Name=rest" into a lowercased name and params. The
// first unkeyed piece maps to the content key; a rest with no recognized
// key=value pairs degenerates to a single query param holding the raw
// remainder.
func parseCall(seg string) Call {
	name, rest, hasRest := strings.Cut(seg[1:], "=")
	call := Call{
		Name:   strings.ToLower(strings.TrimSpace(name)),
		Params: make(map[string]string),
	}
	if !hasRest {
		return call
	}

	for i, pair := range strings.Split(rest, ";") {
		if key, value, ok := strings.Cut(pair, "="); ok {
			call.Params[strings.TrimSpace(key)] = strings.TrimSpace(value)
		} else if i == 0 {
			call.Params[ContentKey] = strings.TrimSpace(pair)
		}
	}
	if v, ok := call.Params[ContentKey]; ok && v == "" {
		delete(call.Params, ContentKey)
	}
	if len(call.Params) == 0 {
		call.Params[QueryKey] = rest
	}
	return call
}

// Execute parses text and dispatches each call strictly in sequence; later
// calls may depend on state mutated by earlier ones. A failing call is
// recorded and the sequence continues. Returns the ordered results and
// whether the block asked for background handling.
func (in *Interpreter) Execute(ctx context.Context, text string, caller CallerContext) ([]Result, bool) {
	calls, background := Parse(text)
	if len(calls) == 0 {
		return nil, background
	}

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		call.Params["user_id"] = caller.UserID
		if caller.GroupID != "" {
			call.Params["group_id"] = caller.GroupID
		}

		slog.Info("loops: dispatching tool", "tool", call.Name, "params", len(call.Params))
		res := in.dispatcher.Dispatch(ctx, call)
		results = append(results, res)
		if !res.Success {
			slog.Warn("loops: tool failed, continuing sequence", "tool", call.Name, "err", res.Error)
		}
	}
	return results, background
}
