package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kisaragi/loopbot/db"
	"github.com/kisaragi/loopbot/loops"
)

type scriptedClient struct {
	reply string
	err   error
	calls []string
}

func (c *scriptedClient) Complete(_ context.Context, prompt string, _ Options) (string, error) {
	c.calls = append(c.calls, prompt)
	return c.reply, c.err
}

type stubDispatcher struct {
	result loops.Result
	seen   []loops.Call
}

func (d *stubDispatcher) Dispatch(_ context.Context, call loops.Call) loops.Result {
	d.seen = append(d.seen, call)
	res := d.result
	res.Name = call.Name
	return res
}

func newTestPipeline(t *testing.T, client Client, disp loops.Dispatcher) *Pipeline {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if disp == nil {
		disp = &stubDispatcher{result: loops.Result{Success: true}}
	}
	return NewPipeline(database, client, loops.NewInterpreter(disp))
}

func TestDirectReplyPassesThrough(t *testing.T) {
	p := newTestPipeline(t, &scriptedClient{reply: "hello there"}, nil)

	d := p.Decide(context.Background(), Request{UserID: "7", Nickname: "ann", Text: "hi"})
	if !d.Respond || d.Reply != "hello there" {
		t.Fatalf("got %+v", d)
	}
}

func TestAmbientGroupMessageMayStaySilent(t *testing.T) {
	p := newTestPipeline(t, &scriptedClient{reply: "NO_REPLY"}, nil)

	d := p.Decide(context.Background(), Request{UserID: "7", GroupID: "g1", Text: "lol"})
	if d.Respond {
		t.Fatalf("expected silence, got %+v", d)
	}
}

func TestNoReplySentinelIgnoredWhenMentioned(t *testing.T) {
	p := newTestPipeline(t, &scriptedClient{reply: "NO_REPLY"}, nil)

	d := p.Decide(context.Background(), Request{UserID: "7", GroupID: "g1", Mentioned: true, Text: "@bot hi"})
	if !d.Respond {
		t.Fatal("mentioned message must always get a reply")
	}
}

func TestBackgroundToolRunIsSilent(t *testing.T) {
	disp := &stubDispatcher{result: loops.Result{Success: true, Result: "done"}}
	p := newTestPipeline(t, &scriptedClient{reply: "<Loops>#NotResp;#Memo=remember this</Loops>"}, disp)

	d := p.Decide(context.Background(), Request{UserID: "7", Text: "note it"})
	if d.Respond {
		t.Fatalf("background run must not respond, got %+v", d)
	}
	if len(disp.seen) != 1 || disp.seen[0].Name != "memo" {
		t.Fatalf("tool not dispatched: %+v", disp.seen)
	}
}

func TestProseBesideToolBlockWins(t *testing.T) {
	disp := &stubDispatcher{result: loops.Result{Success: true, Result: "raw tool output"}}
	p := newTestPipeline(t, &scriptedClient{reply: "On it!<Loops>#Search=weather</Loops>"}, disp)

	d := p.Decide(context.Background(), Request{UserID: "7", Text: "weather?"})
	if !d.Respond || d.Reply != "On it!" {
		t.Fatalf("got %+v", d)
	}
}

func TestToolResultsBecomeReplyWithoutProse(t *testing.T) {
	disp := &stubDispatcher{result: loops.Result{Success: true, Result: "sunny, 20C"}}
	p := newTestPipeline(t, &scriptedClient{reply: "<Loops>#Search=weather</Loops>"}, disp)

	d := p.Decide(context.Background(), Request{UserID: "7", Text: "weather?"})
	if !d.Respond || d.Reply != "sunny, 20C" {
		t.Fatalf("got %+v", d)
	}
}

func TestAllToolsFailedFallsBack(t *testing.T) {
	disp := &stubDispatcher{result: loops.Result{Success: false, Error: "boom"}}
	p := newTestPipeline(t, &scriptedClient{reply: "<Loops>#Search=weather</Loops>"}, disp)
	p.Fallback = func() string { return "oops" }

	d := p.Decide(context.Background(), Request{UserID: "7", Text: "weather?"})
	if !d.Respond || d.Reply != "oops" {
		t.Fatalf("got %+v", d)
	}
}

func TestInferenceFailure(t *testing.T) {
	client := &scriptedClient{err: errors.New("down")}

	t.Run("direct chat gets the fallback", func(t *testing.T) {
		p := newTestPipeline(t, client, nil)
		d := p.Decide(context.Background(), Request{UserID: "7", Text: "hi"})
		if !d.Respond || d.Reply == "" {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("ambient group message stays silent", func(t *testing.T) {
		p := newTestPipeline(t, client, nil)
		d := p.Decide(context.Background(), Request{UserID: "7", GroupID: "g1", Text: "hi"})
		if d.Respond {
			t.Fatalf("got %+v", d)
		}
	})
}

func TestPromptCarriesHistoryAndMemo(t *testing.T) {
	client := &scriptedClient{reply: "ok"}
	p := newTestPipeline(t, client, nil)

	if err := p.db.InsertHistory("7", "ann", nil, "private", "user", "earlier message"); err != nil {
		t.Fatalf("insert history: %v", err)
	}
	if err := p.db.UpsertCommonMemo("7", "ann likes tea"); err != nil {
		t.Fatalf("upsert memo: %v", err)
	}

	p.Decide(context.Background(), Request{UserID: "7", Nickname: "ann", Text: "hi"})

	if len(client.calls) != 1 {
		t.Fatalf("expected one completion, got %d", len(client.calls))
	}
	prompt := client.calls[0]
	if !strings.Contains(prompt, "earlier message") {
		t.Error("history missing from prompt")
	}
	if !strings.Contains(prompt, "ann likes tea") {
		t.Error("common memo missing from prompt")
	}
}
