package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kisaragi/loopbot/db"
	"github.com/kisaragi/loopbot/loops"
	"github.com/kisaragi/loopbot/sched"
)

type fakeSender struct {
	groupID, target, text string
	calls                 int
}

func (f *fakeSender) SendGroupAt(groupID, target, text string) error {
	f.groupID, f.target, f.text = groupID, target, text
	f.calls++
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *db.DB, *fakeSender) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	jobs := sched.NewJobStore(database, sched.JobStoreConfig{}, func(db.Job) {})
	sender := &fakeSender{}
	return NewRegistry(database, nil, jobs, sender, nil), database, sender
}

func call(name string, params map[string]string) loops.Call {
	if params == nil {
		params = map[string]string{}
	}
	if params["user_id"] == "" {
		params["user_id"] = "7"
	}
	return loops.Call{Name: name, Params: params}
}

func TestUnknownToolReportsError(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Dispatch(context.Background(), call("frobnicate", nil))
	if res.Success || !strings.Contains(res.Error, "frobnicate") {
		t.Fatalf("got %+v", res)
	}
}

func TestMissingUserIDRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Dispatch(context.Background(), loops.Call{Name: "memo", Params: map[string]string{"content": "x"}})
	if res.Success {
		t.Fatalf("got %+v", res)
	}
}

func TestMemoWritesCommonMemo(t *testing.T) {
	r, database, _ := newTestRegistry(t)

	res := r.Dispatch(context.Background(), call("memo", map[string]string{"content": "likes tea"}))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	content, err := database.CommonMemo("7")
	if err != nil || content != "likes tea" {
		t.Fatalf("memo not persisted: %q, %v", content, err)
	}
}

func TestMemoTargetsNamedMemo(t *testing.T) {
	r, database, _ := newTestRegistry(t)

	// Appending to a memo that does not exist fails.
	res := r.Dispatch(context.Background(), call("memo", map[string]string{
		"content": "entry", "target_memo": "diary",
	}))
	if res.Success {
		t.Fatalf("append to missing memo succeeded: %+v", res)
	}

	if _, err := database.CreateNamedMemo("7", "diary", 500); err != nil {
		t.Fatalf("create memo: %v", err)
	}
	res = r.Dispatch(context.Background(), call("memo", map[string]string{
		"content": "entry", "target_memo": "diary",
	}))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
}

func TestNamedMemoLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if res := r.Dispatch(ctx, call("memosize", map[string]string{"content": "9000"})); res.Success {
		t.Fatalf("capacity above the cap accepted: %+v", res)
	}
	if res := r.Dispatch(ctx, call("memosize", map[string]string{"content": "800"})); !res.Success {
		t.Fatalf("got %+v", res)
	}

	res := r.Dispatch(ctx, call("namememo", map[string]string{"content": "diary", "capacity": "800"}))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	// Duplicate title is rejected.
	res = r.Dispatch(ctx, call("namememo", map[string]string{"content": "diary"}))
	if res.Success {
		t.Fatalf("duplicate create succeeded: %+v", res)
	}

	r.Dispatch(ctx, call("memo", map[string]string{"content": "first entry", "target_memo": "diary"}))
	res = r.Dispatch(ctx, call("memoref", map[string]string{"content": "diary"}))
	if !res.Success || !strings.Contains(res.Result, "first entry") {
		t.Fatalf("got %+v", res)
	}
}

func TestMemoRefMissingMemo(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Dispatch(context.Background(), call("memoref", map[string]string{"content": "nope"}))
	if res.Success {
		t.Fatalf("got %+v", res)
	}
}

func TestGlobalSearchFindsHistory(t *testing.T) {
	r, database, _ := newTestRegistry(t)

	if err := database.InsertHistory("7", "ann", nil, "private", "user", "the launch is on friday"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	res := r.Dispatch(context.Background(), call("globalsearch", map[string]string{"query": "launch"}))
	if !res.Success || !strings.Contains(res.Result, "friday") {
		t.Fatalf("got %+v", res)
	}

	res = r.Dispatch(context.Background(), call("globalsearch", nil))
	if res.Success {
		t.Fatalf("empty search accepted: %+v", res)
	}
}

func TestAtUserSendsMention(t *testing.T) {
	r, _, sender := newTestRegistry(t)

	res := r.Dispatch(context.Background(), call("atuser", map[string]string{
		"content": "your turn", "qq": "42", "group_id": "g9",
	}))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	if sender.groupID != "g9" || sender.target != "42" || sender.text != "your turn" {
		t.Fatalf("sender saw %+v", sender)
	}

	// Outside a group there is nothing to mention into.
	res = r.Dispatch(context.Background(), call("atuser", map[string]string{
		"content": "your turn", "qq": "42",
	}))
	if res.Success {
		t.Fatalf("got %+v", res)
	}
}

func TestReminderTwoPhaseFlow(t *testing.T) {
	r, database, _ := newTestRegistry(t)
	ctx := context.Background()

	// Attaching before any slot exists fails with guidance.
	res := r.Dispatch(ctx, call("bingmsg", map[string]string{"content": "drink water"}))
	if res.Success || !strings.Contains(res.Error, "#BingMe") {
		t.Fatalf("got %+v", res)
	}

	when := time.Now().Add(time.Hour).Format(BingTimeLayout)
	res = r.Dispatch(ctx, call("bingme", map[string]string{"content": when}))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}

	res = r.Dispatch(ctx, call("bingmsg", map[string]string{"content": "drink water"}))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}

	jobs, err := database.PendingJobs()
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs: %v, %v", jobs, err)
	}
	if jobs[0].Kind != db.JobKindMessage || jobs[0].Payload != "drink water" {
		t.Fatalf("job not configured: %+v", jobs[0])
	}
}

func TestBingMeRejectsBadTime(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Dispatch(context.Background(), call("bingme", map[string]string{"content": "tomorrowish"}))
	if res.Success {
		t.Fatalf("got %+v", res)
	}
}

func TestBingNoteConfiguresReview(t *testing.T) {
	r, database, _ := newTestRegistry(t)
	ctx := context.Background()

	when := time.Now().Add(time.Hour).Format(BingTimeLayout)
	r.Dispatch(ctx, call("bingme", map[string]string{"content": when}))
	res := r.Dispatch(ctx, call("bingnote", map[string]string{"content": "diary"}))
	if !res.Success {
		t.Fatalf("got %+v", res)
	}

	jobs, _ := database.PendingJobs()
	if len(jobs) != 1 || jobs[0].Kind != db.JobKindReview || jobs[0].Payload != "diary" {
		t.Fatalf("got %+v", jobs)
	}
}

func TestSearchUnconfigured(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Dispatch(context.Background(), call("search", map[string]string{"query": "weather"}))
	if res.Success {
		t.Fatalf("got %+v", res)
	}
}

func TestErrorLibKnownAndUnknownReasons(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	known := r.Dispatch(context.Background(), call("errorlib", map[string]string{"reason": "memo_not_found"}))
	fallback := r.Dispatch(context.Background(), call("errorlib", map[string]string{"reason": "whatever"}))
	if !known.Success || !fallback.Success {
		t.Fatalf("got %+v / %+v", known, fallback)
	}
	if known.Result == fallback.Result {
		t.Fatal("known reason should map to its own message")
	}
}
