package sched

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kisaragi/loopbot/db"
)

type firedLog struct {
	mu   sync.Mutex
	jobs []db.Job
}

func (f *firedLog) fire(j db.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
}

func (f *firedLog) list() []db.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.Job(nil), f.jobs...)
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestTwoPhaseConfigure(t *testing.T) {
	database := openTestDB(t)
	fired := &firedLog{}
	s := NewJobStore(database, JobStoreConfig{Tick: 10 * time.Millisecond}, fired.fire)

	at := time.Now().Add(time.Hour)
	id, err := s.CreatePending("user:42", "42", at)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	if err := s.Configure("user:42", db.JobKindMessage, "don't forget the thing"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	job, err := database.GetJob(id)
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v, %v", job, err)
	}
	if job.Kind != db.JobKindMessage || job.Payload != "don't forget the thing" {
		t.Fatalf("job = %+v", job)
	}
}

func TestConfigureWithoutPendingFails(t *testing.T) {
	database := openTestDB(t)
	s := NewJobStore(database, JobStoreConfig{}, func(db.Job) {})

	err := s.Configure("user:1", db.JobKindMessage, "x")
	if !errors.Is(err, ErrNoPendingJob) {
		t.Fatalf("err = %v, want ErrNoPendingJob", err)
	}
}

func TestLatestPendingJobWins(t *testing.T) {
	database := openTestDB(t)
	fired := &firedLog{}
	s := NewJobStore(database, JobStoreConfig{Tick: 10 * time.Millisecond}, fired.fire)

	t1 := time.Now().Add(100 * time.Millisecond)
	t2 := time.Now().Add(time.Hour)
	id1, _ := s.CreatePending("user:7", "7", t1)
	id2, _ := s.CreatePending("user:7", "7", t2)

	if err := s.Configure("user:7", db.JobKindMessage, "later message"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// Only the most recently created pending job was configured.
	j1, _ := database.GetJob(id1)
	j2, _ := database.GetJob(id2)
	if j1.Kind != db.JobKindNoop {
		t.Errorf("superseded job kind = %q, want still noop", j1.Kind)
	}
	if j2.Kind != db.JobKindMessage {
		t.Errorf("latest job kind = %q, want message", j2.Kind)
	}

	// The superseded job still fires at its time, as a silent no-op.
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	time.Sleep(200 * time.Millisecond)

	j1, _ = database.GetJob(id1)
	if j1.Status != db.JobStatusFired {
		t.Errorf("superseded job status = %q, want fired", j1.Status)
	}
	if len(fired.list()) != 0 {
		t.Errorf("no-op fire must not invoke the callback: %+v", fired.list())
	}
}

func TestConfiguredJobFiresOnce(t *testing.T) {
	database := openTestDB(t)
	fired := &firedLog{}
	s := NewJobStore(database, JobStoreConfig{Tick: 10 * time.Millisecond}, fired.fire)

	at := time.Now().Add(50 * time.Millisecond)
	s.CreatePending("user:9", "9", at)
	if err := s.Configure("user:9", db.JobKindMessage, "ping"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	time.Sleep(200 * time.Millisecond)

	jobs := fired.list()
	if len(jobs) != 1 {
		t.Fatalf("fired %d times, want exactly once", len(jobs))
	}
	if jobs[0].Payload != "ping" || jobs[0].Kind != db.JobKindMessage {
		t.Fatalf("fired job = %+v", jobs[0])
	}
}

func TestJobsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.db")

	database, err := db.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := NewJobStore(database, JobStoreConfig{Tick: 10 * time.Millisecond}, func(db.Job) {})
	s.CreatePending("user:3", "3", time.Now().Add(60*time.Millisecond))
	if err := s.Configure("user:3", db.JobKindReview, "notes"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	database.Close()

	// New process: reopen the store and resume.
	database2, err := db.Open(path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer database2.Close()

	fired := &firedLog{}
	s2 := NewJobStore(database2, JobStoreConfig{Tick: 10 * time.Millisecond}, fired.fire)
	if err := s2.Start(); err != nil {
		t.Fatalf("Start after restart: %v", err)
	}
	defer s2.Stop()

	time.Sleep(200 * time.Millisecond)
	jobs := fired.list()
	if len(jobs) != 1 || jobs[0].Kind != db.JobKindReview || jobs[0].Payload != "notes" {
		t.Fatalf("fired after restart = %+v, want the persisted review job", jobs)
	}
}

func TestConfigureAfterFireReportsExpired(t *testing.T) {
	database := openTestDB(t)
	fired := &firedLog{}
	s := NewJobStore(database, JobStoreConfig{Tick: 10 * time.Millisecond}, fired.fire)

	s.CreatePending("user:5", "5", time.Now().Add(20*time.Millisecond))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	time.Sleep(150 * time.Millisecond) // job fires unconfigured

	err := s.Configure("user:5", db.JobKindMessage, "too late")
	if !errors.Is(err, ErrJobExpired) {
		t.Fatalf("err = %v, want ErrJobExpired", err)
	}
	if len(fired.list()) != 0 {
		t.Error("unconfigured fire must be a no-op")
	}
}

func TestRecreatedSlotResetsConfiguredAction(t *testing.T) {
	database := openTestDB(t)
	s := NewJobStore(database, JobStoreConfig{}, func(db.Job) {})

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	id, err := s.CreatePending("user:9", "9", at)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if err := s.Configure("user:9", db.JobKindMessage, "old message"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// Same session and trigger time derive the same id; the new slot
	// must come back as an unconfigured placeholder.
	id2, err := s.CreatePending("user:9", "9", at)
	if err != nil {
		t.Fatalf("CreatePending again: %v", err)
	}
	if id2 != id {
		t.Fatalf("expected the same id, got %s and %s", id, id2)
	}

	job, err := database.GetJob(id)
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v, %v", job, err)
	}
	if job.Kind != db.JobKindNoop || job.Payload != "" {
		t.Fatalf("old action survived: %+v", job)
	}

	// The fresh slot is configurable again.
	if err := s.Configure("user:9", db.JobKindMessage, "new message"); err != nil {
		t.Fatalf("Configure fresh slot: %v", err)
	}
	job, _ = database.GetJob(id)
	if job.Payload != "new message" {
		t.Fatalf("got %+v", job)
	}
}

func TestRecurringJobReschedules(t *testing.T) {
	database := openTestDB(t)
	s := NewJobStore(database, JobStoreConfig{}, func(db.Job) {})

	id, err := s.CreateRecurring("user:8", "8", "*/5 * * * *", "standup reminder")
	if err != nil {
		t.Fatalf("CreateRecurring: %v", err)
	}
	job, err := database.GetJob(id)
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v, %v", job, err)
	}
	if job.CronExpr != "*/5 * * * *" || job.Status != db.JobStatusPending {
		t.Fatalf("job = %+v", job)
	}
	if !job.TriggerAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("first trigger in the past: %v", job.TriggerAt)
	}

	if _, err := s.CreateRecurring("user:8", "8", "not a cron", "x"); err == nil {
		t.Fatal("invalid cron expression accepted")
	}
}
