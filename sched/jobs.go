package sched

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/kisaragi/loopbot/db"
)

// ErrNoPendingJob is returned by Configure when the session has no job
// awaiting configuration.
var ErrNoPendingJob = errors.New("no pending job for session; create one first")

// ErrJobExpired is returned when the awaiting job already fired.
var ErrJobExpired = errors.New("pending job has expired")

// FireFunc executes a configured job's action when it comes due.
type FireFunc func(job db.Job)

type JobStoreConfig struct {
	// Tick is the due-job poll cadence.
	Tick time.Duration
}

// JobStore implements the two-phase deferred-job protocol on top of the
// persisted jobs table. Phase one registers a no-op placeholder at a
// trigger time; phase two rewrites its action. Unconfigured jobs fire as
// silent no-ops.
type JobStore struct {
	db     *db.DB
	onFire FireFunc
	cfg    JobStoreConfig
	gron   *gronx.Gronx

	mu sync.Mutex
	// awaiting maps a session key to its most recently created
	// unconfigured job. Creating a new pending job replaces the pointer;
	// the superseded job still fires whatever action it holds.
	awaiting map[string]string
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

func NewJobStore(database *db.DB, cfg JobStoreConfig, onFire FireFunc) *JobStore {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &JobStore{
		db:       database,
		onFire:   onFire,
		cfg:      cfg,
		gron:     gronx.New(),
		awaiting: make(map[string]string),
		now:      time.Now,
	}
}

// Start resumes tracking persisted jobs and launches the fire loop. Jobs
// already in the table are picked up by the loop's queries, so a restart
// never re-registers duplicates.
func (s *JobStore) Start() error {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	pending, err := s.db.PendingJobs()
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	slog.Info("jobstore: resumed", "pending", len(pending))

	go s.fireLoop(stop, done)
	return nil
}

func (s *JobStore) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	slog.Info("jobstore: stopped")
}

// CreatePending registers a no-op job at the trigger time and records it
// as the session's job awaiting configuration, replacing any prior
// awaiting job for the session.
func (s *JobStore) CreatePending(sessionKey, userID string, at time.Time) (string, error) {
	id := fmt.Sprintf("pending_%s_%d", sessionKey, at.Unix())
	job := db.Job{
		ID:         id,
		SessionKey: sessionKey,
		UserID:     userID,
		Kind:       db.JobKindNoop,
		TriggerAt:  at,
		Status:     db.JobStatusPending,
	}
	if err := s.db.InsertJob(job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	s.mu.Lock()
	s.awaiting[sessionKey] = id
	s.mu.Unlock()

	slog.Info("jobstore: pending job created", "job", id, "at", at)
	return id, nil
}

// Configure rewrites the session's awaiting job to a real action and
// clears the awaiting pointer. kind is a db.JobKind* constant.
func (s *JobStore) Configure(sessionKey, kind, payload string) error {
	s.mu.Lock()
	id, ok := s.awaiting[sessionKey]
	if ok {
		delete(s.awaiting, sessionKey)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoPendingJob
	}

	configured, err := s.db.ConfigureJob(id, kind, payload)
	if err != nil {
		return fmt.Errorf("configure job %s: %w", id, err)
	}
	if !configured {
		return ErrJobExpired
	}
	slog.Info("jobstore: job configured", "job", id, "kind", kind)
	return nil
}

// CreateRecurring registers a job on a cron schedule. Like CreatePending
// it becomes the session's awaiting job, so a follow-up Configure call
// attaches the action; an unconfigured recurring job fires as a message
// with its payload (empty until configured).
func (s *JobStore) CreateRecurring(sessionKey, userID, expr, payload string) (string, error) {
	if !s.gron.IsValid(expr) {
		return "", fmt.Errorf("invalid cron expression %q", expr)
	}
	next, err := gronx.NextTickAfter(expr, s.now(), false)
	if err != nil {
		return "", fmt.Errorf("compute first run: %w", err)
	}

	id := "cron_" + uuid.NewString()
	job := db.Job{
		ID:         id,
		SessionKey: sessionKey,
		UserID:     userID,
		Kind:       db.JobKindMessage,
		Payload:    payload,
		CronExpr:   expr,
		TriggerAt:  next,
		Status:     db.JobStatusPending,
	}
	if err := s.db.InsertJob(job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	s.mu.Lock()
	s.awaiting[sessionKey] = id
	s.mu.Unlock()

	slog.Info("jobstore: recurring job created", "job", id, "expr", expr, "first", next)
	return id, nil
}

func (s *JobStore) fireLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fireDue()
		}
	}
}

func (s *JobStore) fireDue() {
	due, err := s.db.DueJobs(s.now())
	if err != nil {
		slog.Error("jobstore: due query failed", "err", err)
		return
	}

	for _, j := range due {
		// Claim before reading the final action: a Configure racing this
		// fire either lands before the claim (and the configured action
		// runs) or fails its status guard afterwards. One consistent
		// outcome either way.
		claimed, err := s.db.ClaimJob(j.ID)
		if err != nil {
			slog.Error("jobstore: claim failed", "job", j.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}

		final, err := s.db.GetJob(j.ID)
		if err != nil || final == nil {
			slog.Error("jobstore: job vanished after claim", "job", j.ID, "err", err)
			continue
		}

		runID := uuid.NewString()
		if final.Kind == db.JobKindNoop {
			// Never configured: fires as a silent no-op.
			slog.Info("jobstore: unconfigured job fired as no-op", "job", final.ID, "run", runID)
		} else {
			slog.Info("jobstore: firing job", "job", final.ID, "kind", final.Kind, "run", runID)
			s.onFire(*final)
		}

		if final.CronExpr != "" {
			next, err := gronx.NextTickAfter(final.CronExpr, s.now(), false)
			if err != nil {
				slog.Error("jobstore: reschedule failed", "job", final.ID, "err", err)
				continue
			}
			if err := s.db.RescheduleJob(final.ID, next); err != nil {
				slog.Error("jobstore: reschedule failed", "job", final.ID, "err", err)
			}
		}
	}
}
