package db

import (
	"database/sql"
	"time"
)

// Deferred job kinds. A job is created as a no-op placeholder and only
// becomes effectful once configured with a real action.
const (
	JobKindNoop    = "noop"
	JobKindMessage = "message"
	JobKindReview  = "review"
)

const (
	JobStatusPending = "pending"
	JobStatusFired   = "fired"
)

type Job struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"sessionKey"`
	UserID     string    `json:"userId"`
	Kind       string    `json:"kind"`
	Payload    string    `json:"payload"`
	CronExpr   string    `json:"cronExpr,omitempty"`
	TriggerAt  time.Time `json:"triggerAt"`
	Status     string    `json:"status"`
}

// InsertJob registers a job. Re-registering an existing id replaces the
// row wholesale, so re-creating a slot resets any action the old job had
// been configured with.
func (db *DB) InsertJob(j Job) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO jobs (id, session_key, user_id, kind, payload, cron_expr, trigger_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_key = excluded.session_key, user_id = excluded.user_id,
			kind = excluded.kind, payload = excluded.payload,
			cron_expr = excluded.cron_expr, trigger_at = excluded.trigger_at,
			status = excluded.status, updated_at = excluded.updated_at
	`, j.ID, j.SessionKey, j.UserID, j.Kind, j.Payload, j.CronExpr, j.TriggerAt.UTC(), j.Status, now, now)
	return err
}

// ConfigureJob rewrites a pending job's action. Returns false when the job
// no longer exists or already fired.
func (db *DB) ConfigureJob(id, kind, payload string) (bool, error) {
	res, err := db.Exec(`
		UPDATE jobs SET kind = ?, payload = ?, updated_at = ? WHERE id = ? AND status = ?
	`, kind, payload, time.Now().UTC(), id, JobStatusPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimJob marks a pending job fired. The status guard makes the
// configure-then-fire race resolve to one consistent final action: whoever
// updates first wins and the loser's update affects zero rows.
func (db *DB) ClaimJob(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, JobStatusFired, time.Now().UTC(), id, JobStatusPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RescheduleJob moves a recurring job's trigger forward and keeps it pending.
func (db *DB) RescheduleJob(id string, at time.Time) error {
	_, err := db.Exec(`
		UPDATE jobs SET trigger_at = ?, status = ?, updated_at = ? WHERE id = ?
	`, at.UTC(), JobStatusPending, time.Now().UTC(), id)
	return err
}

// DueJobs returns pending jobs whose trigger time has passed.
func (db *DB) DueJobs(now time.Time) ([]Job, error) {
	rows, err := db.Query(`
		SELECT id, session_key, user_id, kind, payload, cron_expr, trigger_at, status
		FROM jobs WHERE status = ? AND trigger_at <= ?
		ORDER BY trigger_at
	`, JobStatusPending, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// PendingJobs returns every not-yet-fired job, used to resume tracking
// after a restart.
func (db *DB) PendingJobs() ([]Job, error) {
	rows, err := db.Query(`
		SELECT id, session_key, user_id, kind, payload, cron_expr, trigger_at, status
		FROM jobs WHERE status = ? ORDER BY trigger_at
	`, JobStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(`
		SELECT id, session_key, user_id, kind, payload, cron_expr, trigger_at, status
		FROM jobs WHERE id = ?
	`, id)
	var j Job
	err := row.Scan(&j.ID, &j.SessionKey, &j.UserID, &j.Kind, &j.Payload, &j.CronExpr, &j.TriggerAt, &j.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.SessionKey, &j.UserID, &j.Kind, &j.Payload, &j.CronExpr, &j.TriggerAt, &j.Status); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
