package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// CommonMemo returns the user's common memo, falling back to the shared
// "common" entry when the user has none.
func (db *DB) CommonMemo(userID string) (string, error) {
	var content string
	err := db.QueryRow("SELECT content FROM common_memo WHERE user_id = ?", userID).Scan(&content)
	if err == nil && content != "" {
		return content, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}

	err = db.QueryRow("SELECT content FROM common_memo WHERE user_id = 'common'").Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content, err
}

func (db *DB) UpsertCommonMemo(userID, content string) error {
	_, err := db.Exec(`
		INSERT INTO common_memo (user_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, userID, content, time.Now().UTC())
	return err
}

// CreateNamedMemo creates an empty memo with the given capacity.
// Returns false if a memo with that title already exists.
func (db *DB) CreateNamedMemo(userID, title string, capacity int) (bool, error) {
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO named_memos (user_id, title, content, capacity, created_at, updated_at)
		VALUES (?, ?, '', ?, ?, ?)
	`, userID, title, capacity, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AppendNamedMemo appends a line to an existing named memo.
// Returns false if no memo with that title exists.
func (db *DB) AppendNamedMemo(userID, title, content string) (bool, error) {
	res, err := db.Exec(`
		UPDATE named_memos SET content = content || ?, updated_at = ?
		WHERE user_id = ? AND title = ?
	`, "\n"+content, time.Now().UTC(), userID, title)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) NamedMemoContent(userID, title string) (string, bool, error) {
	var content string
	err := db.QueryRow("SELECT content FROM named_memos WHERE user_id = ? AND title = ?", userID, title).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

// MemoInfo summarizes one named memo for prompt context.
type MemoInfo struct {
	Title     string
	Length    int
	Capacity  int
	UpdatedAt time.Time
}

func (db *DB) ListNamedMemos(userID string, limit int) ([]MemoInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.Query(`
		SELECT title, length(content), capacity, updated_at FROM named_memos
		WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memos []MemoInfo
	for rows.Next() {
		var m MemoInfo
		if err := rows.Scan(&m.Title, &m.Length, &m.Capacity, &m.UpdatedAt); err != nil {
			continue
		}
		memos = append(memos, m)
	}
	return memos, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
