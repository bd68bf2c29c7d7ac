package db

import (
	"database/sql"
	"time"
)

func (db *DB) SystemRules(userID string) (string, error) {
	var content string
	err := db.QueryRow("SELECT content FROM system_rules WHERE user_id = ?", userID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content, err
}

func (db *DB) SaveSystemRules(userID, content string) error {
	_, err := db.Exec(`
		INSERT INTO system_rules (user_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, userID, content, time.Now().UTC())
	return err
}
