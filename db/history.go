package db

import "time"

type HistoryMessage struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	Nickname    string    `json:"nickname"`
	GroupID     *string   `json:"groupId,omitempty"`
	MessageType string    `json:"messageType"` // "private" or "group"
	Role        string    `json:"role"`        // "user" or "assistant"
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (db *DB) InsertHistory(userID, nickname string, groupID *string, messageType, role, content string) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO message_history (user_id, nickname, group_id, message_type, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, userID, nickname, groupID, messageType, role, content, now)
	return err
}

// RecentHistory returns the most recent messages for a session in
// chronological order. For group sessions groupID selects the group log;
// for private sessions it must be nil and userID selects the private log.
func (db *DB) RecentHistory(userID string, groupID *string, limit, contentMax int) ([]HistoryMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	var query string
	var args []any
	if groupID != nil {
		query = `
			SELECT id, user_id, nickname, group_id, message_type, role, content, created_at
			FROM message_history WHERE group_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		`
		args = []any{*groupID, limit}
	} else {
		query = `
			SELECT id, user_id, nickname, group_id, message_type, role, content, created_at
			FROM message_history WHERE user_id = ? AND group_id IS NULL
			ORDER BY created_at DESC, id DESC LIMIT ?
		`
		args = []any{userID, limit}
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []HistoryMessage
	for rows.Next() {
		var m HistoryMessage
		var nick *string
		if err := rows.Scan(&m.ID, &m.UserID, &nick, &m.GroupID, &m.MessageType, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			continue
		}
		if nick != nil {
			m.Nickname = *nick
		}
		if contentMax > 0 && len(m.Content) > contentMax {
			m.Content = m.Content[:contentMax] + "..."
		}
		messages = append(messages, m)
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SearchHistory runs a substring search over the whole message log,
// optionally narrowed by user id or nickname. Newest first.
func (db *DB) SearchHistory(query, userID, nickname string, limit int) ([]HistoryMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	sql := "SELECT id, user_id, nickname, group_id, message_type, role, content, created_at FROM message_history WHERE content LIKE ?"
	args := []any{"%" + query + "%"}
	if userID != "" {
		sql += " AND user_id = ?"
		args = append(args, userID)
	}
	if nickname != "" {
		sql += " AND nickname LIKE ?"
		args = append(args, "%"+nickname+"%")
	}
	sql += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []HistoryMessage
	for rows.Next() {
		var m HistoryMessage
		var nick *string
		if err := rows.Scan(&m.ID, &m.UserID, &nick, &m.GroupID, &m.MessageType, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			continue
		}
		if nick != nil {
			m.Nickname = *nick
		}
		messages = append(messages, m)
	}
	return messages, nil
}
