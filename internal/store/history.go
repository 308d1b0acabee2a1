package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one stored conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AddMessage appends one turn to the user's history.
func (s *Store) AddMessage(ctx context.Context, userID, role, content string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(role) == "" {
		return fmt.Errorf("user_id and role are required")
	}
	sealed, err := seal(s.aead, []byte(content), "message:"+userID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(user_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
		userID, role, sealed, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("add message for %s: %w", userID, err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest turns in chronological order.
func (s *Store) RecentMessages(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages
		 WHERE user_id = ? ORDER BY created_at DESC, message_id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			sealed  []byte
			created int64
		)
		if err := rows.Scan(&m.Role, &sealed, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		plain, err := open(s.aead, sealed, "message:"+userID)
		if err != nil {
			return nil, fmt.Errorf("unseal message: %w", err)
		}
		m.Content = string(plain)
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearMessages deletes the user's history and returns the number removed.
func (s *Store) ClearMessages(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear messages for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("cleared conversation context", "user_id", userID, "messages", n)
	return n, nil
}

// PruneMessages deletes every turn created before cutoff.
func (s *Store) PruneMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
