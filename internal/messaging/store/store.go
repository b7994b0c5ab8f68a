// Package store delivers conversation messages and user notifications.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/sideeffect"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) SendToConversation(ctx context.Context, conversationID, senderID uuid.UUID, body string) error {
	query := `
		INSERT INTO conversation_messages (id, conversation_id, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, uuid.New(), conversationID, senderID, body); err != nil {
		return fmt.Errorf("sending conversation message: %w", err)
	}

	return nil
}

func (s *Store) CreateNotification(ctx context.Context, n sideeffect.Notification) error {
	var engagementID uuid.NullUUID
	if n.EngagementID != uuid.Nil {
		engagementID = uuid.NullUUID{UUID: n.EngagementID, Valid: true}
	}

	query := `
		INSERT INTO notifications (id, user_id, engagement_id, kind, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, uuid.New(), n.UserID, engagementID, n.Kind, n.Title, n.Body); err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	return nil
}
