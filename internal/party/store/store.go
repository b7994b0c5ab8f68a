// Package store resolves platform users to the role they hold.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) LookupRole(ctx context.Context, userID uuid.UUID) (engagement.Role, error) {
	var role string

	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", engagement.ErrPartyNotFound
		}

		return "", fmt.Errorf("looking up user role: %w", err)
	}

	switch r := engagement.Role(role); r {
	case engagement.RoleProvider, engagement.RoleClient:
		return r, nil
	}

	return "", fmt.Errorf("user %s has unexpected role %q", userID, role)
}
