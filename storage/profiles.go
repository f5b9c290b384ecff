package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gochat/models"
)

// UpsertProfile inserts or replaces the display name and avatar of a user.
func (s *Store) UpsertProfile(ctx context.Context, profile models.Profile) error {
	profile.UserID = strings.TrimSpace(profile.UserID)
	if profile.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, name, avatar, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			updated_at = excluded.updated_at`,
		profile.UserID,
		strings.TrimSpace(profile.Name),
		strings.TrimSpace(profile.Avatar),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile %q: %w", profile.UserID, err)
	}
	return nil
}

// GetProfile fetches a user's profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var profile models.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, avatar FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&profile.UserID, &profile.Name, &profile.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("get profile %q: %w", userID, err)
	}
	return profile, nil
}

// ProfileOrDefault returns the stored profile, or one named after the user id
// when none was saved.
func (s *Store) ProfileOrDefault(ctx context.Context, userID string) (models.Profile, error) {
	profile, err := s.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return models.Profile{UserID: userID, Name: userID}, nil
	}
	if err != nil {
		return models.Profile{}, err
	}
	if profile.Name == "" {
		profile.Name = userID
	}
	return profile, nil
}
