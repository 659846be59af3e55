package storage

import (
	"context"

	"sentinel-ueba/internal/schema"
)

// ProfileStore reads and syncs the role directory.
type ProfileStore struct {
	client *ClickHouseClient
}

// NewProfileStore creates a ProfileStore.
func NewProfileStore(client *ClickHouseClient) *ProfileStore {
	return &ProfileStore{client: client}
}

// Role returns the user's current role. Missing users yield ErrNotFound.
func (s *ProfileStore) Role(ctx context.Context, userID string) (string, error) {
	query := "SELECT role FROM user_profiles FINAL WHERE user_id = ?"
	rows, err := s.client.Query(ctx, query, userID)
	if err != nil {
		return "", WrapQueryError("Role", "user_profiles", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", WrapNotFoundError("Role", "user_profiles", userID)
	}
	var role string
	if err := rows.Scan(&role); err != nil {
		return "", WrapQueryError("Role", "user_profiles", err)
	}
	return role, nil
}

// UpsertProfiles writes the given profiles; ReplacingMergeTree keeps the
// latest row per user.
func (s *ProfileStore) UpsertProfiles(ctx context.Context, profiles []schema.UserProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	batch, err := s.client.PrepareBatch(ctx, "INSERT INTO user_profiles (user_id, role)")
	if err != nil {
		return WrapQueryError("UpsertProfiles", "user_profiles", err)
	}
	for i := range profiles {
		if err := batch.Append(profiles[i].UserID, profiles[i].Role); err != nil {
			return WrapQueryError("UpsertProfiles", "user_profiles", err)
		}
	}
	if err := batch.Send(); err != nil {
		return WrapQueryError("UpsertProfiles", "user_profiles", err)
	}
	return nil
}
