package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

// PresenceRepository persists user presence records. Connection handles never
// reach this layer.
type PresenceRepository interface {
	UpsertStatus(ctx context.Context, status models.UserStatus) error
	GetStatus(ctx context.Context, userID string) (models.UserStatus, error)
	ListOnline(ctx context.Context) ([]models.UserStatus, error)
}

// PresenceRepo is a sqlx implementation of PresenceRepository.
type PresenceRepo struct {
	db *sqlx.DB
}

// NewPresenceRepo constructs a PresenceRepo.
func NewPresenceRepo(db *sqlx.DB) *PresenceRepo {
	return &PresenceRepo{db: db}
}

// UpsertStatus writes the presence row, creating it lazily on first contact.
func (r *PresenceRepo) UpsertStatus(ctx context.Context, status models.UserStatus) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_status (user_id, username, display_name, role, online_status, last_seen)
         VALUES ($1, $2, $3, $4, $5, $6)
         ON CONFLICT (user_id) DO UPDATE
         SET username = EXCLUDED.username, display_name = EXCLUDED.display_name,
             role = EXCLUDED.role, online_status = EXCLUDED.online_status, last_seen = EXCLUDED.last_seen`,
		status.UserID, status.Username, status.DisplayName, status.Role, status.OnlineStatus, status.LastSeen)
	return err
}

// GetStatus fetches one user's presence row.
func (r *PresenceRepo) GetStatus(ctx context.Context, userID string) (models.UserStatus, error) {
	var status models.UserStatus
	err := r.db.GetContext(ctx, &status,
		`SELECT user_id, username, display_name, role, online_status, last_seen FROM user_status WHERE user_id=$1`,
		userID)
	return status, err
}

// ListOnline returns every user not currently offline.
func (r *PresenceRepo) ListOnline(ctx context.Context) ([]models.UserStatus, error) {
	var statuses []models.UserStatus
	err := r.db.SelectContext(ctx, &statuses,
		`SELECT user_id, username, display_name, role, online_status, last_seen
         FROM user_status WHERE online_status <> 'offline' ORDER BY last_seen DESC`)
	return statuses, err
}
