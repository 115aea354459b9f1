package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/portal/internal/portal/model"
)

type PushStore struct {
	db DBTX
}

func NewPushStore(db DBTX) *PushStore {
	return &PushStore{db: db}
}

const pushCols = `id, user_id, endpoint, p256dh_key, auth_key, device_name, created_at`

// CreateSubscription registers a browser endpoint. Re-subscribing an endpoint
// moves it to userID and refreshes its keys.
func (s *PushStore) CreateSubscription(userID int64, endpoint, p256dh, auth, deviceName string) (*model.PushSubscription, error) {
	_, err := s.db.Exec(
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, device_name)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, p256dh_key = excluded.p256dh_key,
		   auth_key = excluded.auth_key, device_name = excluded.device_name`,
		userID, endpoint, p256dh, auth, deviceName,
	)
	if err != nil {
		return nil, fmt.Errorf("create push subscription: %w", err)
	}
	// LastInsertId is unreliable on the update path; re-query by endpoint.
	return s.getByEndpoint(endpoint)
}

func (s *PushStore) getByEndpoint(endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.QueryRow(`SELECT `+pushCols+` FROM push_subscriptions WHERE endpoint = ?`, endpoint).
		Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.DeviceName, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription by endpoint: %w", err)
	}
	return &sub, nil
}

func (s *PushStore) ListByUser(userID int64) ([]model.PushSubscription, error) {
	rows, err := s.db.Query(`SELECT `+pushCols+` FROM push_subscriptions WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanPushSubscriptions(rows)
}

// ListByRole returns every subscription belonging to users with role.
func (s *PushStore) ListByRole(role model.Role) ([]model.PushSubscription, error) {
	rows, err := s.db.Query(
		`SELECT ps.id, ps.user_id, ps.endpoint, ps.p256dh_key, ps.auth_key, ps.device_name, ps.created_at
		 FROM push_subscriptions ps JOIN users u ON u.id = ps.user_id
		 WHERE u.role = ? ORDER BY ps.id`, role,
	)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions by role: %w", err)
	}
	defer rows.Close()
	return scanPushSubscriptions(rows)
}

// DeleteSubscription removes one of userID's subscriptions and reports
// whether it existed.
func (s *PushStore) DeleteSubscription(id, userID int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete push subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PushStore) DeleteByEndpoint(endpoint string) error {
	if _, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("delete push subscription by endpoint: %w", err)
	}
	return nil
}

// Preferences returns one entry per notification kind the role can receive.
// Kinds without a stored row are enabled.
func (s *PushStore) Preferences(userID int64, role model.Role) ([]model.NotificationPreference, error) {
	rows, err := s.db.Query(`SELECT notification_type, enabled FROM notification_preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("get notification preferences: %w", err)
	}
	stored := make(map[string]bool)
	for rows.Next() {
		var kind string
		var enabled int
		if err := rows.Scan(&kind, &enabled); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan notification preference: %w", err)
		}
		stored[kind] = enabled != 0
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	kinds := model.NotificationTypes(role)
	prefs := make([]model.NotificationPreference, 0, len(kinds))
	for _, kind := range kinds {
		enabled, ok := stored[kind]
		prefs = append(prefs, model.NotificationPreference{NotificationType: kind, Enabled: !ok || enabled})
	}
	return prefs, nil
}

func (s *PushStore) SetPreference(userID int64, kind string, enabled bool) error {
	_, err := s.db.Exec(
		`INSERT INTO notification_preferences (user_id, notification_type, enabled)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id, notification_type) DO UPDATE SET enabled = excluded.enabled, updated_at = CURRENT_TIMESTAMP`,
		userID, kind, boolInt(enabled),
	)
	if err != nil {
		return fmt.Errorf("set notification preference: %w", err)
	}
	return nil
}

// IsPreferenceEnabled defaults to true when no preference is stored.
func (s *PushStore) IsPreferenceEnabled(userID int64, kind string) (bool, error) {
	var enabled int
	err := s.db.QueryRow(
		`SELECT enabled FROM notification_preferences WHERE user_id = ? AND notification_type = ?`,
		userID, kind,
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check notification preference: %w", err)
	}
	return enabled != 0, nil
}

func scanPushSubscriptions(rows *sql.Rows) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	for rows.Next() {
		var sub model.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.DeviceName, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
