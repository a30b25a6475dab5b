package models

import "time"

// OnlineStatus is the availability state exposed to other users.
type OnlineStatus string

const (
	StatusOnline  OnlineStatus = "online"
	StatusOffline OnlineStatus = "offline"
	StatusAway    OnlineStatus = "away"
	StatusBusy    OnlineStatus = "busy"
)

func (s OnlineStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// UserStatus is a user's presence record. Active connection handles live only
// in the connection registry and are never persisted.
type UserStatus struct {
	UserID       string       `db:"user_id" json:"user_id"`
	Username     string       `db:"username" json:"username"`
	DisplayName  string       `db:"display_name" json:"display_name"`
	Role         Role         `db:"role" json:"role"`
	OnlineStatus OnlineStatus `db:"online_status" json:"online_status"`
	LastSeen     time.Time    `db:"last_seen" json:"last_seen"`
}
