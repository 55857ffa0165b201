package sessionstore

import "time"

// SessionRecord is the single authenticated backend identity. The store
// keeps at most one.
type SessionRecord struct {
	Homeserver  string
	UserID      string
	DeviceID    string
	AccessToken string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dialog is one cached conversation. The cache is refreshed from the
// homeserver and queried locally for name searches and chat resolution.
type Dialog struct {
	RoomID         string
	Name           string
	CanonicalAlias string
	IsDirect       bool
	UnreadCount    int
	LastActivity   time.Time
	UpdatedAt      time.Time
}

// DisplayName returns the best human label for the dialog.
func (d Dialog) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.CanonicalAlias != "" {
		return d.CanonicalAlias
	}
	return d.RoomID
}
