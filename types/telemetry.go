package types

// App identifies which front-end surface sent a session heartbeat
// (section 3).
type App string

const (
	AppUser  App = "user-app"
	AppAdmin App = "admin-app"
)

// SessionHeartbeat is one telemetry session record (section 3).
type SessionHeartbeat struct {
	SessionID  string `json:"sessionId"`
	App        App    `json:"app"`
	Owner      string `json:"owner,omitempty"`
	Sender     string `json:"sender,omitempty"`
	LastSeenMs int64  `json:"lastSeenMs"`
}

// OwnerRecord tracks first/last sighting of an owner address (section
// 4.2.4).
type OwnerRecord struct {
	Owner      string `json:"owner"`
	FirstSeenMs int64 `json:"firstSeenMs"`
	LastSeenMs  int64 `json:"lastSeenMs"`
}

// SenderRecord tracks first/last sighting of a smart-account sender
// address, optionally linked to an owner (section 4.2.4).
type SenderRecord struct {
	Sender      string `json:"sender"`
	Owner       string `json:"owner,omitempty"`
	FirstSeenMs int64  `json:"firstSeenMs"`
	LastSeenMs  int64  `json:"lastSeenMs"`
}
