package models

// Peer status values derived from the presence heartbeat.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PeerEntry is one row of the shared userlist file. Entries are rebuilt on
// every refresh cycle and never mutated in place.
type PeerEntry struct {
	Username      string `json:"username"`
	Timestamp     int64  `json:"timestamp"`
	InfoTimestamp int64  `json:"info_timestamp,omitempty"`
	IP            string `json:"ip,omitempty"`
	Port          int    `json:"port,omitempty"`
	Key           string `json:"key,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Rooms         []Room `json:"rooms"`
	Status        string `json:"status,omitempty"`
}

// ExtendedUserInfo is the per-user metadata file written only by its owner
// and read by every peer.
type ExtendedUserInfo struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Key       string `json:"key"`
	Avatar    string `json:"avatar,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Room names a chat room. Membership is derived from the room claims peers
// publish in their userlist entries.
type Room struct {
	Name string `json:"name"`
	// Invited holds the inviter's username while the room sits on the
	// local invitation list. Never written to the shared userlist.
	Invited string `json:"invited,omitempty"`
}
