package models

// Message kinds exchanged between peers. KindSystem entries exist only in
// the local conversation log and never travel over the wire.
const (
	KindText             = "text"
	KindCodeBlock        = "codeblock"
	KindSystem           = "system"
	KindInvite           = "invite"
	KindInviteAccept     = "invite-accept"
	KindInviteDecline    = "invite-decline"
	KindFileInvite       = "file-invite"
	KindFileInviteCancel = "file-invite-cancel"
	KindFileRequest      = "file-request"
)

// KnownKind reports whether kind is one of the enumerated message kinds.
func KnownKind(kind string) bool {
	switch kind {
	case KindText, KindCodeBlock, KindSystem, KindInvite, KindInviteAccept,
		KindInviteDecline, KindFileInvite, KindFileInviteCancel, KindFileRequest:
		return true
	}
	return false
}

// Message is the decrypted chat payload. Receiver is a username or a room
// name. Kind-specific fields stay empty for the kinds that do not use them.
type Message struct {
	ID       string `json:"id"`
	Kind     string `json:"type"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text,omitempty"`
	Room     string `json:"room,omitempty"`
	Datetime int64  `json:"datetime,omitempty"`

	// File transfer fields. Path carries only the basename on the wire;
	// FileID references the originating file-invite message.
	FileID string `json:"file,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Path   string `json:"path,omitempty"`

	Signature string `json:"signature,omitempty"`

	// Local-only transfer bookkeeping, never sent to peers.
	Canceled bool     `json:"canceled,omitempty"`
	Loaded   []string `json:"loaded,omitempty"`
	Saved    string   `json:"saved,omitempty"`
	Progress int      `json:"progress,omitempty"`
}
