package messenger

import (
	"sumchat/models"
)

// EventType identifies messenger events.
type EventType string

const (
	// EventPeerlistUpdated carries the enriched userlist after a refresh.
	EventPeerlistUpdated EventType = "peerlist_updated"
	// EventRoomlistUpdated carries the roomlist after membership changes.
	EventRoomlistUpdated EventType = "roomlist_updated"
	// EventConversationUpdated names a conversation whose log changed.
	EventConversationUpdated EventType = "conversation_updated"
	// EventMessageReceived carries a newly arrived chat or file-invite.
	EventMessageReceived EventType = "message_received"
	// EventUserOnline and friends are presence notices for single peers.
	EventUserOnline  EventType = "user_online"
	EventUserOffline EventType = "user_offline"
	EventUserRemoved EventType = "user_removed"
	// EventTransferProgress reports download progress in 5% steps.
	EventTransferProgress EventType = "transfer_progress"
	// EventTransferFinished reports a completed, canceled or failed download.
	EventTransferFinished EventType = "transfer_finished"
	// EventError carries asynchronous errors from any subsystem.
	EventError EventType = "error"
)

// Event is the single update stream consumers subscribe to. Only the
// fields relevant to the event type are set.
type Event struct {
	Type EventType

	Peers        []models.PeerEntry
	Peer         models.PeerEntry
	Rooms        []models.Room
	Conversation string
	Message      models.Message
	Transfer     models.TransferState
	Progress     models.FileProgress
	Err          error
}

func (m *Messenger) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}

func (m *Messenger) emitError(err error) {
	if err == nil {
		return
	}
	m.emit(Event{Type: EventError, Err: err})
}

func (m *Messenger) emitConversation(conversation string) {
	m.emit(Event{Type: EventConversationUpdated, Conversation: conversation})
}

func (m *Messenger) emitRoomlist() {
	m.emit(Event{Type: EventRoomlistUpdated, Rooms: m.rooms.List()})
}
