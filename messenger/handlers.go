package messenger

import (
	"errors"
	"fmt"

	appcrypto "sumchat/crypto"
	"sumchat/models"
	"sumchat/network"
	"sumchat/presence"
	"sumchat/storage"
)

// conversationFor picks the log a received message belongs to: the room
// for room traffic, the sender for direct traffic.
func (m *Messenger) conversationFor(message models.Message) string {
	if message.Room != "" {
		return message.Room
	}
	return message.Sender
}

// HandleChat records an inbound text or code-block message. A message
// whose signature fails against the sender's published key is dropped;
// an unknown sender or a missing signature is accepted as is.
func (m *Messenger) HandleChat(message models.Message) {
	if !m.acceptSignature(message) {
		m.emitError(fmt.Errorf("messenger: bad signature on message from %s", message.Sender))
		return
	}

	conversation := m.conversationFor(message)
	if err := m.appendMessage(conversation, message); err != nil {
		m.emitError(err)
		return
	}

	m.emit(Event{Type: EventMessageReceived, Conversation: conversation, Message: message})
}

// HandleInvite records a room invitation from a peer.
func (m *Messenger) HandleInvite(message models.Message) {
	changed, err := m.rooms.RecordInvite(message.Room, message.Sender)
	if err != nil {
		m.emitError(err)
		return
	}
	if !changed {
		return
	}

	m.emitRoomlist()
	m.systemMessage(message.Room, fmt.Sprintf("%s invited you to %s", message.Sender, message.Room))
	m.emit(Event{Type: EventMessageReceived, Conversation: message.Room, Message: message})
}

// HandleInviteAccept notes that an invited peer joined the room.
func (m *Messenger) HandleInviteAccept(message models.Message) {
	m.systemMessage(message.Room, fmt.Sprintf("%s joined %s", message.Sender, message.Room))
}

// HandleInviteDecline notes that an invited peer declined.
func (m *Messenger) HandleInviteDecline(message models.Message) {
	m.systemMessage(message.Room, fmt.Sprintf("%s declined the invitation to %s", message.Sender, message.Room))
}

// HandleFileInvite records an inbound file offer. The file is fetched
// later, only when the local user asks for it.
func (m *Messenger) HandleFileInvite(message models.Message) {
	conversation := m.conversationFor(message)
	if err := m.appendMessage(conversation, message); err != nil {
		m.emitError(err)
		return
	}

	m.emit(Event{Type: EventMessageReceived, Conversation: conversation, Message: message})
}

// HandleFileInviteCancel marks a received file offer as withdrawn and
// stops any download of it that is still running.
func (m *Messenger) HandleFileInviteCancel(message models.Message) {
	if m.opts.Transfers != nil {
		m.opts.Transfers.Cancel(message.FileID)
	}

	if err := m.opts.Store.MarkFileCanceled(message.FileID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.emitError(err)
		}
		return
	}

	if _, conversation, err := m.opts.Store.GetFileInvite(message.FileID); err == nil {
		m.emitConversation(conversation)
	}
}

func (m *Messenger) acceptSignature(message models.Message) bool {
	if message.Signature == "" {
		return true
	}

	m.mu.RLock()
	peer, found := presence.FindPeer(m.peers, message.Sender)
	m.mu.RUnlock()
	if !found || peer.Key == "" {
		return true
	}

	publicKey, err := appcrypto.ParsePublicKeyPEM(peer.Key)
	if err != nil {
		return true
	}

	return appcrypto.Verify(publicKey, chatSignaturePayload(message), message.Signature)
}

func (m *Messenger) consumePresence() {
	defer m.wg.Done()

	events := m.opts.Presence.Events()
	errs := m.opts.Presence.Errors()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handlePresenceEvent(event)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.emitError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Messenger) handlePresenceEvent(event presence.Event) {
	switch event.Type {
	case presence.EventListUpdated:
		m.setPeers(event.Peers)
		m.emit(Event{Type: EventPeerlistUpdated, Peers: event.Peers})
	case presence.EventUserOnline:
		m.presenceNotice(EventUserOnline, event.Peer, "%s is online")
	case presence.EventUserOffline:
		m.presenceNotice(EventUserOffline, event.Peer, "%s went offline")
	case presence.EventUserRemoved:
		m.presenceNotice(EventUserRemoved, event.Peer, "%s left")
	}
}

func (m *Messenger) presenceNotice(eventType EventType, peer models.PeerEntry, format string) {
	m.emit(Event{Type: eventType, Peer: peer})
	if m.notificationsEnabled() {
		m.systemMessage(peer.Username, fmt.Sprintf(format, peer.Username))
	}
}

func (m *Messenger) consumeTransfers() {
	defer m.wg.Done()

	updates := m.opts.Transfers.Updates()
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			m.handleTransferUpdate(update)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Messenger) handleTransferUpdate(update network.TransferUpdate) {
	switch update.State {
	case models.TransferOffered:
		// A peer fetched one of our offers; remember who, exactly once.
		changed, err := m.opts.Store.AppendLoaded(update.FileID, update.Sender)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				m.emitError(err)
			}
			return
		}
		if changed {
			if _, conversation, err := m.opts.Store.GetFileInvite(update.FileID); err == nil {
				m.emitConversation(conversation)
			}
		}
	case models.TransferStreaming:
		if update.Progress.Percent > 0 {
			m.emit(Event{Type: EventTransferProgress, Progress: update.Progress})
		}
	case models.TransferCompleted:
		if err := m.opts.Store.MarkSaved(update.MessageID, update.Path); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.emitError(err)
		}
		m.finishTransfer(update)
	case models.TransferCanceled:
		if err := m.opts.Store.MarkCanceled(update.MessageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.emitError(err)
		}
		m.finishTransfer(update)
	case models.TransferFailed:
		m.emitError(update.Err)
		m.finishTransfer(update)
	}
}

func (m *Messenger) finishTransfer(update network.TransferUpdate) {
	m.emit(Event{
		Type:     EventTransferFinished,
		Transfer: update.State,
		Progress: models.FileProgress{
			FileID: update.FileID,
			Sender: update.Sender,
		},
	})

	if _, conversation, err := m.opts.Store.GetFileInvite(update.FileID); err == nil {
		m.emitConversation(conversation)
	}
}
