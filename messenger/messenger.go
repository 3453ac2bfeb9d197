package messenger

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	appcrypto "sumchat/crypto"
	"sumchat/models"
	"sumchat/network"
	"sumchat/presence"
	"sumchat/storage"
)

var (
	// ErrUnknownPeer indicates the receiver is not in the userlist.
	ErrUnknownPeer = errors.New("messenger: unknown peer")
	// ErrPeerOffline indicates the receiver's heartbeat is stale.
	ErrPeerOffline = errors.New("messenger: peer is offline")
	// ErrNotRoomMember indicates a send into a room the user never joined.
	ErrNotRoomMember = errors.New("messenger: not a room member")
	// ErrInvalidTarget indicates an invitation to an unknown, offline or
	// already-member user.
	ErrInvalidTarget = errors.New("messenger: invalid invitation target")
)

// Options configures a Messenger.
type Options struct {
	Username   string
	RoomAll    string
	PrivateKey *rsa.PrivateKey

	Store     *storage.Store
	Client    *network.Client
	Transfers *network.TransferEngine
	Presence  *presence.Refresher

	// Notifications controls whether presence changes produce system
	// messages in the affected conversations.
	Notifications bool
}

// Messenger ties presence, transport, transfers and storage together. It
// owns the room tracker and the conversation log and feeds a single typed
// event stream.
type Messenger struct {
	opts  Options
	rooms *RoomTracker

	mu            sync.RWMutex
	peers         []models.PeerEntry
	notifications bool

	events chan Event

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Messenger.
func New(options Options) (*Messenger, error) {
	if options.Username == "" {
		return nil, errors.New("messenger: username is required")
	}
	if options.PrivateKey == nil {
		return nil, errors.New("messenger: private key is required")
	}
	if options.Store == nil {
		return nil, errors.New("messenger: store is required")
	}
	if options.Client == nil {
		return nil, errors.New("messenger: client is required")
	}

	rooms, err := NewRoomTracker(options.RoomAll, options.Store)
	if err != nil {
		return nil, fmt.Errorf("load roomlist: %w", err)
	}

	return &Messenger{
		opts:          options,
		rooms:         rooms,
		notifications: options.Notifications,
		events:        make(chan Event, 256),
	}, nil
}

// AttachPresence wires the presence refresher in after construction,
// breaking the cycle with the refresher needing the roomlist. Must be
// called before Start.
func (m *Messenger) AttachPresence(refresher *presence.Refresher) {
	m.opts.Presence = refresher
}

// Start begins consuming presence and transfer updates.
func (m *Messenger) Start() {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(context.Background())

		if m.opts.Presence != nil {
			m.wg.Add(1)
			go m.consumePresence()
		}
		if m.opts.Transfers != nil {
			m.wg.Add(1)
			go m.consumeTransfers()
		}
	})
}

// Close stops the messenger and closes its event stream.
func (m *Messenger) Close() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.events)
	})
}

// Events returns the messenger's event stream.
func (m *Messenger) Events() <-chan Event {
	return m.events
}

// Rooms exposes the room tracker, e.g. for wiring its memberships into
// the presence refresher.
func (m *Messenger) Rooms() *RoomTracker {
	return m.rooms
}

// SetAvatar publishes a new avatar through the presence directory.
func (m *Messenger) SetAvatar(avatar string) error {
	if m.opts.Presence == nil {
		return errors.New("messenger: presence is not attached")
	}
	return m.opts.Presence.SetAvatar(avatar)
}

// SetNotifications toggles presence system messages at runtime.
func (m *Messenger) SetNotifications(enabled bool) {
	m.mu.Lock()
	m.notifications = enabled
	m.mu.Unlock()
}

// Peers returns the last known enriched userlist.
func (m *Messenger) Peers() []models.PeerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.PeerEntry, len(m.peers))
	copy(out, m.peers)
	return out
}

// SendText sends a plain chat message to a user or room.
func (m *Messenger) SendText(ctx context.Context, receiver, text string) (models.Message, error) {
	return m.sendChat(ctx, models.KindText, receiver, text)
}

// SendCodeBlock sends a code snippet to a user or room.
func (m *Messenger) SendCodeBlock(ctx context.Context, receiver, text string) (models.Message, error) {
	return m.sendChat(ctx, models.KindCodeBlock, receiver, text)
}

func (m *Messenger) sendChat(ctx context.Context, kind, receiver, text string) (models.Message, error) {
	message := models.Message{
		ID:       uuid.NewString(),
		Kind:     kind,
		Sender:   m.opts.Username,
		Receiver: receiver,
		Text:     text,
		Datetime: time.Now().UnixMilli(),
	}

	recipients, isRoom, err := m.resolveReceiver(receiver)
	if err != nil {
		return models.Message{}, err
	}
	if isRoom {
		message.Room = receiver
	}

	signature, err := appcrypto.Sign(m.opts.PrivateKey, chatSignaturePayload(message))
	if err != nil {
		return models.Message{}, fmt.Errorf("sign message: %w", err)
	}
	message.Signature = signature

	if err := m.appendMessage(receiver, message); err != nil {
		return models.Message{}, err
	}

	return message, m.deliver(ctx, recipients, message)
}

// SendFileInvite offers a local file to a user or room. The file itself
// stays put; peers fetch it on demand while the offer stands.
func (m *Messenger) SendFileInvite(ctx context.Context, receiver, path string) (models.Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.Message{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return models.Message{}, errors.New("messenger: offered path must be a file")
	}

	recipients, isRoom, err := m.resolveReceiver(receiver)
	if err != nil {
		return models.Message{}, err
	}

	message := models.Message{
		ID:       uuid.NewString(),
		Kind:     models.KindFileInvite,
		Sender:   m.opts.Username,
		Receiver: receiver,
		Datetime: time.Now().UnixMilli(),
		FileID:   uuid.NewString(),
		Size:     info.Size(),
		Path:     path,
	}
	if isRoom {
		message.Room = receiver
	}

	if m.opts.Transfers != nil {
		if err := m.opts.Transfers.OfferFile(message); err != nil {
			return models.Message{}, err
		}
	}

	if err := m.appendMessage(receiver, message); err != nil {
		return models.Message{}, err
	}

	// Peers only learn the basename, never the local directory layout.
	wire := message
	wire.Path = filepath.Base(path)
	return message, m.deliver(ctx, recipients, wire)
}

// CancelFileInvite withdraws a file offer: future requests are refused
// and the receivers are told.
func (m *Messenger) CancelFileInvite(ctx context.Context, fileID string) error {
	invite, conversation, err := m.opts.Store.GetFileInvite(fileID)
	if err != nil {
		return err
	}

	if m.opts.Transfers != nil {
		m.opts.Transfers.Cancel(fileID)
	}
	if err := m.opts.Store.MarkFileCanceled(fileID); err != nil {
		return err
	}
	m.emitConversation(conversation)

	recipients, _, err := m.resolveReceiver(invite.Receiver)
	if err != nil {
		return err
	}

	cancel := models.Message{
		ID:       uuid.NewString(),
		Kind:     models.KindFileInviteCancel,
		Sender:   m.opts.Username,
		Receiver: invite.Receiver,
		Room:     invite.Room,
		Datetime: time.Now().UnixMilli(),
		FileID:   fileID,
	}
	return m.deliver(ctx, recipients, cancel)
}

// Download fetches the file behind a received file-invite from its sender.
func (m *Messenger) Download(ctx context.Context, invite models.Message) error {
	if m.opts.Transfers == nil {
		return errors.New("messenger: file transfers are disabled")
	}

	peer, err := m.findOnlinePeer(invite.Sender)
	if err != nil {
		return err
	}

	return m.opts.Transfers.Download(ctx, peer, invite)
}

// CancelDownload requests cooperative cancellation of a running download.
func (m *Messenger) CancelDownload(fileID string) {
	if m.opts.Transfers != nil {
		m.opts.Transfers.Cancel(fileID)
	}
}

// AddRoom creates or joins a room locally.
func (m *Messenger) AddRoom(name string) error {
	if err := m.rooms.Add(name); err != nil {
		return err
	}
	m.emitRoomlist()
	return nil
}

// InviteUsers invites online users into a room the local user is in.
func (m *Messenger) InviteUsers(ctx context.Context, room string, usernames []string) error {
	if m.rooms.isAllRoom(room) {
		return ErrInvalidRoom
	}
	if !m.rooms.IsMember(room) {
		return ErrNotRoomMember
	}

	var errs []error
	for _, username := range usernames {
		peer, err := m.findOnlinePeer(username)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidTarget, username))
			continue
		}
		if peerInRoom(peer, room) {
			errs = append(errs, fmt.Errorf("%w: %s is already a member", ErrInvalidTarget, username))
			continue
		}

		invite := models.Message{
			ID:       uuid.NewString(),
			Kind:     models.KindInvite,
			Sender:   m.opts.Username,
			Receiver: peer.Username,
			Room:     room,
			Datetime: time.Now().UnixMilli(),
		}
		if err := m.deliver(ctx, []models.PeerEntry{peer}, invite); err != nil {
			errs = append(errs, err)
			continue
		}

		m.systemMessage(room, fmt.Sprintf("%s was invited to %s", peer.Username, room))
	}

	return errors.Join(errs...)
}

// AcceptInvitation joins an invited room and notifies the inviter. When
// the user already joined the room the stale invitation is still cleared.
func (m *Messenger) AcceptInvitation(ctx context.Context, room string) error {
	invite, err := m.rooms.Accept(room)
	if err != nil {
		if errors.Is(err, ErrAlreadyMember) {
			m.emitRoomlist()
		}
		return err
	}
	m.emitRoomlist()
	m.systemMessage(room, fmt.Sprintf("you joined %s", room))

	m.notifyInviter(ctx, invite.Invited, models.KindInviteAccept, room)
	return nil
}

// DeclineInvitation clears an invitation and notifies the inviter.
func (m *Messenger) DeclineInvitation(ctx context.Context, room string) error {
	inviter, err := m.rooms.Decline(room)
	if err != nil {
		return err
	}
	m.emitRoomlist()

	m.notifyInviter(ctx, inviter, models.KindInviteDecline, room)
	return nil
}

// LeaveRoom drops a room membership locally.
func (m *Messenger) LeaveRoom(room string) error {
	if err := m.rooms.Leave(room); err != nil {
		return err
	}
	m.emitRoomlist()
	m.systemMessage(room, fmt.Sprintf("you left %s", room))
	return nil
}

// History returns a conversation's message log.
func (m *Messenger) History(conversation string) ([]models.Message, error) {
	return m.opts.Store.GetConversation(conversation, 0)
}

// ClearConversation deletes a conversation's message log.
func (m *Messenger) ClearConversation(conversation string) error {
	if err := m.opts.Store.ClearConversation(conversation); err != nil {
		return err
	}
	m.emitConversation(conversation)
	return nil
}

// notifyInviter delivers an invitation response. The inviter being gone
// or offline does not undo the local decision.
func (m *Messenger) notifyInviter(ctx context.Context, inviter, kind, room string) {
	if inviter == "" {
		return
	}

	peer, err := m.findOnlinePeer(inviter)
	if err != nil {
		return
	}

	response := models.Message{
		ID:       uuid.NewString(),
		Kind:     kind,
		Sender:   m.opts.Username,
		Receiver: inviter,
		Room:     room,
		Datetime: time.Now().UnixMilli(),
	}
	if err := m.deliver(ctx, []models.PeerEntry{peer}, response); err != nil {
		m.emitError(err)
	}
}

// resolveReceiver maps a receiver name to delivery targets. Rooms fan out
// to their online members; offline room members are skipped silently. A
// direct receiver must exist and be online.
func (m *Messenger) resolveReceiver(receiver string) ([]models.PeerEntry, bool, error) {
	if m.rooms.isAllRoom(receiver) {
		return m.roomRecipients(""), true, nil
	}
	if m.rooms.IsInvited(receiver) || m.rooms.IsMember(receiver) {
		if !m.rooms.IsMember(receiver) {
			return nil, true, ErrNotRoomMember
		}
		return m.roomRecipients(receiver), true, nil
	}

	peer, err := m.findOnlinePeer(receiver)
	if err != nil {
		return nil, false, err
	}
	return []models.PeerEntry{peer}, false, nil
}

// roomRecipients returns online peers in a room, excluding the local
// user. An empty room name means the everyone-room.
func (m *Messenger) roomRecipients(room string) []models.PeerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recipients := make([]models.PeerEntry, 0, len(m.peers))
	for _, peer := range m.peers {
		if presence.EqualUsernames(peer.Username, m.opts.Username) {
			continue
		}
		if peer.Status != models.StatusOnline {
			continue
		}
		if room != "" && !peerInRoom(peer, room) {
			continue
		}
		recipients = append(recipients, peer)
	}
	return recipients
}

func (m *Messenger) findOnlinePeer(username string) (models.PeerEntry, error) {
	m.mu.RLock()
	peer, found := presence.FindPeer(m.peers, username)
	m.mu.RUnlock()

	if !found {
		return models.PeerEntry{}, fmt.Errorf("%w: %s", ErrUnknownPeer, username)
	}
	if peer.Status != models.StatusOnline {
		return models.PeerEntry{}, fmt.Errorf("%w: %s", ErrPeerOffline, username)
	}
	return peer, nil
}

// deliver sends one sealed message to each recipient. Failures do not
// stop the fan-out; they come back joined.
func (m *Messenger) deliver(ctx context.Context, recipients []models.PeerEntry, message models.Message) error {
	var errs []error
	for _, peer := range recipients {
		if err := m.opts.Client.Send(ctx, peer, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Messenger) appendMessage(conversation string, message models.Message) error {
	if err := m.opts.Store.SaveMessage(conversation, message); err != nil {
		return err
	}
	m.emitConversation(conversation)
	return nil
}

// systemMessage appends a locally generated notice to a conversation.
func (m *Messenger) systemMessage(conversation, text string) {
	message := models.Message{
		ID:       uuid.NewString(),
		Kind:     models.KindSystem,
		Sender:   m.opts.Username,
		Receiver: conversation,
		Text:     text,
		Datetime: time.Now().UnixMilli(),
	}
	if err := m.opts.Store.SaveMessage(conversation, message); err != nil {
		m.emitError(err)
		return
	}
	m.emitConversation(conversation)
}

func (m *Messenger) setPeers(peers []models.PeerEntry) {
	m.mu.Lock()
	m.peers = peers
	m.mu.Unlock()
}

func (m *Messenger) notificationsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notifications
}

func peerInRoom(peer models.PeerEntry, room string) bool {
	for _, candidate := range peer.Rooms {
		if roomKey(candidate.Name) == roomKey(room) {
			return true
		}
	}
	return false
}

func chatSignaturePayload(message models.Message) []byte {
	return []byte(message.ID + "\x00" + message.Sender + "\x00" + message.Text)
}
