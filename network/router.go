package network

import (
	"errors"
	"fmt"

	"sumchat/models"
)

// ErrUnknownKind indicates an inbound message with an unroutable kind.
var ErrUnknownKind = errors.New("network: unknown message kind")

// Handler receives decoded inbound messages, one method per wire kind.
type Handler interface {
	HandleChat(message models.Message)
	HandleInvite(message models.Message)
	HandleInviteAccept(message models.Message)
	HandleInviteDecline(message models.Message)
	HandleFileInvite(message models.Message)
	HandleFileInviteCancel(message models.Message)
}

// Route dispatches an inbound message by kind. File requests are answered
// by the Server directly and never reach the router; system messages are
// generated locally and never arrive on the wire.
func Route(handler Handler, message models.Message) error {
	switch message.Kind {
	case models.KindText, models.KindCodeBlock:
		handler.HandleChat(message)
	case models.KindInvite:
		handler.HandleInvite(message)
	case models.KindInviteAccept:
		handler.HandleInviteAccept(message)
	case models.KindInviteDecline:
		handler.HandleInviteDecline(message)
	case models.KindFileInvite:
		handler.HandleFileInvite(message)
	case models.KindFileInviteCancel:
		handler.HandleFileInviteCancel(message)
	case models.KindFileRequest, models.KindSystem:
		return fmt.Errorf("%w: %q is not routable", ErrUnknownKind, message.Kind)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, message.Kind)
	}
	return nil
}
