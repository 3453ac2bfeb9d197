package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sumchat/models"
)

// ConversationKey normalizes a conversation name (peer username or room
// name) for storage lookups.
func ConversationKey(name string) string {
	return strings.ToLower(name)
}

// SaveMessage appends a message to a conversation's log.
func (s *Store) SaveMessage(conversation string, message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if conversation == "" {
		return errors.New("conversation is required")
	}
	if message.Kind == "" {
		return errors.New("message kind is required")
	}
	if message.Datetime == 0 {
		message.Datetime = nowUnixMilli()
	}

	loaded, err := marshalLoaded(message.Loaded)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation,
			kind,
			sender,
			receiver,
			room,
			text,
			datetime,
			file_id,
			file_size,
			file_path,
			signature,
			canceled,
			saved,
			loaded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		ConversationKey(conversation),
		message.Kind,
		message.Sender,
		message.Receiver,
		message.Room,
		message.Text,
		message.Datetime,
		message.FileID,
		message.Size,
		message.Path,
		message.Signature,
		boolInt(message.Canceled),
		message.Saved,
		loaded,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return nil
}

// GetConversation returns a conversation's messages ordered by time.
func (s *Store) GetConversation(conversation string, limit int) ([]models.Message, error) {
	if conversation == "" {
		return nil, errors.New("conversation is required")
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			kind,
			sender,
			receiver,
			room,
			text,
			datetime,
			file_id,
			file_size,
			file_path,
			signature,
			canceled,
			saved,
			loaded
		FROM messages
		WHERE conversation = ?
		ORDER BY datetime ASC, message_id ASC
		LIMIT ?`,
		ConversationKey(conversation),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", conversation, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// ClearConversation deletes all messages of one conversation.
func (s *Store) ClearConversation(conversation string) error {
	if conversation == "" {
		return errors.New("conversation is required")
	}

	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE conversation = ?`,
		ConversationKey(conversation),
	); err != nil {
		return fmt.Errorf("clear conversation %q: %w", conversation, err)
	}

	return nil
}

// MarkCanceled flips the canceled flag on a file-invite message.
func (s *Store) MarkCanceled(messageID string) error {
	return s.setFlag(messageID, "canceled")
}

// MarkSaved records that a file-invite's payload was downloaded to path.
func (s *Store) MarkSaved(messageID, path string) error {
	if messageID == "" {
		return errors.New("message id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET saved = ? WHERE message_id = ?`,
		path,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("mark saved for message %q: %w", messageID, err)
	}

	return requireRow(res, messageID)
}

func (s *Store) setFlag(messageID, column string) error {
	if messageID == "" {
		return errors.New("message id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET `+column+` = 1 WHERE message_id = ?`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("set %s for message %q: %w", column, messageID, err)
	}

	return requireRow(res, messageID)
}

// GetFileInvite fetches the file-invite carrying a file id together with
// the conversation it lives in.
func (s *Store) GetFileInvite(fileID string) (models.Message, string, error) {
	if fileID == "" {
		return models.Message{}, "", errors.New("file id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			kind,
			sender,
			receiver,
			room,
			text,
			datetime,
			file_id,
			file_size,
			file_path,
			signature,
			canceled,
			saved,
			loaded,
			conversation
		FROM messages
		WHERE file_id = ? AND kind = ?`,
		fileID,
		models.KindFileInvite,
	)

	var (
		message      models.Message
		canceled     int
		rawLoaded    string
		conversation string
	)
	if err := row.Scan(
		&message.ID,
		&message.Kind,
		&message.Sender,
		&message.Receiver,
		&message.Room,
		&message.Text,
		&message.Datetime,
		&message.FileID,
		&message.Size,
		&message.Path,
		&message.Signature,
		&canceled,
		&message.Saved,
		&rawLoaded,
		&conversation,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, "", ErrNotFound
		}
		return models.Message{}, "", fmt.Errorf("get file invite %q: %w", fileID, err)
	}

	loaded, err := unmarshalLoaded(rawLoaded)
	if err != nil {
		return models.Message{}, "", err
	}
	message.Canceled = canceled == 1
	message.Loaded = loaded

	return message, conversation, nil
}

// MarkFileCanceled flips the canceled flag on the file-invite carrying a
// file id, used when the sender withdraws an offer.
func (s *Store) MarkFileCanceled(fileID string) error {
	if fileID == "" {
		return errors.New("file id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET canceled = 1 WHERE file_id = ? AND kind = ?`,
		fileID,
		models.KindFileInvite,
	)
	if err != nil {
		return fmt.Errorf("mark file %q canceled: %w", fileID, err)
	}

	return requireRow(res, fileID)
}

// AppendLoaded records that username downloaded the offered file, once.
// It reports whether the list changed.
func (s *Store) AppendLoaded(fileID, username string) (bool, error) {
	if fileID == "" {
		return false, errors.New("file id is required")
	}
	if username == "" {
		return false, errors.New("username is required")
	}

	var (
		messageID string
		rawLoaded string
	)
	err := s.db.QueryRow(
		`SELECT message_id, loaded FROM messages WHERE file_id = ? AND kind = ?`,
		fileID,
		models.KindFileInvite,
	).Scan(&messageID, &rawLoaded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("find file invite %q: %w", fileID, err)
	}

	loaded, err := unmarshalLoaded(rawLoaded)
	if err != nil {
		return false, err
	}
	for _, name := range loaded {
		if strings.EqualFold(name, username) {
			return false, nil
		}
	}
	loaded = append(loaded, username)

	raw, err := marshalLoaded(loaded)
	if err != nil {
		return false, err
	}
	if _, err := s.db.Exec(
		`UPDATE messages SET loaded = ? WHERE message_id = ?`,
		raw,
		messageID,
	); err != nil {
		return false, fmt.Errorf("update loaded list for %q: %w", fileID, err)
	}

	return true, nil
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message   models.Message
		canceled  int
		rawLoaded string
	)

	if err := row.Scan(
		&message.ID,
		&message.Kind,
		&message.Sender,
		&message.Receiver,
		&message.Room,
		&message.Text,
		&message.Datetime,
		&message.FileID,
		&message.Size,
		&message.Path,
		&message.Signature,
		&canceled,
		&message.Saved,
		&rawLoaded,
	); err != nil {
		return models.Message{}, err
	}

	loaded, err := unmarshalLoaded(rawLoaded)
	if err != nil {
		return models.Message{}, err
	}

	message.Canceled = canceled == 1
	message.Loaded = loaded
	return message, nil
}

func marshalLoaded(loaded []string) (string, error) {
	if loaded == nil {
		loaded = []string{}
	}
	raw, err := json.Marshal(loaded)
	if err != nil {
		return "", fmt.Errorf("marshal loaded list: %w", err)
	}
	return string(raw), nil
}

func unmarshalLoaded(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var loaded []string
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, fmt.Errorf("parse loaded list: %w", err)
	}
	if len(loaded) == 0 {
		return nil, nil
	}
	return loaded, nil
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

type rowsAffectedResult interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffectedResult, messageID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for message %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
