package storage

import (
	"errors"
	"fmt"
	"strings"

	"sumchat/models"
)

// UpsertRoom persists a room membership or invitation across restarts.
func (s *Store) UpsertRoom(room models.Room) error {
	if room.Name == "" {
		return errors.New("room name is required")
	}

	if _, err := s.db.Exec(
		`INSERT INTO rooms (name, invited_by) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET invited_by = excluded.invited_by`,
		strings.ToLower(room.Name),
		room.Invited,
	); err != nil {
		return fmt.Errorf("upsert room %q: %w", room.Name, err)
	}

	return nil
}

// DeleteRoom removes a room from the persisted roomlist.
func (s *Store) DeleteRoom(name string) error {
	if name == "" {
		return errors.New("room name is required")
	}

	if _, err := s.db.Exec(
		`DELETE FROM rooms WHERE name = ?`,
		strings.ToLower(name),
	); err != nil {
		return fmt.Errorf("delete room %q: %w", name, err)
	}

	return nil
}

// ListRooms returns the persisted roomlist ordered by name.
func (s *Store) ListRooms() ([]models.Room, error) {
	rows, err := s.db.Query(`SELECT name, invited_by FROM rooms ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.Name, &room.Invited); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		rooms = append(rooms, room)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}

	return rooms, nil
}
