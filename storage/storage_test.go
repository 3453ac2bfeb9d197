package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"sumchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConversationLogOrdering(t *testing.T) {
	store := newTestStore(t)

	messages := []models.Message{
		{ID: "m2", Kind: models.KindText, Sender: "bob", Text: "second", Datetime: 200},
		{ID: "m1", Kind: models.KindText, Sender: "alice", Text: "first", Datetime: 100},
		{ID: "m3", Kind: models.KindSystem, Sender: "alice", Text: "third", Datetime: 300},
	}
	for _, message := range messages {
		if err := store.SaveMessage("Bob", message); err != nil {
			t.Fatalf("save %s: %v", message.ID, err)
		}
	}

	// Conversation lookup is case-insensitive.
	log, err := store.GetConversation("bob", 0)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("log length: got %d want 3", len(log))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if log[i].ID != want {
			t.Fatalf("position %d: got %s want %s", i, log[i].ID, want)
		}
	}

	if err := store.ClearConversation("BOB"); err != nil {
		t.Fatalf("clear conversation: %v", err)
	}
	log, err = store.GetConversation("bob", 0)
	if err != nil {
		t.Fatalf("get cleared conversation: %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("cleared log still has %d messages", len(log))
	}
}

func TestFileInviteFlags(t *testing.T) {
	store := newTestStore(t)

	invite := models.Message{
		ID:     "m1",
		Kind:   models.KindFileInvite,
		Sender: "alice",
		FileID: "f1",
		Size:   1024,
		Path:   "notes.txt",
	}
	if err := store.SaveMessage("bob", invite); err != nil {
		t.Fatalf("save invite: %v", err)
	}

	got, conversation, err := store.GetFileInvite("f1")
	if err != nil {
		t.Fatalf("get file invite: %v", err)
	}
	if got.ID != "m1" || conversation != "bob" {
		t.Fatalf("file invite lookup: got %s in %q", got.ID, conversation)
	}

	if err := store.MarkSaved("m1", "/downloads/notes.txt"); err != nil {
		t.Fatalf("mark saved: %v", err)
	}
	if err := store.MarkFileCanceled("f1"); err != nil {
		t.Fatalf("mark canceled: %v", err)
	}

	got, _, err = store.GetFileInvite("f1")
	if err != nil {
		t.Fatalf("get file invite after flags: %v", err)
	}
	if !got.Canceled || got.Saved != "/downloads/notes.txt" {
		t.Fatalf("flags not persisted: %+v", got)
	}

	if err := store.MarkFileCanceled("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendLoadedDeduplicates(t *testing.T) {
	store := newTestStore(t)

	invite := models.Message{ID: "m1", Kind: models.KindFileInvite, Sender: "alice", FileID: "f1"}
	if err := store.SaveMessage("everyone", invite); err != nil {
		t.Fatalf("save invite: %v", err)
	}

	changed, err := store.AppendLoaded("f1", "bob")
	if err != nil || !changed {
		t.Fatalf("first append: changed=%v err=%v", changed, err)
	}
	changed, err = store.AppendLoaded("f1", "Bob")
	if err != nil || changed {
		t.Fatalf("duplicate append: changed=%v err=%v", changed, err)
	}
	changed, err = store.AppendLoaded("f1", "carol")
	if err != nil || !changed {
		t.Fatalf("second user append: changed=%v err=%v", changed, err)
	}

	got, _, err := store.GetFileInvite("f1")
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if len(got.Loaded) != 2 || got.Loaded[0] != "bob" || got.Loaded[1] != "carol" {
		t.Fatalf("loaded list: %v", got.Loaded)
	}

	if _, err := store.AppendLoaded("missing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRoomPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rooms.db")

	store, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := store.UpsertRoom(models.Room{Name: "Dev"}); err != nil {
		t.Fatalf("upsert membership: %v", err)
	}
	if err := store.UpsertRoom(models.Room{Name: "ops", Invited: "alice"}); err != nil {
		t.Fatalf("upsert invitation: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Roomlist survives a restart.
	store, err = OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()

	rooms, err := store.ListRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("room count: got %d want 2", len(rooms))
	}
	if rooms[0].Name != "dev" || rooms[0].Invited != "" {
		t.Fatalf("membership row: %+v", rooms[0])
	}
	if rooms[1].Name != "ops" || rooms[1].Invited != "alice" {
		t.Fatalf("invitation row: %+v", rooms[1])
	}

	if err := store.DeleteRoom("DEV"); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	rooms, err = store.ListRooms()
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("room count after delete: got %d want 1", len(rooms))
	}
}
