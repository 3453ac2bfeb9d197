package messenger

import (
	"errors"
	"path/filepath"
	"testing"

	"sumchat/storage"
)

func TestRoomTrackerMembership(t *testing.T) {
	tracker, err := NewRoomTracker("everyone", nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	if err := tracker.Add("dev"); err != nil {
		t.Fatalf("add room: %v", err)
	}
	if err := tracker.Add("dev"); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("re-add: expected ErrAlreadyMember, got %v", err)
	}
	if err := tracker.Add("Everyone"); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("add everyone-room: expected ErrInvalidRoom, got %v", err)
	}
	if err := tracker.Add("  "); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("add blank room: expected ErrInvalidRoom, got %v", err)
	}

	if !tracker.IsMember("DEV") {
		t.Fatal("membership lookup is not case-insensitive")
	}
	if !tracker.IsMember("everyone") {
		t.Fatal("everyone-room membership should be implicit")
	}

	if err := tracker.Leave("everyone"); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("leave everyone-room: expected ErrInvalidRoom, got %v", err)
	}
	if err := tracker.Leave("ghost"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("leave unknown room: expected ErrUnknownRoom, got %v", err)
	}
	if err := tracker.Leave("dev"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if tracker.IsMember("dev") {
		t.Fatal("still a member after leaving")
	}
}

func TestRoomTrackerInvitations(t *testing.T) {
	tracker, err := NewRoomTracker("everyone", nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	changed, err := tracker.RecordInvite("ops", "alice")
	if err != nil || !changed {
		t.Fatalf("record invite: changed=%v err=%v", changed, err)
	}
	changed, err = tracker.RecordInvite("ops", "bob")
	if err != nil || changed {
		t.Fatalf("duplicate invite: changed=%v err=%v", changed, err)
	}
	if !tracker.IsInvited("OPS") {
		t.Fatal("invitation lookup is not case-insensitive")
	}

	accepted, err := tracker.Accept("ops")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Invited != "alice" {
		t.Fatalf("inviter: got %q want alice", accepted.Invited)
	}
	if !tracker.IsMember("ops") || tracker.IsInvited("ops") {
		t.Fatal("accept did not convert invitation to membership")
	}

	if _, err := tracker.Accept("ops"); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("re-accept: expected ErrAlreadyMember, got %v", err)
	}
	if _, err := tracker.Accept("ghost"); !errors.Is(err, ErrNotInvited) {
		t.Fatalf("accept unknown: expected ErrNotInvited, got %v", err)
	}

	if _, err := tracker.RecordInvite("sales", "carol"); err != nil {
		t.Fatalf("record invite: %v", err)
	}
	inviter, err := tracker.Decline("sales")
	if err != nil || inviter != "carol" {
		t.Fatalf("decline: inviter=%q err=%v", inviter, err)
	}
	if _, err := tracker.Decline("sales"); !errors.Is(err, ErrNotInvited) {
		t.Fatalf("re-decline: expected ErrNotInvited, got %v", err)
	}
}

func TestRoomTrackerAcceptClearsStaleInvite(t *testing.T) {
	tracker, err := NewRoomTracker("everyone", nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	// Invited, then joined directly before accepting.
	if _, err := tracker.RecordInvite("dev", "alice"); err != nil {
		t.Fatalf("record invite: %v", err)
	}
	if err := tracker.Add("dev"); err != nil {
		t.Fatalf("add room: %v", err)
	}
	if !tracker.IsInvited("dev") {
		t.Fatal("joining directly should not consume the invitation")
	}

	if _, err := tracker.Accept("dev"); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
	if tracker.IsInvited("dev") {
		t.Fatal("stale invitation survived the failed accept")
	}
	if !tracker.IsMember("dev") {
		t.Fatal("membership lost")
	}
}

func TestRoomTrackerInviteIgnoredForJoinedRoom(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	tracker, err := NewRoomTracker("everyone", store)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.Add("dev"); err != nil {
		t.Fatalf("add: %v", err)
	}

	// A peer inviting us to a room we already joined changes nothing.
	changed, err := tracker.RecordInvite("dev", "mallory")
	if err != nil {
		t.Fatalf("record invite: %v", err)
	}
	if changed || tracker.IsInvited("dev") {
		t.Fatalf("invite for joined room recorded: changed=%v invited=%v", changed, tracker.IsInvited("dev"))
	}
	if !tracker.IsMember("dev") {
		t.Fatal("membership lost")
	}

	// The membership survives a restart unchanged.
	reloaded, err := NewRoomTracker("everyone", store)
	if err != nil {
		t.Fatalf("reload tracker: %v", err)
	}
	if !reloaded.IsMember("dev") {
		t.Fatal("membership of dev lost across restart")
	}
	if reloaded.IsInvited("dev") {
		t.Fatal("restart demoted member to invited")
	}
}

func TestRoomTrackerAcceptRestoresPersistedMembership(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	tracker, err := NewRoomTracker("everyone", store)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	// Invited, then joined directly, then the stale invite is accepted.
	if _, err := tracker.RecordInvite("dev", "alice"); err != nil {
		t.Fatalf("record invite: %v", err)
	}
	if err := tracker.Add("dev"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := tracker.Accept("dev"); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}

	reloaded, err := NewRoomTracker("everyone", store)
	if err != nil {
		t.Fatalf("reload tracker: %v", err)
	}
	if !reloaded.IsMember("dev") || reloaded.IsInvited("dev") {
		t.Fatalf("persisted state after accept: member=%v invited=%v",
			reloaded.IsMember("dev"), reloaded.IsInvited("dev"))
	}
}

func TestRoomTrackerPersistence(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	tracker, err := NewRoomTracker("everyone", store)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.Add("dev"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := tracker.RecordInvite("ops", "alice"); err != nil {
		t.Fatalf("record invite: %v", err)
	}

	reloaded, err := NewRoomTracker("everyone", store)
	if err != nil {
		t.Fatalf("reload tracker: %v", err)
	}
	if !reloaded.IsMember("dev") {
		t.Fatal("membership not restored")
	}
	if !reloaded.IsInvited("ops") {
		t.Fatal("invitation not restored")
	}

	rooms := reloaded.List()
	if len(rooms) != 3 || rooms[0].Name != "everyone" {
		t.Fatalf("roomlist: %+v", rooms)
	}

	advertised := reloaded.Advertised()
	if len(advertised) != 1 || advertised[0].Name != "dev" {
		t.Fatalf("advertised rooms should hold memberships only: %+v", advertised)
	}
}
