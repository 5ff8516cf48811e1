package server

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateUser(t *testing.T) {
	s := newTestStore(t)

	u, err := s.CreateUser("alice", "hash123", "alice@example.com", "")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if u.ID == "" {
		t.Error("CreateUser() returned empty ID")
	}
	if u.Role != "ROLE_USER" {
		t.Errorf("Role = %q, want %q", u.Role, "ROLE_USER")
	}
	if !u.Active {
		t.Error("Active = false, want true")
	}

	got, err := s.GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("GetUserByUsername() error = %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("GetUserByUsername() ID = %q, want %q", got.ID, u.ID)
	}
	if got.PasswordHash != "hash123" {
		t.Errorf("PasswordHash = %q, want %q", got.PasswordHash, "hash123")
	}

	if _, err := s.CreateUser("alice", "other", "dup@example.com", ""); !errors.Is(err, errUsernameTaken) {
		t.Errorf("duplicate CreateUser() error = %v, want errUsernameTaken", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser("missing"); !errors.Is(err, errUserNotFound) {
		t.Errorf("GetUser() error = %v, want errUserNotFound", err)
	}
	if _, err := s.GetUserByUsername("missing"); !errors.Is(err, errUserNotFound) {
		t.Errorf("GetUserByUsername() error = %v, want errUserNotFound", err)
	}
}

func TestUpdateUserProfile(t *testing.T) {
	s := newTestStore(t)
	u, err := s.CreateUser("bob", "h", "bob@example.com", "")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	updated, err := s.UpdateUser(u.ID, func(u *User) error {
		u.Profile["bio"] = "hello"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if updated.Profile["bio"] != "hello" {
		t.Errorf("Profile[bio] = %q, want %q", updated.Profile["bio"], "hello")
	}

	got, err := s.GetUser(u.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Profile["bio"] != "hello" {
		t.Errorf("persisted Profile[bio] = %q, want %q", got.Profile["bio"], "hello")
	}
	if got.PasswordHash != "h" {
		t.Errorf("PasswordHash lost on update: %q", got.PasswordHash)
	}
}

func TestCreateRoomDefaults(t *testing.T) {
	s := newTestStore(t)
	r, err := s.CreateRoom("docs", "owner1")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if !r.HasAccess("owner1") {
		t.Error("owner is not a member")
	}
	if !r.CanShareFiles("owner1") {
		t.Error("owner cannot share files")
	}
	if r.AccessLevel != AccessPublic {
		t.Errorf("AccessLevel = %q, want %q", r.AccessLevel, AccessPublic)
	}
}

func TestRoomMembership(t *testing.T) {
	r := Room{
		ID:       "r1",
		OwnerID:  "owner",
		Members:  []string{"owner"},
		Creators: []string{"owner"},
	}

	if !r.AddMember("u1") {
		t.Error("AddMember(u1) = false, want true")
	}
	if r.AddMember("u1") {
		t.Error("AddMember(u1) twice = true, want false")
	}

	if r.AddCreator("outsider") {
		t.Error("AddCreator(outsider) = true, want false for non-member")
	}
	if !r.AddCreator("u1") {
		t.Error("AddCreator(u1) = false, want true")
	}

	if r.RemoveMember("owner") {
		t.Error("RemoveMember(owner) = true, owner must be unremovable")
	}
	if r.RemoveCreator("owner") {
		t.Error("RemoveCreator(owner) = true, owner keeps share rights")
	}

	// Leaving also revokes creator rights.
	if !r.RemoveMember("u1") {
		t.Error("RemoveMember(u1) = false, want true")
	}
	if r.CanShareFiles("u1") {
		t.Error("u1 still has share rights after leaving")
	}
}

func TestRoomSharedFiles(t *testing.T) {
	var r Room
	r.AddSharedFile("f1")
	r.AddSharedFile("f2")
	r.AddSharedFile("f1") // duplicates allowed
	if len(r.SharedFiles) != 3 {
		t.Fatalf("len(SharedFiles) = %d, want 3", len(r.SharedFiles))
	}
	if !r.RemoveSharedFile("f2") {
		t.Error("RemoveSharedFile(f2) = false, want true")
	}
	if r.RemoveSharedFile("missing") {
		t.Error("RemoveSharedFile(missing) = true, want false")
	}
}

func TestUpdateRoomPersists(t *testing.T) {
	s := newTestStore(t)
	r, err := s.CreateRoom("docs", "owner1")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if _, err := s.UpdateRoom(r.ID, func(room *Room) error {
		room.AddMember("u1")
		return nil
	}); err != nil {
		t.Fatalf("UpdateRoom() error = %v", err)
	}
	got, err := s.GetRoom(r.ID)
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if !got.HasAccess("u1") {
		t.Error("u1 not a member after UpdateRoom")
	}
}

func TestLinks(t *testing.T) {
	s := newTestStore(t)
	r, err := s.CreateRoom("docs", "owner1")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	token, err := s.CreateLink(r.ID)
	if err != nil {
		t.Fatalf("CreateLink() error = %v", err)
	}
	got, err := s.ResolveLink(token)
	if err != nil {
		t.Fatalf("ResolveLink() error = %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("ResolveLink() room = %q, want %q", got.ID, r.ID)
	}

	if _, err := s.ResolveLink("bogus"); !errors.Is(err, errLinkNotFound) {
		t.Errorf("ResolveLink(bogus) error = %v, want errLinkNotFound", err)
	}
	if _, err := s.CreateLink("missing-room"); !errors.Is(err, errRoomNotFound) {
		t.Errorf("CreateLink(missing-room) error = %v, want errRoomNotFound", err)
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	admin, err := s.GetUserByUsername(adminUsername)
	if err != nil {
		t.Fatalf("GetUserByUsername(admin) error = %v", err)
	}
	if admin.Role != adminRole {
		t.Errorf("admin Role = %q, want %q", admin.Role, adminRole)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(adminPassword)); err != nil {
		t.Errorf("admin password hash does not match default password: %v", err)
	}

	if err := s.Bootstrap(); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	again, err := s.GetUserByUsername(adminUsername)
	if err != nil {
		t.Fatalf("GetUserByUsername(admin) error = %v", err)
	}
	if again.ID != admin.ID {
		t.Errorf("second Bootstrap replaced admin: ID %q != %q", again.ID, admin.ID)
	}
}
