// Package server implements the exchange backend: pebble-backed entity
// storage, a disk file store, the room event hub, and the REST API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"
)

var (
	errUserNotFound  = errors.New("user not found")
	errUsernameTaken = errors.New("username already taken")
	errRoomNotFound  = errors.New("room not found")
	errLinkNotFound  = errors.New("link not found")
	errFileNotFound  = errors.New("file not found")
)

// Key prefixes inside the pebble keyspace. Values are JSON documents
// except the index entries, which hold the target ID verbatim.
const (
	prefixUser     = "user/"
	prefixUsername = "uname/"
	prefixRoom     = "room/"
	prefixLink     = "link/"
	prefixFile     = "file/"
)

// AccessLevel controls who may join a room.
type AccessLevel string

const (
	AccessPublic     AccessLevel = "PUBLIC"
	AccessRestricted AccessLevel = "RESTRICTED"
	AccessPrivate    AccessLevel = "PRIVATE"
)

// User is an application account.
type User struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	PasswordHash string            `json:"-"`
	Email        string            `json:"email"`
	Role         string            `json:"role"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastLogin    *time.Time        `json:"lastLogin,omitempty"`
	Active       bool              `json:"active"`
	Profile      map[string]string `json:"profileAttributes,omitempty"`
}

// Room is a shared namespace for exchanging files and presence.
// The owner is always a member and a creator and can never be removed.
type Room struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	OwnerID     string      `json:"ownerId"`
	Members     []string    `json:"members"`
	Creators    []string    `json:"creators"`
	SharedFiles []string    `json:"sharedFiles"`
	AccessLevel AccessLevel `json:"accessLevel"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// FileMeta describes a stored file. Blobs live on disk; metadata lives
// in the entity store.
type FileMeta struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"originalFilename"`
	StoredName       string    `json:"storedName"`
	ContentType      string    `json:"contentType"`
	Size             int64     `json:"size"`
	OwnerID          string    `json:"ownerId"`
	UploadDate       time.Time `json:"uploadDate"`
	Checksum         string    `json:"checksum,omitempty"`
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) ([]string, bool) {
	for i, item := range list {
		if item == v {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}

// AddMember adds userID to the room. Returns false if already a member.
func (r *Room) AddMember(userID string) bool {
	if contains(r.Members, userID) {
		return false
	}
	r.Members = append(r.Members, userID)
	return true
}

// RemoveMember removes a member. The owner cannot be removed; leaving
// membership also revokes creator rights.
func (r *Room) RemoveMember(userID string) bool {
	if userID == r.OwnerID {
		return false
	}
	members, ok := remove(r.Members, userID)
	if !ok {
		return false
	}
	r.Members = members
	r.Creators, _ = remove(r.Creators, userID)
	return true
}

// AddCreator grants share rights. The user must already be a member.
func (r *Room) AddCreator(userID string) bool {
	if !contains(r.Members, userID) || contains(r.Creators, userID) {
		return false
	}
	r.Creators = append(r.Creators, userID)
	return true
}

// RemoveCreator revokes share rights. The owner keeps them always.
func (r *Room) RemoveCreator(userID string) bool {
	if userID == r.OwnerID {
		return false
	}
	creators, ok := remove(r.Creators, userID)
	if ok {
		r.Creators = creators
	}
	return ok
}

// AddSharedFile appends a file to the room's shared list.
func (r *Room) AddSharedFile(fileID string) {
	r.SharedFiles = append(r.SharedFiles, fileID)
}

// RemoveSharedFile drops a file from the shared list.
func (r *Room) RemoveSharedFile(fileID string) bool {
	files, ok := remove(r.SharedFiles, fileID)
	if ok {
		r.SharedFiles = files
	}
	return ok
}

// HasAccess reports whether the user may see the room's contents.
func (r *Room) HasAccess(userID string) bool { return contains(r.Members, userID) }

// CanShareFiles reports whether the user may share files into the room.
func (r *Room) CanShareFiles(userID string) bool { return contains(r.Creators, userID) }

// Store persists users, rooms, join links and file metadata in a
// PebbleDB key-value store.
type Store struct {
	db *pebble.DB

	// mu serializes read-modify-write cycles on documents.
	mu sync.Mutex
}

// OpenStore opens (or creates) the entity store under dir.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("empty store directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) getJSON(key string, dst any) error {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	return json.Unmarshal(val, dst)
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *Store) scanJSON(prefix string, each func(val []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for it.First(); it.Valid(); it.Next() {
		if err := each(it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// CreateUser registers a new account with the given bcrypt password hash.
func (s *Store) CreateUser(username, passwordHash, email, role string) (User, error) {
	if username == "" {
		return User{}, errors.New("username is required")
	}
	if role == "" {
		role = "ROLE_USER"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, closer, err := s.db.Get([]byte(prefixUsername + username)); err == nil {
		_ = closer.Close()
		return User{}, errUsernameTaken
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return User{}, err
	}

	u := User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		Email:        email,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		Active:       true,
		Profile:      map[string]string{},
	}
	if err := s.putUserLocked(u); err != nil {
		return User{}, err
	}
	return u, nil
}

// putUserLocked writes the document and its username index entry.
// User JSON omits the password hash, so it is stored alongside.
func (s *Store) putUserLocked(u User) error {
	doc := struct {
		User
		PasswordHash string `json:"passwordHash"`
	}{User: u, PasswordHash: u.PasswordHash}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(prefixUser+u.ID), data, pebble.Sync); err != nil {
		return err
	}
	return s.db.Set([]byte(prefixUsername+u.Username), []byte(u.ID), pebble.Sync)
}

func decodeUser(val []byte) (User, error) {
	var doc struct {
		User
		PasswordHash string `json:"passwordHash"`
	}
	if err := json.Unmarshal(val, &doc); err != nil {
		return User{}, err
	}
	u := doc.User
	u.PasswordHash = doc.PasswordHash
	return u, nil
}

// GetUser looks up an account by ID.
func (s *Store) GetUser(id string) (User, error) {
	val, closer, err := s.db.Get([]byte(prefixUser + id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return User{}, errUserNotFound
		}
		return User{}, err
	}
	defer func() { _ = closer.Close() }()
	return decodeUser(val)
}

// GetUserByUsername resolves the unique username index.
func (s *Store) GetUserByUsername(username string) (User, error) {
	val, closer, err := s.db.Get([]byte(prefixUsername + username))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return User{}, errUserNotFound
		}
		return User{}, err
	}
	id := string(val)
	_ = closer.Close()
	return s.GetUser(id)
}

// UpdateUser applies fn to the stored document under the write lock.
func (s *Store) UpdateUser(id string, fn func(*User) error) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.GetUser(id)
	if err != nil {
		return User{}, err
	}
	if err := fn(&u); err != nil {
		return User{}, err
	}
	if err := s.putUserLocked(u); err != nil {
		return User{}, err
	}
	return u, nil
}

// CreateRoom creates a room with the owner as first member and creator.
func (s *Store) CreateRoom(name, ownerID string) (Room, error) {
	if name == "" {
		return Room{}, errors.New("room name is required")
	}
	if ownerID == "" {
		return Room{}, errors.New("room owner is required")
	}
	r := Room{
		ID:          uuid.New().String(),
		Name:        name,
		OwnerID:     ownerID,
		Members:     []string{ownerID},
		Creators:    []string{ownerID},
		SharedFiles: []string{},
		AccessLevel: AccessPublic,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putJSON(prefixRoom+r.ID, r); err != nil {
		return Room{}, err
	}
	return r, nil
}

// GetRoom looks up a room by ID.
func (s *Store) GetRoom(id string) (Room, error) {
	var r Room
	if err := s.getJSON(prefixRoom+id, &r); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Room{}, errRoomNotFound
		}
		return Room{}, err
	}
	return r, nil
}

// ListRooms returns all rooms.
func (s *Store) ListRooms() ([]Room, error) {
	out := make([]Room, 0, 16)
	err := s.scanJSON(prefixRoom, func(val []byte) error {
		var r Room
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// UpdateRoom applies fn to the stored document under the write lock.
func (s *Store) UpdateRoom(id string, fn func(*Room) error) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.GetRoom(id)
	if err != nil {
		return Room{}, err
	}
	if err := fn(&r); err != nil {
		return Room{}, err
	}
	if err := s.putJSON(prefixRoom+r.ID, r); err != nil {
		return Room{}, err
	}
	return r, nil
}

// CreateLink mints a share token that resolves to the room.
func (s *Store) CreateLink(roomID string) (string, error) {
	if _, err := s.GetRoom(roomID); err != nil {
		return "", err
	}
	token := uuid.New().String()
	if err := s.db.Set([]byte(prefixLink+token), []byte(roomID), pebble.Sync); err != nil {
		return "", err
	}
	return token, nil
}

// ResolveLink returns the room a share token points at.
func (s *Store) ResolveLink(token string) (Room, error) {
	val, closer, err := s.db.Get([]byte(prefixLink + token))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Room{}, errLinkNotFound
		}
		return Room{}, err
	}
	roomID := string(val)
	_ = closer.Close()
	return s.GetRoom(roomID)
}

// PutFileMeta stores file metadata.
func (s *Store) PutFileMeta(m FileMeta) error {
	return s.putJSON(prefixFile+m.ID, m)
}

// GetFileMeta looks up file metadata by ID.
func (s *Store) GetFileMeta(id string) (FileMeta, error) {
	var m FileMeta
	if err := s.getJSON(prefixFile+id, &m); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return FileMeta{}, errFileNotFound
		}
		return FileMeta{}, err
	}
	return m, nil
}

// ListFiles returns metadata for all stored files, optionally filtered
// by owner. Results are newest first.
func (s *Store) ListFiles(ownerID string) ([]FileMeta, error) {
	out := make([]FileMeta, 0, 16)
	err := s.scanJSON(prefixFile, func(val []byte) error {
		var m FileMeta
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if ownerID == "" || m.OwnerID == ownerID {
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadDate.After(out[j].UploadDate)
	})
	return out, nil
}
