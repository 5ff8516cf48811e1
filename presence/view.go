package presence

import (
	"fmt"
	"sync"
	"time"

	"p2pexchange/wire"
)

// Status is a member's presence as last reported by the event stream.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// SharedFile is one announced file. RoomView keeps them most recent first.
type SharedFile struct {
	FileID   string
	Name     string
	Size     int64
	SharedBy string
	At       time.Time
}

// RoomView is the client-local projection of one room's live state.
// It is built purely by replaying inbound events and is never
// authoritative; the server's persisted state is the source of truth.
type RoomView struct {
	mu      sync.RWMutex
	roomID  string
	members map[string]Status
	files   []SharedFile
}

// NewRoomView returns an empty projection for the given room.
func NewRoomView(roomID string) *RoomView {
	return &RoomView{
		roomID:  roomID,
		members: make(map[string]Status),
	}
}

// RoomID returns the room this view projects.
func (v *RoomView) RoomID() string { return v.roomID }

// Apply folds one decoded event into the view and returns the
// user-facing notification text it produced, if any. The boolean
// reports whether the event was recognized at all.
//
// Member status is last-write-wins: the map reflects only the most
// recent USER_JOINED/USER_LEFT seen for each user, with no attempt at
// causal ordering. Duplicate FILE_SHARED announcements are kept as-is;
// the stream carries no ordering identifier to deduplicate against.
func (v *RoomView) Apply(ev wire.Event) (string, bool) {
	switch e := ev.(type) {
	case wire.UserJoined:
		v.mu.Lock()
		v.members[e.UserID] = StatusOnline
		v.mu.Unlock()
		return fmt.Sprintf("%s joined the room", e.Username), true
	case wire.UserLeft:
		v.mu.Lock()
		if _, ok := v.members[e.UserID]; ok {
			v.members[e.UserID] = StatusOffline
		}
		v.mu.Unlock()
		return fmt.Sprintf("%s left the room", e.Username), true
	case wire.FileShared:
		f := SharedFile{
			FileID:   e.FileID,
			Name:     e.Filename,
			Size:     e.FileSize,
			SharedBy: e.SharedBy,
			At:       time.Now().UTC(),
		}
		v.mu.Lock()
		v.files = append([]SharedFile{f}, v.files...)
		v.mu.Unlock()
		return fmt.Sprintf("%s shared a new file: %s", e.SharedBy, e.Filename), true
	case wire.FileDownloaded:
		// Notification only; no view mutation.
		return fmt.Sprintf("%s downloaded %s", e.DownloadedBy, e.Filename), true
	case wire.ChatMessage:
		// Accepted but not projected anywhere yet.
		return "", true
	default:
		return "", false
	}
}

// Replace swaps in an authoritative snapshot, discarding replayed state.
// Used after a reconnect to repair events lost during the outage window.
func (v *RoomView) Replace(members map[string]Status, files []SharedFile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.members = make(map[string]Status, len(members))
	for id, st := range members {
		v.members[id] = st
	}
	v.files = append([]SharedFile(nil), files...)
}

// Member reports the last observed status for a user.
func (v *RoomView) Member(userID string) (Status, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st, ok := v.members[userID]
	return st, ok
}

// Members returns a copy of the presence map.
func (v *RoomView) Members() map[string]Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]Status, len(v.members))
	for id, st := range v.members {
		out[id] = st
	}
	return out
}

// Files returns a copy of the announced files, most recent first.
func (v *RoomView) Files() []SharedFile {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]SharedFile(nil), v.files...)
}
