// Package wire defines the message formats exchanged over the room event
// channel: the SUBSCRIBE control message clients send, and the typed event
// envelope the server broadcasts. Payloads are decoded exactly once, at the
// transport boundary; everything past Decode works with concrete Go types.
package wire

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators carried in the envelope.
const (
	TypeUserJoined     = "USER_JOINED"
	TypeUserLeft       = "USER_LEFT"
	TypeFileShared     = "FILE_SHARED"
	TypeFileDownloaded = "FILE_DOWNLOADED"
	TypeMessage        = "MESSAGE"
)

// ActionSubscribe is the only control action clients send.
const ActionSubscribe = "SUBSCRIBE"

// Control is the client-to-server control message sent after the
// transport opens when the client is viewing a room.
type Control struct {
	Action string `json:"action"`
	RoomID string `json:"roomId"`
}

// Envelope is the server-to-client message frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is one decoded inbound event. The set of implementations is
// closed; dispatch with a type switch.
type Event interface {
	wireType() string
}

// UserJoined announces a member coming online in the subscribed room.
type UserJoined struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserLeft announces a member going offline in the subscribed room.
type UserLeft struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// FileShared announces a file newly shared into the subscribed room.
type FileShared struct {
	FileID   string `json:"fileId"`
	Filename string `json:"filename"`
	SharedBy string `json:"sharedBy"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

// FileDownloaded announces that a member downloaded a shared file.
// It never mutates client state; it only produces a notification.
type FileDownloaded struct {
	Filename     string `json:"filename"`
	DownloadedBy string `json:"downloadedBy"`
}

// ChatMessage carries a room chat line. Clients accept it but do not
// project it anywhere yet.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

func (UserJoined) wireType() string     { return TypeUserJoined }
func (UserLeft) wireType() string       { return TypeUserLeft }
func (FileShared) wireType() string     { return TypeFileShared }
func (FileDownloaded) wireType() string { return TypeFileDownloaded }
func (ChatMessage) wireType() string    { return TypeMessage }

// Decode parses a raw frame into a typed event. Unrecognized type
// discriminators yield (nil, nil) so callers can skip them silently;
// malformed frames yield an error and must be dropped.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeUserJoined:
		var ev UserJoined
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeUserLeft:
		var ev UserLeft
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeFileShared:
		var ev FileShared
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeFileDownloaded:
		var ev FileDownloaded
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeMessage:
		var ev ChatMessage
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, nil
	}
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}

// Marshal wraps a typed event in its envelope for broadcasting.
func Marshal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.wireType(), err)
	}
	return json.Marshal(Envelope{Type: ev.wireType(), Data: data})
}
