package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"p2pexchange/wire"
)

// Validation failures raised inside store update callbacks. They are
// client errors, not lookup misses, and map to 400.
var (
	errCannotLeave    = errors.New("cannot leave the room")
	errShareForbidden = errors.New("not allowed to share files in this room")
)

// App wires the stores, the hub and the progress tracker behind the
// HTTP surface.
type App struct {
	Store    *Store
	Files    *FileStore
	Hub      *Hub
	Progress *ProgressTracker
}

// Router builds the REST + websocket surface.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", a.Hub.HandleWS)

	r.Post("/api/users", a.handleRegister)
	r.Get("/api/users/{id}", a.handleGetUser)
	r.Put("/api/users/{id}/profile", a.handleUpdateProfile)

	r.Get("/api/rooms", a.handleListRooms)
	r.Post("/api/rooms", a.handleCreateRoom)
	r.Get("/api/rooms/{id}", a.handleGetRoom)
	r.Get("/api/rooms/{id}/state", a.handleRoomState)
	r.Post("/api/rooms/{id}/join", a.handleJoinRoom)
	r.Post("/api/rooms/{id}/leave", a.handleLeaveRoom)
	r.Post("/api/rooms/{id}/link", a.handleCreateLink)
	r.Post("/api/rooms/join/{token}", a.handleJoinByLink)
	r.Post("/api/rooms/{id}/files/{fileId}/share", a.handleShareFile)

	r.Post("/api/upload", a.handleUpload)
	r.Get("/api/files", a.handleListFiles)
	r.Get("/download/{id}", a.handleDownload)
	r.Get("/api/progress/{fileId}", a.handleProgress)

	return r
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("password required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	u, err := a.Store.CreateUser(req.Username, string(hash), req.Email, "")
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUsernameTaken) {
			status = http.StatusConflict
		}
		respondError(w, status, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"user": u})
}

func (a *App) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.Store.GetUser(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (a *App) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	u, err := a.Store.UpdateUser(chi.URLParam(r, "id"), func(u *User) error {
		if u.Profile == nil {
			u.Profile = map[string]string{}
		}
		for k, v := range req.Attributes {
			if v == "" {
				delete(u.Profile, k)
				continue
			}
			u.Profile[k] = v
		}
		return nil
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (a *App) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.Store.ListRooms()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (a *App) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		OwnerID string `json:"ownerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	room, err := a.Store.CreateRoom(req.Name, req.OwnerID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"room": room})
}

func (a *App) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := a.Store.GetRoom(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room})
}

// memberState and sharedFileState make up the full-state snapshot
// clients fetch to repair their view after a reconnect.
type memberState struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

type sharedFileState struct {
	FileID   string    `json:"fileId"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SharedBy string    `json:"sharedBy"`
	At       time.Time `json:"at"`
}

func (a *App) handleRoomState(w http.ResponseWriter, r *http.Request) {
	room, err := a.Store.GetRoom(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	online := a.Hub.Online(room.ID)
	members := make(map[string]memberState, len(room.Members))
	for _, id := range room.Members {
		name := id
		if u, err := a.Store.GetUser(id); err == nil {
			name = u.Username
		}
		st := "offline"
		if _, ok := online[id]; ok {
			st = "online"
		}
		members[id] = memberState{Username: name, Status: st}
	}
	// Subscribers that are not persisted members yet still count as online.
	for id, name := range online {
		if _, ok := members[id]; !ok {
			members[id] = memberState{Username: name, Status: "online"}
		}
	}

	files := make([]sharedFileState, 0, len(room.SharedFiles))
	for i := len(room.SharedFiles) - 1; i >= 0; i-- {
		meta, err := a.Store.GetFileMeta(room.SharedFiles[i])
		if err != nil {
			continue
		}
		sharedBy := meta.OwnerID
		if u, err := a.Store.GetUser(meta.OwnerID); err == nil {
			sharedBy = u.Username
		}
		files = append(files, sharedFileState{
			FileID:   meta.ID,
			Name:     meta.OriginalFilename,
			Size:     meta.Size,
			SharedBy: sharedBy,
			At:       meta.UploadDate,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"roomId":  room.ID,
		"members": members,
		"files":   files,
	})
}

func (a *App) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	room, err := a.Store.UpdateRoom(chi.URLParam(r, "id"), func(room *Room) error {
		room.AddMember(req.UserID)
		return nil
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (a *App) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	room, err := a.Store.UpdateRoom(chi.URLParam(r, "id"), func(room *Room) error {
		if !room.RemoveMember(req.UserID) {
			return fmt.Errorf("user %s: %w", req.UserID, errCannotLeave)
		}
		return nil
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (a *App) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	token, err := a.Store.CreateLink(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"linkToken": token})
}

func (a *App) handleJoinByLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	room, err := a.Store.ResolveLink(chi.URLParam(r, "token"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	room, err = a.Store.UpdateRoom(room.ID, func(room *Room) error {
		room.AddMember(req.UserID)
		return nil
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (a *App) handleShareFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	fileID := chi.URLParam(r, "fileId")
	meta, err := a.Store.GetFileMeta(fileID)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	roomID := chi.URLParam(r, "id")
	_, err = a.Store.UpdateRoom(roomID, func(room *Room) error {
		if req.UserID != "" && !room.CanShareFiles(req.UserID) {
			return fmt.Errorf("user %s: %w", req.UserID, errShareForbidden)
		}
		room.AddSharedFile(fileID)
		return nil
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	sharedBy := req.UserID
	if u, err := a.Store.GetUser(req.UserID); err == nil {
		sharedBy = u.Username
	}
	a.Hub.Broadcast(roomID, wire.FileShared{
		FileID:   meta.ID,
		Filename: meta.OriginalFilename,
		SharedBy: sharedBy,
		FileSize: meta.Size,
		FileType: meta.ContentType,
	})
	respondJSON(w, http.StatusOK, map[string]any{"file": meta})
}

func (a *App) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("missing file: %w", err))
		return
	}
	defer func() { _ = file.Close() }()

	contentType := header.Header.Get("Content-Type")
	meta, err := a.Files.Save(header.Filename, contentType, r.FormValue("ownerId"), file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"file": meta})
}

func (a *App) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := a.Files.List(r.URL.Query().Get("owner"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (a *App) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	blob, meta, err := a.Files.Open(id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	defer func() { _ = blob.Close() }()

	a.Progress.Start(meta.ID, meta.Size)
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.OriginalFilename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.Size))

	src := &countingReader{r: blob, tracker: a.Progress, fileID: meta.ID}
	if _, err := io.Copy(w, src); err != nil {
		a.Progress.Fail(meta.ID)
		log.Warn().Err(err).Str("file", meta.ID).Msg("download aborted")
		return
	}
	a.Progress.Complete(meta.ID)

	if by := r.URL.Query().Get("by"); by != "" {
		if roomID := r.URL.Query().Get("roomId"); roomID != "" {
			a.Hub.Broadcast(roomID, wire.FileDownloaded{
				Filename:     meta.OriginalFilename,
				DownloadedBy: by,
			})
		}
	}
}

func (a *App) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := a.Progress.Get(chi.URLParam(r, "fileId"))
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no transfer for file"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"fileId":           p.FileID,
		"totalSize":        p.TotalSize,
		"bytesTransferred": p.BytesTransferred,
		"state":            p.State,
		"percent":          p.Percent(),
		"rate":             p.Rate(),
		"etaSeconds":       p.ETASeconds(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUserNotFound),
		errors.Is(err, errRoomNotFound),
		errors.Is(err, errLinkNotFound),
		errors.Is(err, errFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, errCannotLeave),
		errors.Is(err, errShareForbidden):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode json response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
