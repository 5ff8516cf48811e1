// Package peer exposes the local file store to other nodes over a
// libp2p stream protocol, so files can be exchanged directly without
// going through the HTTP surface.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"p2pexchange/server"
)

const (
	fileProtocolID = protocol.ID("/p2pexchange/file/1.0.0")
	requestTimeout = 45 * time.Second
)

// Node is a libp2p host serving the local file store and fetching
// files from remote nodes.
type Node struct {
	host  host.Host
	files *server.FileStore
}

// NewNode starts a libp2p host on the given multiaddrs and registers
// the file exchange stream handler.
func NewNode(files *server.FileStore, listenAddrs []string) (*Node, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	n := &Node{host: h, files: files}
	h.SetStreamHandler(fileProtocolID, n.handleStream)
	log.Info().Str("peer_id", h.ID().String()).Strs("multiaddr", n.Addrs()).Msg("libp2p ready")
	return n, nil
}

func (n *Node) Close() error { return n.host.Close() }

// Addrs returns the node's dialable multiaddrs with the peer ID suffix.
func (n *Node) Addrs() []string {
	raw := n.host.Addrs()
	addrs := make([]string, 0, len(raw))
	for _, addr := range raw {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr.String(), n.host.ID().String()))
	}
	sort.Strings(addrs)
	return addrs
}

type peerRequest struct {
	Type   string `json:"type"`
	FileID string `json:"fileId,omitempty"`
}

type peerResponse struct {
	OK       bool              `json:"ok"`
	Error    string            `json:"error,omitempty"`
	Files    []server.FileMeta `json:"files,omitempty"`
	FileName string            `json:"fileName,omitempty"`
	FileType string            `json:"fileType,omitempty"`
	Size     int64             `json:"size,omitempty"`
}

func (n *Node) handleStream(stream network.Stream) {
	defer func() { _ = stream.Close() }()
	var req peerRequest
	if err := json.NewDecoder(stream).Decode(&req); err != nil {
		sendStreamError(stream, fmt.Errorf("decode request: %w", err))
		return
	}
	switch req.Type {
	case "fetch":
		n.streamSendFile(stream, req.FileID)
	case "list":
		n.streamSendList(stream)
	default:
		sendStreamError(stream, fmt.Errorf("unsupported request %q", req.Type))
	}
}

func (n *Node) streamSendList(stream network.Stream) {
	files, err := n.files.List("")
	if err != nil {
		sendStreamError(stream, err)
		return
	}
	if err := json.NewEncoder(stream).Encode(peerResponse{OK: true, Files: files}); err != nil {
		log.Warn().Err(err).Msg("send list response")
	}
}

func (n *Node) streamSendFile(stream network.Stream, id string) {
	reader, meta, err := n.files.Open(id)
	if err != nil {
		sendStreamError(stream, err)
		return
	}
	defer func() { _ = reader.Close() }()
	resp := peerResponse{
		OK:       true,
		FileName: meta.OriginalFilename,
		FileType: meta.ContentType,
		Size:     meta.Size,
	}
	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("send file header")
		return
	}
	if _, err := io.Copy(stream, reader); err != nil {
		log.Warn().Err(err).Msg("stream file body")
	}
}

// FetchFile pulls a file from a remote node and stores it locally.
func (n *Node) FetchFile(ctx context.Context, addr, fileID, ownerID string) (server.FileMeta, error) {
	info, err := parseAddrInfo(addr)
	if err != nil {
		return server.FileMeta{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return server.FileMeta{}, fmt.Errorf("connect peer: %w", err)
	}
	stream, err := n.host.NewStream(ctx, info.ID, fileProtocolID)
	if err != nil {
		return server.FileMeta{}, fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = stream.Close() }()
	if err := json.NewEncoder(stream).Encode(peerRequest{Type: "fetch", FileID: fileID}); err != nil {
		return server.FileMeta{}, fmt.Errorf("send request: %w", err)
	}
	var resp peerResponse
	if err := json.NewDecoder(stream).Decode(&resp); err != nil {
		return server.FileMeta{}, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "remote rejected request"
		}
		return server.FileMeta{}, errors.New(resp.Error)
	}
	reader := io.Reader(stream)
	if resp.Size > 0 {
		reader = io.LimitReader(stream, resp.Size)
	}
	meta, err := n.files.Save(resp.FileName, resp.FileType, ownerID, reader)
	if err != nil {
		return server.FileMeta{}, fmt.Errorf("save file: %w", err)
	}
	return meta, nil
}

// ListRemote asks a remote node for its file listing.
func (n *Node) ListRemote(ctx context.Context, addr string) ([]server.FileMeta, error) {
	info, err := parseAddrInfo(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("connect peer: %w", err)
	}
	stream, err := n.host.NewStream(ctx, info.ID, fileProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = stream.Close() }()
	if err := json.NewEncoder(stream).Encode(peerRequest{Type: "list"}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp peerResponse
	if err := json.NewDecoder(stream).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "remote rejected request"
		}
		return nil, errors.New(resp.Error)
	}
	return resp.Files, nil
}

// Router exposes the node over HTTP so the web UI can drive peer
// transfers. Mounted under /api/peer by the server command.
func (n *Node) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/info", n.handleInfo)
	r.Post("/connect", n.handleConnect)
	r.Post("/request", n.handleRequestFile)
	r.Post("/list-remote", n.handleListRemote)
	return r
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"peerId":    n.host.ID().String(),
		"addresses": n.Addrs(),
	})
}

func (n *Node) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Multiaddr string `json:"multiaddr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	info, err := parseAddrInfo(req.Multiaddr)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		respondError(w, http.StatusBadGateway, fmt.Errorf("connect peer: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"connected": info.ID.String()})
}

func (n *Node) handleRequestFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Multiaddr string `json:"multiaddr"`
		FileID    string `json:"fileId"`
		OwnerID   string `json:"ownerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.FileID == "" {
		respondError(w, http.StatusBadRequest, errors.New("fileId required"))
		return
	}
	meta, err := n.FetchFile(r.Context(), req.Multiaddr, req.FileID, req.OwnerID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"file": meta})
}

func (n *Node) handleListRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Multiaddr string `json:"multiaddr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	files, err := n.ListRemote(r.Context(), req.Multiaddr)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": files})
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

func sendStreamError(stream network.Stream, err error) {
	_ = json.NewEncoder(stream).Encode(peerResponse{OK: false, Error: err.Error()})
}

func parseAddrInfo(raw string) (*libp2ppeer.AddrInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("multiaddr required")
	}
	if strings.Contains(raw, "/p2p/") {
		ma, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr: %w", err)
		}
		info, err := libp2ppeer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("addr info: %w", err)
		}
		return info, nil
	}
	info, err := libp2ppeer.AddrInfoFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("addr info: %w", err)
	}
	return info, nil
}
