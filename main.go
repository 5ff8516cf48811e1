package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"p2pexchange/peer"
	"p2pexchange/presence"
	"p2pexchange/server"
	"p2pexchange/wire"
)

var (
	flagListen    string
	flagDataDir   string
	flagP2P       bool
	flagP2PListen []string

	flagServerURL string
	flagRoomID    string
	flagUserID    string
	flagUsername  string

	flagFileID string
	flagOut    string
)

var rootCmd = &cobra.Command{
	Use:   "p2pexchange",
	Short: "room-based file sharing with live presence",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the exchange server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "follow a room's presence and file events from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "download a shared file, reporting progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runFetch(ctx)
	},
}

func init() {
	sf := serveCmd.Flags()
	sf.StringVar(&flagListen, "listen", "127.0.0.1:8270", "HTTP listen address (host:port)")
	sf.StringVar(&flagDataDir, "data", "./exchange-data", "directory used to persist entities and files")
	sf.BoolVar(&flagP2P, "p2p", false, "serve the file store to other nodes over libp2p")
	sf.StringSliceVar(&flagP2PListen, "p2p-listen", []string{"/ip4/0.0.0.0/tcp/0"}, "libp2p listen multiaddrs (repeatable)")

	wf := watchCmd.Flags()
	wf.StringVar(&flagServerURL, "server-url", "http://127.0.0.1:8270", "exchange server base URL")
	wf.StringVar(&flagRoomID, "room", "", "room ID to subscribe to")
	wf.StringVar(&flagUserID, "user-id", "", "user ID to announce as")
	wf.StringVar(&flagUsername, "username", "", "display name to announce as")
	_ = watchCmd.MarkFlagRequired("room")

	ff := fetchCmd.Flags()
	ff.StringVar(&flagServerURL, "server-url", "http://127.0.0.1:8270", "exchange server base URL")
	ff.StringVar(&flagFileID, "file", "", "file ID to download")
	ff.StringVar(&flagOut, "out", "", "output path (defaults to the original filename)")
	ff.StringVar(&flagRoomID, "room", "", "room to announce the download in")
	ff.StringVar(&flagUsername, "username", "", "display name to announce the download as")
	_ = fetchCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd, watchCmd, fetchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute p2pexchange")
	}
}

func runServe(ctx context.Context) error {
	store, err := server.OpenStore(filepath.Join(flagDataDir, "db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	files, err := server.NewFileStore(filepath.Join(flagDataDir, "files"), store)
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}

	hub := server.NewHub()
	app := &server.App{
		Store:    store,
		Files:    files,
		Hub:      hub,
		Progress: server.NewProgressTracker(),
	}

	r := chi.NewRouter()
	r.Mount("/", app.Router())

	if flagP2P {
		node, err := peer.NewNode(files, flagP2PListen)
		if err != nil {
			return fmt.Errorf("start p2p node: %w", err)
		}
		defer func() { _ = node.Close() }()
		r.Mount("/api/peer", node.Router())
	}

	httpSrv := &http.Server{
		Addr:              flagListen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", flagListen).Msg("serving exchange API")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && err != context.Canceled {
			log.Warn().Err(err).Msg("http shutdown")
		}
		hub.CloseAll()
		hub.Wait()
		return nil
	case err := <-errCh:
		hub.CloseAll()
		hub.Wait()
		return err
	}
}

func runWatch(ctx context.Context) error {
	endpoint, err := presence.EndpointFromOrigin(flagServerURL)
	if err != nil {
		return fmt.Errorf("derive endpoint: %w", err)
	}
	if flagUserID != "" {
		q := url.Values{}
		q.Set("userId", flagUserID)
		q.Set("username", flagUsername)
		endpoint += "?" + q.Encode()
	}

	ch := presence.NewChannel(endpoint, flagRoomID,
		presence.WithNotifier(func(msg string) {
			fmt.Println(msg)
		}),
		presence.WithHandler(func(ev wire.Event) {
			if f, ok := ev.(wire.FileShared); ok {
				log.Info().Str("file", f.FileID).Int64("size", f.FileSize).Msg("file available")
			}
		}),
		presence.WithSnapshot(fetchRoomState),
	)

	log.Info().Str("endpoint", endpoint).Str("room", flagRoomID).Msg("watching room")
	return ch.Run(ctx)
}

func runFetch(ctx context.Context) error {
	q := url.Values{}
	if flagUsername != "" && flagRoomID != "" {
		q.Set("by", flagUsername)
		q.Set("roomId", flagRoomID)
	}
	dlURL := fmt.Sprintf("%s/download/%s", flagServerURL, flagFileID)
	if len(q) > 0 {
		dlURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: status %d", resp.StatusCode)
	}

	out := flagOut
	if out == "" {
		out = flagFileID
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." {
				out = name
			}
		}
	}
	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go func() {
		progressURL := fmt.Sprintf("%s/api/progress/%s", flagServerURL, flagFileID)
		_ = presence.PollProgress(pollCtx, nil, progressURL, presence.DefaultPollInterval,
			func(p presence.TransferProgress) {
				log.Info().Str("file", p.FileID).Float64("percent", p.Percent).Msg("transfer progress")
			})
	}()

	n, err := io.Copy(dst, resp.Body)
	stopPoll()
	if err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	log.Info().Str("path", out).Int64("bytes", n).Msg("download complete")
	return nil
}

// fetchRoomState repairs the local view from the REST snapshot after a
// reconnect.
func fetchRoomState(ctx context.Context, roomID string) (presence.Snapshot, error) {
	stateURL := fmt.Sprintf("%s/api/rooms/%s/state", flagServerURL, roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stateURL, nil)
	if err != nil {
		return presence.Snapshot{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return presence.Snapshot{}, fmt.Errorf("fetch room state: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return presence.Snapshot{}, fmt.Errorf("fetch room state: status %d", resp.StatusCode)
	}

	var body struct {
		Members map[string]struct {
			Status string `json:"status"`
		} `json:"members"`
		Files []struct {
			FileID   string    `json:"fileId"`
			Name     string    `json:"name"`
			Size     int64     `json:"size"`
			SharedBy string    `json:"sharedBy"`
			At       time.Time `json:"at"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return presence.Snapshot{}, fmt.Errorf("decode room state: %w", err)
	}

	snap := presence.Snapshot{Members: make(map[string]presence.Status, len(body.Members))}
	for id, m := range body.Members {
		snap.Members[id] = presence.Status(m.Status)
	}
	for _, f := range body.Files {
		snap.Files = append(snap.Files, presence.SharedFile{
			FileID:   f.FileID,
			Name:     f.Name,
			Size:     f.Size,
			SharedBy: f.SharedBy,
			At:       f.At,
		})
	}
	return snap, nil
}
