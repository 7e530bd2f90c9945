package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hurrycache/hurry/internal/cacheengine"
)

// Server is the daemon's local HTTP control surface: upload hand-off,
// status polling, and shutdown. It listens on a loopback TCP port chosen
// by the OS rather than a fixed one, since more than one workspace's
// daemon may run on the same machine.
type Server struct {
	daemon     *Daemon
	httpServer *http.Server
	shutdownCh chan struct{}
}

// NewServer wires d's upload/status state behind the HTTP routes a
// DaemonClient implementation talks to.
func NewServer(d *Daemon) *Server {
	s := &Server{daemon: d, shutdownCh: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v0/cargo/upload", s.handleUpload)
	mux.HandleFunc("GET /api/v0/cargo/status", s.handleStatus)
	mux.HandleFunc("GET /api/v0/cargo/status/all", s.handleStatusAll)
	mux.HandleFunc("POST /api/v0/shutdown", s.handleShutdown)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Serve listens on an OS-assigned loopback port, writes the listening
// address to socketFilePath and this process's pid to pidFilePath, and
// blocks until the daemon is told to shut down or ctx is canceled. Both
// files are removed on the way out so a future client doesn't mistake a
// dead daemon for a live one.
func (s *Server) Serve(ctx context.Context, pidFilePath, socketFilePath string) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}

	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = ln.Close()
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	if err := os.WriteFile(socketFilePath, []byte(ln.Addr().String()), 0o644); err != nil {
		_ = ln.Close()
		_ = os.Remove(pidFilePath)
		return fmt.Errorf("daemon: write socket address file: %w", err)
	}
	defer func() {
		_ = os.Remove(pidFilePath)
		_ = os.Remove(socketFilePath)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("daemon: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req cacheengine.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	requestID := s.daemon.StartUpload(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	status, ok := s.daemon.Status(requestID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.AllStatuses())
}

// handleShutdown lets a client ask the daemon to exit once it has no
// reason to keep running (e.g. explicit `hurry daemon stop`); the daemon
// otherwise just stays up across builds rather than exiting after each one.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	close(s.shutdownCh)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
