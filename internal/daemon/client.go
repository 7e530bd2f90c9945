package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/hurrycache/hurry/internal/cacheengine"
)

// Client is the cache engine's handle to a running daemon, satisfying
// cacheengine.DaemonClient over HTTP.
type Client struct {
	addr       string
	httpClient *http.Client
}

// Dial wraps an already-known daemon address (as written to its socket
// address file) in a Client.
func Dial(addr string) *Client {
	return &Client{addr: addr, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// DialIfRunning returns a Client dialed to an already-running daemon, or
// ok=false without spawning one if no live daemon is discoverable.
func DialIfRunning(pidFilePath, socketFilePath string) (client *Client, ok bool) {
	addr, ok := readLiveDaemon(pidFilePath, socketFilePath)
	if !ok {
		return nil, false
	}
	return Dial(addr), true
}

// EnsureRunning implements §4.2's daemon discovery: read the pid and
// socket address files, confirm the process is actually alive, and spawn a
// fresh daemon via re-exec if not. It returns a Client dialed to whichever
// daemon ends up running.
func EnsureRunning(ctx context.Context, pidFilePath, socketFilePath string) (*Client, error) {
	if addr, ok := readLiveDaemon(pidFilePath, socketFilePath); ok {
		return Dial(addr), nil
	}

	if err := spawn(pidFilePath, socketFilePath); err != nil {
		return nil, fmt.Errorf("daemon: spawn: %w", err)
	}

	deadline := time.Now().Add(SpawnWaitTimeout)
	for time.Now().Before(deadline) {
		if addr, ok := readLiveDaemon(pidFilePath, socketFilePath); ok {
			return Dial(addr), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("daemon: did not become ready within %s", SpawnWaitTimeout)
}

// readLiveDaemon reads the pid and socket files and confirms the pid
// refers to a live process before trusting the socket address — a stale
// pair left behind by a crashed daemon should be treated as not running.
func readLiveDaemon(pidFilePath, socketFilePath string) (addr string, ok bool) {
	pidBytes, err := os.ReadFile(pidFilePath)
	if err != nil {
		return "", false
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(pidBytes)))
	if err != nil {
		return "", false
	}
	if !processAlive(pid) {
		return "", false
	}

	addrBytes, err := os.ReadFile(socketFilePath)
	if err != nil {
		return "", false
	}
	return string(bytes.TrimSpace(addrBytes)), true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 is the portable way
	// to probe liveness without actually sending a signal.
	return proc.Signal(syscallSignalZero()) == nil
}

// spawn re-execs this binary as a detached daemon process. The command run
// is "<self> daemon serve <pidFilePath> <socketFilePath>"; whatever cmd/
// entrypoint owns that subcommand is responsible for calling Server.Serve.
func spawn(pidFilePath, socketFilePath string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	cmd := exec.Command(self, "daemon", "serve", pidFilePath, socketFilePath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)
	return cmd.Start()
}

// Upload implements cacheengine.DaemonClient.
func (c *Client) Upload(ctx context.Context, req cacheengine.UploadRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("daemon client: marshal upload request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.addr+"/api/v0/cargo/upload", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("daemon client: upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("daemon client: upload returned %s", resp.Status)
	}

	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("daemon client: decode upload response: %w", err)
	}
	return out.RequestID, nil
}

// Shutdown asks the daemon this client is dialed to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.addr+"/api/v0/shutdown", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("daemon client: shutdown: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("daemon client: shutdown returned %s", resp.Status)
	}
	return nil
}

// Status implements cacheengine.DaemonClient.
func (c *Client) Status(ctx context.Context, requestID string) (cacheengine.UploadStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.addr+"/api/v0/cargo/status?request_id="+requestID, nil)
	if err != nil {
		return cacheengine.UploadStatus{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return cacheengine.UploadStatus{}, fmt.Errorf("daemon client: status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return cacheengine.UploadStatus{}, fmt.Errorf("daemon client: status returned %s", resp.Status)
	}

	var status cacheengine.UploadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return cacheengine.UploadStatus{}, fmt.Errorf("daemon client: decode status response: %w", err)
	}
	return status, nil
}
