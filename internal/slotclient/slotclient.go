// Package slotclient acquires a global execution slot from the slot
// coordinator daemon, falling back to a local file lock when the daemon is
// unreachable. Safety is never sacrificed for parallelism: the fallback
// grants exactly one slot per (hookName, pluginName), even though that's
// less concurrency than the daemon would allow.
package slotclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"han/internal/logging"
)

// healthProbeTimeout bounds how long a single Health probe may take.
const healthProbeTimeout = 1 * time.Second

var backoffSteps = []time.Duration{
	100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
	800 * time.Millisecond, 1600 * time.Millisecond, 2000 * time.Millisecond,
}

// Handle represents a held slot. Release is idempotent.
type Handle struct {
	released atomic.Bool
	release  func() error
}

// Release returns the slot. Safe to call more than once.
func (h *Handle) Release() error {
	if h.released.Swap(true) {
		return nil
	}
	return h.release()
}

// Client acquires slots against a daemon, with a local-lock fallback.
type Client struct {
	baseURL    string
	httpClient *http.Client
	lockDir    string
	logger     *slog.Logger
}

// New creates a Client pointed at the daemon's baseURL (e.g.
// "http://127.0.0.1:8787") with lockDir as the local-fallback lock directory.
func New(baseURL, lockDir string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lockDir:    lockDir,
		logger:     logging.Default(logger).With("component", "slotclient"),
	}
}

// Healthy probes the daemon's /healthz with a 1s deadline.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type acquireRequest struct {
	SessionID string `json:"session_id"`
	HookName  string `json:"hook_name"`
	Plugin    string `json:"plugin_name,omitempty"`
	PID       int    `json:"pid"`
}

type acquireResponse struct {
	Granted    bool `json:"granted"`
	SlotID     int  `json:"slot_id"`
	InUseCount int  `json:"in_use_count"`
}

type releaseRequest struct {
	SlotID int `json:"slot_id"`
	PID    int `json:"pid"`
}

func (c *Client) tryAcquire(ctx context.Context, sessionID, hookName, pluginName string) (acquireResponse, error) {
	body, err := json.Marshal(acquireRequest{SessionID: sessionID, HookName: hookName, Plugin: pluginName, PID: os.Getpid()})
	if err != nil {
		return acquireResponse{}, fmt.Errorf("marshal acquire request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/acquire", bytes.NewReader(body))
	if err != nil {
		return acquireResponse{}, fmt.Errorf("build acquire request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return acquireResponse{}, fmt.Errorf("call acquire: %w", err)
	}
	defer resp.Body.Close()

	var out acquireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return acquireResponse{}, fmt.Errorf("decode acquire response: %w", err)
	}
	return out, nil
}

func (c *Client) release(ctx context.Context, slotID int) error {
	body, err := json.Marshal(releaseRequest{SlotID: slotID, PID: os.Getpid()})
	if err != nil {
		return fmt.Errorf("marshal release request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/release", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call release: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// AcquireGlobalSlot acquires a slot, blocking up to maxWait (0 meaning wait
// indefinitely). Falls back to a local file lock if the daemon is
// unreachable at any point during the attempt.
func (c *Client) AcquireGlobalSlot(ctx context.Context, sessionID, hookName, pluginName string, maxWait time.Duration) (*Handle, error) {
	deadline, hasDeadline := time.Time{}, false
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
		hasDeadline = true
	}

	if !c.Healthy(ctx) {
		return c.acquireLocal(ctx, hookName, pluginName, maxWait)
	}

	attempt := 0
	for {
		res, err := c.tryAcquire(ctx, sessionID, hookName, pluginName)
		if err != nil {
			c.logger.Warn("daemon acquire failed, falling back to local lock", "error", err)
			return c.acquireLocal(ctx, hookName, pluginName, remaining(deadline, hasDeadline))
		}
		if res.Granted {
			slotID := res.SlotID
			return &Handle{release: func() error {
				return c.release(context.Background(), slotID)
			}}, nil
		}

		if hasDeadline && time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire global slot: timed out waiting for %s/%s", pluginName, hookName)
		}

		wait := backoffSteps[min(attempt, len(backoffSteps)-1)]
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		attempt++

		if !c.Healthy(ctx) {
			c.logger.Warn("daemon health lost mid-acquire, falling back to local lock")
			return c.acquireLocal(ctx, hookName, pluginName, remaining(deadline, hasDeadline))
		}
	}
}

func remaining(deadline time.Time, has bool) time.Duration {
	if !has {
		return 0
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

// Holder describes one currently-held slot, as reported by the daemon's
// /status endpoint.
type Holder struct {
	SlotID    int
	SessionID string
	Hook      string
	Plugin    string
	PID       int
	HeldForMs int64
}

// StatusReport is the daemon's current occupancy, as reported by /status.
type StatusReport struct {
	Total     int
	Available int
	Holders   []Holder
}

type statusHolderWire struct {
	SlotID    int    `json:"slot_id"`
	SessionID string `json:"session_id"`
	Hook      string `json:"hook_name"`
	Plugin    string `json:"plugin_name,omitempty"`
	PID       int    `json:"pid"`
	HeldForMs int64  `json:"held_for_ms"`
}

type statusResponseWire struct {
	Total     int                `json:"total"`
	Available int                `json:"available"`
	Holders   []statusHolderWire `json:"holders"`
}

// Status fetches the daemon's current slot occupancy. Unlike
// AcquireGlobalSlot, Status has no local-lock fallback: it's a debugging
// view into the daemon itself, not a resource the caller needs to obtain.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return StatusReport{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusReport{}, fmt.Errorf("call status: %w", err)
	}
	defer resp.Body.Close()

	var wire statusResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return StatusReport{}, fmt.Errorf("decode status response: %w", err)
	}

	report := StatusReport{Total: wire.Total, Available: wire.Available, Holders: make([]Holder, 0, len(wire.Holders))}
	for _, h := range wire.Holders {
		report.Holders = append(report.Holders, Holder{
			SlotID: h.SlotID, SessionID: h.SessionID, Hook: h.Hook,
			Plugin: h.Plugin, PID: h.PID, HeldForMs: h.HeldForMs,
		})
	}
	return report, nil
}

// lockKey derives a stable filename for the (hookName, pluginName) pair.
func lockKey(hookName, pluginName string) string {
	sum := blake2b.Sum256([]byte(pluginName + "\x00" + hookName))
	return hex.EncodeToString(sum[:]) + ".lock"
}

func (c *Client) lockPath(hookName, pluginName string) (string, error) {
	if err := os.MkdirAll(c.lockDir, 0o750); err != nil {
		return "", fmt.Errorf("create lock directory: %w", err)
	}
	return filepath.Join(c.lockDir, lockKey(hookName, pluginName)), nil
}
