package slotd

import (
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// staleHeartbeat is how long a holder may go without a heartbeat before its
// slot is reclaimable.
const staleHeartbeat = 30 * time.Minute

// holder is the metadata recorded for a slot currently in use.
type holder struct {
	SessionID     string
	Hook          string
	Plugin        string
	PID           int
	AcquiredAt    time.Time
	LastHeartbeat time.Time
}

// HolderInfo is the diagnostic view of a held slot, returned by Status.
type HolderInfo struct {
	SlotID     int
	SessionID  string
	Hook       string
	Plugin     string
	PID        int
	HeldForMs  int64
}

// Pool is the authoritative, single-threaded slot map. All operations are
// serialized by mu; N is expected to be small (2-16).
type Pool struct {
	mu      sync.Mutex
	n       int
	holders map[int]holder
	logger  *slog.Logger
	now     func() time.Time
	pidAlive func(pid int) bool
}

// NewPool creates a pool of N slots, numbered [0, N).
func NewPool(n int, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{
		n:        n,
		holders:  make(map[int]holder),
		logger:   logger,
		now:      time.Now,
		pidAlive: pidAlive,
	}
}

// pidAlive reports whether pid is an active process, using signal 0 as a
// liveness probe (it performs no action other than existence/permission
// checks).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// cleanupLocked evicts dead or stale holders. Caller must hold mu.
func (p *Pool) cleanupLocked() {
	now := p.now()
	for slot, h := range p.holders {
		if !p.pidAlive(h.PID) || now.Sub(h.LastHeartbeat) > staleHeartbeat {
			delete(p.holders, slot)
			if p.logger != nil {
				p.logger.Info("evicted stale slot holder", "slot", slot, "session_id", h.SessionID, "hook", h.Hook, "pid", h.PID)
			}
		}
	}
}

// Cleanup runs a cleanup pass. Exported so the periodic sweep can call it.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupLocked()
}

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	Granted    bool
	SlotID     int
	InUseCount int
}

// Acquire sweeps dead/stale holders, then grants the lowest-numbered free slot.
func (p *Pool) Acquire(sessionID, hook, plugin string, pid int) AcquireResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cleanupLocked()

	for slot := 0; slot < p.n; slot++ {
		if _, held := p.holders[slot]; held {
			continue
		}
		now := p.now()
		p.holders[slot] = holder{
			SessionID: sessionID, Hook: hook, Plugin: plugin, PID: pid,
			AcquiredAt: now, LastHeartbeat: now,
		}
		return AcquireResult{Granted: true, SlotID: slot, InUseCount: len(p.holders)}
	}

	return AcquireResult{Granted: false, SlotID: -1, InUseCount: len(p.holders)}
}

// ReleaseResult is the outcome of a Release call.
type ReleaseResult struct {
	Success bool
	Reason  string
}

// Release removes the holder of slotID only if pid matches the recorded holder.
func (p *Pool) Release(slotID, pid int) ReleaseResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.holders[slotID]
	if !ok {
		return ReleaseResult{Success: false, Reason: "slot not held"}
	}
	if h.PID != pid {
		return ReleaseResult{Success: false, Reason: "pid mismatch"}
	}
	delete(p.holders, slotID)
	return ReleaseResult{Success: true}
}

// Heartbeat updates last_heartbeat for the matching holder. Returns false if
// the slot isn't held by pid.
func (p *Pool) Heartbeat(slotID, pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.holders[slotID]
	if !ok || h.PID != pid {
		return false
	}
	h.LastHeartbeat = p.now()
	p.holders[slotID] = h
	return true
}

// Status returns the total slot count, the number currently available, and
// diagnostic info for every held slot.
func (p *Pool) Status() (total, available int, held []HolderInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cleanupLocked()

	now := p.now()
	held = make([]HolderInfo, 0, len(p.holders))
	for slot, h := range p.holders {
		held = append(held, HolderInfo{
			SlotID:    slot,
			SessionID: h.SessionID,
			Hook:      h.Hook,
			Plugin:    h.Plugin,
			PID:       h.PID,
			HeldForMs: now.Sub(h.AcquiredAt).Milliseconds(),
		})
	}
	return p.n, p.n - len(p.holders), held
}
