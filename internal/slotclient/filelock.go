package slotclient

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// localLockPollInterval is how often a blocked local-lock attempt retries.
const localLockPollInterval = 100 * time.Millisecond

// acquireLocal grants the one slot per (hookName, pluginName) that the local
// fallback offers: an advisory exclusive flock on a well-known file. maxWait
// of 0 means wait indefinitely.
func (c *Client) acquireLocal(ctx context.Context, hookName, pluginName string, maxWait time.Duration) (*Handle, error) {
	path, err := c.lockPath(hookName, pluginName)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	var deadline time.Time
	hasDeadline := maxWait > 0
	if hasDeadline {
		deadline = time.Now().Add(maxWait)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			c.logger.Debug("acquired local fallback lock", "path", path)
			return &Handle{release: func() error {
				defer f.Close()
				if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
					return fmt.Errorf("unlock %s: %w", path, err)
				}
				return nil
			}}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		if hasDeadline && time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("acquire local lock for %s/%s: timed out", pluginName, hookName)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(localLockPollInterval):
		}
	}
}
