// Package cyclecheck detects hash cycles: the oscillating file content left
// behind when two auto-fixers fight over the same files (A rewrites to X, B
// rewrites to Y, A rewrites back to X...).
package cyclecheck

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Origin identifies which task produced a snapshot. The zero value is the
// baseline snapshot recorded before any hook ran.
type Origin struct {
	Plugin    string
	Hook      string
	Directory string
}

func (o Origin) String() string {
	if o.Plugin == "" && o.Hook == "" {
		return "baseline"
	}
	return fmt.Sprintf("%s/%s", o.Plugin, o.Hook)
}

type snapshot struct {
	hash   string
	origin Origin
}

// Result is the outcome of a record call.
type Result struct {
	HasCycle bool
	Trace    []Origin // origins of every snapshot in the detected cycle, oldest first
}

// key identifies an independent history: a (directory, patterns) tuple.
type key string

func makeKey(directory string, patterns []string) key {
	return key(directory + "|" + strings.Join(patterns, ","))
}

// Detector tracks snapshot history per (directory, patterns) key.
type Detector struct {
	history map[key][]snapshot
}

// New creates an empty Detector.
func New() *Detector {
	return &Detector{history: make(map[key][]snapshot)}
}

// HashFiles combines a set of relative-path -> content-hash pairs into a
// single order-independent snapshot hash.
func HashFiles(files map[string]string) string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, _ := blake2b.New256(nil)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(files[k]))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum)
}

// Record appends a new snapshot for (directory, patterns) and reports whether
// it equals any prior snapshot other than the immediately preceding one.
// Adjacent equality (a no-op run) is not a cycle.
func (d *Detector) Record(directory string, patterns []string, hash string, origin Origin) Result {
	k := makeKey(directory, patterns)
	hist := d.history[k]

	snap := snapshot{hash: hash, origin: origin}

	if len(hist) > 0 {
		for i := 0; i < len(hist)-1; i++ {
			if hist[i].hash == hash {
				trace := make([]Origin, 0, len(hist)-i+1)
				for _, s := range hist[i:] {
					trace = append(trace, s.origin)
				}
				trace = append(trace, origin)
				d.history[k] = append(hist, snap)
				return Result{HasCycle: true, Trace: trace}
			}
		}
	}

	d.history[k] = append(hist, snap)
	return Result{HasCycle: false}
}

// Reset discards history for a (directory, patterns) key. The orchestrator
// does not call it; each wait-mode run starts from a fresh Detector.
func (d *Detector) Reset(directory string, patterns []string) {
	delete(d.history, makeKey(directory, patterns))
}
