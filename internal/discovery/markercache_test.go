package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMarkerCacheMemoizesWalk(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pkg-a")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "package.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := NewMarkerCache(root, nil)
	if err != nil {
		t.Fatalf("NewMarkerCache: %v", err)
	}
	defer c.Close()

	if _, ok := c.Get([]string{"package.json"}); ok {
		t.Fatal("expected empty cache before first Put")
	}

	dirs, err := candidateDirectoriesCached(root, []string{"package.json"}, c)
	if err != nil {
		t.Fatalf("candidateDirectoriesCached: %v", err)
	}
	if len(dirs) != 1 || dirs[0] != sub {
		t.Fatalf("dirs = %v, want [%s]", dirs, sub)
	}

	cached, ok := c.Get([]string{"package.json"})
	if !ok {
		t.Fatal("expected a cache hit after the first walk")
	}
	if len(cached) != 1 || cached[0] != sub {
		t.Fatalf("cached = %v, want [%s]", cached, sub)
	}
}

func TestMarkerCacheInvalidatesOnFilesystemChange(t *testing.T) {
	root := t.TempDir()
	c, err := NewMarkerCache(root, nil)
	if err != nil {
		t.Fatalf("NewMarkerCache: %v", err)
	}
	defer c.Close()

	c.Put([]string{"package.json"}, []string{"stale"})

	newDir := filepath.Join(root, "new-pkg")
	if err := os.Mkdir(newDir, 0o755); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get([]string{"package.json"}); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected cache to be invalidated after a filesystem change")
}

func TestMarkerKeyIgnoresOrder(t *testing.T) {
	a := markerKey([]string{"b", "a"})
	b := markerKey([]string{"a", "b"})
	if a != b {
		t.Errorf("markerKey order-dependent: %q vs %q", a, b)
	}
}
