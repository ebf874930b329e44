package tts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bossbot/pkg/logx"
)

func TestCacheHitKeepsExpiry(t *testing.T) {
	c, err := newAudioCache(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	key := cacheKey("fake", "hello", Options{Lang: "ko"})
	if _, err := c.put(key, []byte("mp3")); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, before, ok := c.index.GetWithExpiration(key)
	if !ok {
		t.Fatal("entry missing after put")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get(key); !ok {
		t.Fatal("want hit")
	}
	_, after, ok := c.index.GetWithExpiration(key)
	if !ok {
		t.Fatal("entry gone after hit")
	}
	// A hit must not push the clip's expiry out; age counts from put.
	if !after.Equal(before) {
		t.Fatalf("expiry moved on hit: %v -> %v", before, after)
	}
}

func TestCacheDropsEntryWhenFileRemoved(t *testing.T) {
	dir := t.TempDir()
	c, err := newAudioCache(dir, logx.Nop())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	key := cacheKey("fake", "hello", Options{Lang: "ko"})
	path, err := c.put(key, []byte("mp3"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := c.get(key); ok {
		t.Fatal("want miss after file removal")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, filepath.Base(e.Name()))
		}
		t.Fatalf("leftover files: %v", names)
	}
}
