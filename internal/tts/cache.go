package tts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"bossbot/pkg/logx"
)

const cacheTTL = 24 * time.Hour

// cacheKey derives a stable name from everything that affects the audio.
func cacheKey(provider, text string, opt Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%g", provider, text, opt.Voice, opt.Lang, opt.Rate)
	return hex.EncodeToString(h.Sum(nil))
}

// audioCache stores synthesized clips on disk, with an in-memory TTL index
// deciding what is still fresh. Expired entries are removed from disk by the
// index's eviction hook, so the directory cannot grow without bound.
type audioCache struct {
	dir   string
	index *gocache.Cache
	log   logx.Logger
}

func newAudioCache(dir string, log logx.Logger) (*audioCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tts: cache dir: %w", err)
	}
	c := &audioCache{
		dir:   dir,
		index: gocache.New(cacheTTL, time.Hour),
		log:   log,
	}
	c.index.OnEvicted(func(key string, v any) {
		path, _ := v.(string)
		if path == "" {
			return
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("audio cache eviction failed", logx.String("path", path), logx.Err(err))
		}
	})
	c.sweepOrphans()
	return c, nil
}

// sweepOrphans drops files left over from a previous run; they have no index
// entry, so their age is unknown and they are treated as stale.
func (c *audioCache) sweepOrphans() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".mp3" {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("audio cache swept", logx.Int("removed", removed))
	}
}

// get returns the cached clip path. Expiry stays anchored to when the clip
// was written; a hit does not extend it, so even hot clips are resynthesized
// daily rather than pinned forever.
func (c *audioCache) get(key string) (string, bool) {
	v, ok := c.index.Get(key)
	if !ok {
		return "", false
	}
	path, _ := v.(string)
	if _, err := os.Stat(path); err != nil {
		c.index.Delete(key)
		return "", false
	}
	return path, true
}

// put writes the clip to disk and indexes it.
func (c *audioCache) put(key string, audio []byte) (string, error) {
	path := filepath.Join(c.dir, key+".mp3")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("tts: cache write: %w", err)
	}
	c.index.SetDefault(key, path)
	return path, nil
}
