package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"bossbot/pkg/logx"
)

// Pipeline tries providers in order, starting at the active one, caches
// results on disk, and collapses concurrent requests for the same clip into
// one synthesis.
type Pipeline struct {
	providers []Provider
	cache     *audioCache
	log       logx.Logger
	group     singleflight.Group

	mu     sync.RWMutex
	active int
}

func NewPipeline(providers []Provider, cacheDir string, log logx.Logger) (*Pipeline, error) {
	if len(providers) == 0 {
		return nil, errors.New("tts: no providers configured")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cache, err := newAudioCache(cacheDir, log)
	if err != nil {
		return nil, err
	}
	return &Pipeline{providers: providers, cache: cache, log: log}, nil
}

// Providers lists the configured provider names in fallback order.
func (p *Pipeline) Providers() []string {
	names := make([]string, len(p.providers))
	for i, pr := range p.providers {
		names[i] = pr.Name()
	}
	return names
}

// Active returns the provider currently tried first.
func (p *Pipeline) Active() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.providers[p.active].Name()
}

// SetActive makes the named provider the first choice.
func (p *Pipeline) SetActive(name string) error {
	for i, pr := range p.providers {
		if pr.Name() == name {
			p.mu.Lock()
			p.active = i
			p.mu.Unlock()
			p.log.Info("tts provider switched", logx.String("provider", name))
			return nil
		}
	}
	return fmt.Errorf("tts: unknown provider %q", name)
}

// Synthesize returns the path of an audio file for text. A cache hit skips
// synthesis entirely; concurrent identical misses share one upstream call.
func (p *Pipeline) Synthesize(ctx context.Context, text string, opt Options) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	p.mu.RLock()
	start := p.active
	p.mu.RUnlock()

	// Keyed by the active provider: switching providers must not serve the
	// previous provider's voice from cache.
	key := cacheKey(p.providers[start].Name(), text, opt)
	if path, ok := p.cache.get(key); ok {
		return path, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.synthesizeFallback(ctx, start, text, opt)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// synthesizeFallback walks providers from start. Each provider's own cache
// slot is consulted first, so while the active provider is down a previously
// synthesized fallback clip keeps serving without another upstream call.
func (p *Pipeline) synthesizeFallback(ctx context.Context, start int, text string, opt Options) (string, error) {
	var lastErr error
	n := len(p.providers)
	for i := 0; i < n; i++ {
		pr := p.providers[(start+i)%n]
		if !pr.Available() {
			continue
		}
		key := cacheKey(pr.Name(), text, opt)
		if path, ok := p.cache.get(key); ok {
			return path, nil
		}
		audio, err := pr.Synthesize(ctx, text, opt)
		if err == nil {
			if i > 0 {
				p.log.Warn("tts fell back", logx.String("provider", pr.Name()))
			}
			return p.cache.put(key, audio)
		}
		lastErr = err
		p.log.Warn("tts provider failed", logx.String("provider", pr.Name()), logx.Err(err))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %w", ErrNoProvider, lastErr)
	}
	return "", ErrNoProvider
}
