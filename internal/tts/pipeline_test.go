package tts

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"bossbot/pkg/logx"
)

type fakeProvider struct {
	name      string
	available bool
	err       error
	audio     []byte
	calls     atomic.Int64
	block     chan struct{} // if set, Synthesize waits until closed
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return f.available }

func (f *fakeProvider) Synthesize(ctx context.Context, text string, opt Options) ([]byte, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

func newPipeline(t *testing.T, providers ...Provider) *Pipeline {
	t.Helper()
	p, err := NewPipeline(providers, t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestSynthesizeCachesClip(t *testing.T) {
	f := &fakeProvider{name: "a", available: true, audio: []byte("AUDIO")}
	p := newPipeline(t, f)
	ctx := context.Background()

	path1, err := p.Synthesize(ctx, "hello", Options{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, err := os.ReadFile(path1)
	if err != nil || string(data) != "AUDIO" {
		t.Fatalf("clip contents: %q %v", data, err)
	}

	path2, err := p.Synthesize(ctx, "hello", Options{})
	if err != nil {
		t.Fatalf("second synthesize: %v", err)
	}
	if path2 != path1 {
		t.Fatalf("cache miss: %s != %s", path2, path1)
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
}

func TestSynthesizeDistinctOptionsMiss(t *testing.T) {
	f := &fakeProvider{name: "a", available: true, audio: []byte("AUDIO")}
	p := newPipeline(t, f)
	ctx := context.Background()

	if _, err := p.Synthesize(ctx, "hello", Options{Voice: "x"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if _, err := p.Synthesize(ctx, "hello", Options{Voice: "y"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("provider called %d times, want 2", n)
	}
}

func TestSynthesizeFallsBack(t *testing.T) {
	a := &fakeProvider{name: "a", available: true, err: errors.New("boom")}
	b := &fakeProvider{name: "b", available: true, audio: []byte("B")}
	p := newPipeline(t, a, b)

	path, err := p.Synthesize(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "B" {
		t.Fatalf("clip = %q, want fallback output", data)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("calls a=%d b=%d", a.calls.Load(), b.calls.Load())
	}
}

func TestFallbackClipServedFromCache(t *testing.T) {
	a := &fakeProvider{name: "a", available: true, err: errors.New("boom")}
	b := &fakeProvider{name: "b", available: true, audio: []byte("B")}
	p := newPipeline(t, a, b)
	ctx := context.Background()

	if _, err := p.Synthesize(ctx, "hello", Options{}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if _, err := p.Synthesize(ctx, "hello", Options{}); err != nil {
		t.Fatalf("second synthesize: %v", err)
	}
	// The primary is retried each time, but the fallback clip is reused.
	if n := b.calls.Load(); n != 1 {
		t.Fatalf("fallback called %d times, want 1", n)
	}
}

func TestSynthesizeSkipsUnavailable(t *testing.T) {
	a := &fakeProvider{name: "a", available: false, audio: []byte("A")}
	b := &fakeProvider{name: "b", available: true, audio: []byte("B")}
	p := newPipeline(t, a, b)

	path, err := p.Synthesize(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "B" {
		t.Fatalf("clip = %q", data)
	}
	if a.calls.Load() != 0 {
		t.Fatal("unavailable provider was attempted")
	}
}

func TestSynthesizeAllFail(t *testing.T) {
	a := &fakeProvider{name: "a", available: true, err: errors.New("boom")}
	b := &fakeProvider{name: "b", available: false}
	p := newPipeline(t, a, b)

	_, err := p.Synthesize(context.Background(), "hello", Options{})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	p := newPipeline(t, &fakeProvider{name: "a", available: true, audio: []byte("A")})
	if _, err := p.Synthesize(context.Background(), "", Options{}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
}

func TestSetActiveReordersFallback(t *testing.T) {
	a := &fakeProvider{name: "a", available: true, audio: []byte("A")}
	b := &fakeProvider{name: "b", available: true, audio: []byte("B")}
	p := newPipeline(t, a, b)

	if got := p.Active(); got != "a" {
		t.Fatalf("active = %q, want a", got)
	}
	if err := p.SetActive("b"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	path, err := p.Synthesize(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "B" {
		t.Fatalf("clip = %q, want active provider output", data)
	}
	if err := p.SetActive("nope"); err == nil {
		t.Fatal("want error for unknown provider")
	}
}

func TestConcurrentSynthesisCollapses(t *testing.T) {
	block := make(chan struct{})
	f := &fakeProvider{name: "a", available: true, audio: []byte("A"), block: block}
	p := newPipeline(t, f)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = p.Synthesize(ctx, "same text", Options{})
		}(i)
	}
	// Let the goroutines pile onto the in-flight call, then release it.
	close(block)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("synthesize %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("divergent paths: %s vs %s", paths[i], paths[0])
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
}
