// Package tts synthesizes short speech clips, with provider fallback and a
// bounded on-disk cache.
package tts

import (
	"context"
	"errors"
)

// Options tune a synthesis request. Zero values mean provider defaults.
type Options struct {
	Voice string
	Lang  string
	Rate  float64 // speaking rate multiplier, 0 = default
}

// Provider turns text into encoded audio bytes (MP3).
type Provider interface {
	Name() string
	// Available reports whether the provider is currently usable (configured,
	// not rate-banned). Unavailable providers are skipped without an attempt.
	Available() bool
	Synthesize(ctx context.Context, text string, opt Options) ([]byte, error)
}

var (
	// ErrNoProvider means every configured provider failed or was unavailable.
	ErrNoProvider = errors.New("tts: no provider could synthesize")
	// ErrEmptyText rejects blank requests before touching any provider.
	ErrEmptyText = errors.New("tts: empty text")
)
