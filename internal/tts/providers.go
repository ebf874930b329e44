package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const maxClipBytes = 4 << 20

func fetchAudio(ctx context.Context, client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: upstream status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts: upstream returned empty body")
	}
	return audio, nil
}

// ResponsiveVoice fetches clips from the ResponsiveVoice HTTP endpoint.
type ResponsiveVoice struct {
	Key    string
	Client *http.Client
}

func NewResponsiveVoice(key string) *ResponsiveVoice {
	return &ResponsiveVoice{Key: key, Client: &http.Client{Timeout: 15 * time.Second}}
}

func (p *ResponsiveVoice) Name() string    { return "responsivevoice" }
func (p *ResponsiveVoice) Available() bool { return p.Key != "" }

func (p *ResponsiveVoice) Synthesize(ctx context.Context, text string, opt Options) ([]byte, error) {
	voice := opt.Voice
	if voice == "" {
		voice = "Korean Female"
	}
	rate := opt.Rate
	if rate <= 0 {
		rate = 0.5
	}
	q := url.Values{}
	q.Set("t", text)
	q.Set("tl", voice)
	q.Set("sv", "g1")
	q.Set("vn", "")
	q.Set("pitch", "0.5")
	q.Set("rate", strconv.FormatFloat(rate, 'f', -1, 64))
	q.Set("vol", "1")
	q.Set("gender", "female")
	q.Set("key", p.Key)

	u := "https://texttospeech.responsivevoice.org/v1/text:synthesize?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return fetchAudio(ctx, p.Client, req)
}

// GoogleTranslate fetches clips from the public translate_tts endpoint. It is
// keyless but limited to ~200 characters, so it serves as the fallback.
type GoogleTranslate struct {
	Client *http.Client
}

func NewGoogleTranslate() *GoogleTranslate {
	return &GoogleTranslate{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (p *GoogleTranslate) Name() string    { return "gtranslate" }
func (p *GoogleTranslate) Available() bool { return true }

func (p *GoogleTranslate) Synthesize(ctx context.Context, text string, opt Options) ([]byte, error) {
	if len([]rune(text)) > 200 {
		text = string([]rune(text)[:200])
	}
	lang := opt.Lang
	if lang == "" {
		lang = "ko"
	}
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", text)
	q.Set("tl", lang)
	q.Set("client", "tw-ob")

	u := "https://translate.google.com/translate_tts?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	return fetchAudio(ctx, p.Client, req)
}
