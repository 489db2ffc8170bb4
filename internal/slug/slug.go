// Package slug generates short human-readable slugs for published sessions.
package slug

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/share"
)

const (
	maxSlugLen  = 60
	maxQueryLen = 1000
	maxTokens   = 32
)

const prompt = "Summarize the following request as a short kebab-case slug of three to five " +
	"lowercase English words. Reply with the slug only.\n\nRequest:\n"

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize lowercases s, joins its words with hyphens and caps the result
// at 60 characters without cutting a word when it can avoid it.
func Normalize(s string) string {
	s = strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) <= maxSlugLen {
		return s
	}
	cut := s[:maxSlugLen]
	if i := strings.LastIndexByte(cut, '-'); i > 0 {
		cut = cut[:i]
	}
	return strings.Trim(cut, "-")
}

// clip trims text to at most maxQueryLen bytes without splitting a rune.
func clip(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxQueryLen {
		return text
	}
	cut := maxQueryLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// New returns the generator named by cfg.Provider. An empty provider yields
// nil, which makes the exporter fall back to session ids.
func New(cfg config.SlugConfig) (share.SlugGenerator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "heuristic":
		return Heuristic{}, nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	}
	return nil, fmt.Errorf("unknown slug provider %q", cfg.Provider)
}
