package share

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/storage"
)

var (
	nonASCII    = regexp.MustCompile(`[^\x00-\x7F]+`)
	nonSlugChar = regexp.MustCompile(`[^\w-]`)
)

// SessionHash is the first six hex characters of the SHA-256 of id.
func SessionHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:6]
}

// SanitizeSlug strips everything that is not an ASCII word character or a
// hyphen.
func SanitizeSlug(s string) string {
	return nonSlugChar.ReplaceAllString(nonASCII.ReplaceAllString(s, ""), "")
}

// FirstUserQuery returns the text of the first user message in evs.
func FirstUserQuery(evs []events.Event) string {
	for _, ev := range evs {
		if ev.Type != events.TypeUserMessage {
			continue
		}
		p, err := ev.Decode()
		if err != nil {
			return ""
		}
		return p.(events.UserMessage).Text()
	}
	return ""
}

// slugFor derives the published slug for a session. Without a generator, or
// when generation yields nothing usable, the session id is the slug.
func (s *Service) slugFor(ctx context.Context, sessionID, query string, gen SlugGenerator) string {
	if gen == nil || query == "" {
		return sessionID
	}
	raw, err := gen.GenerateSlug(ctx, query)
	if err != nil {
		s.logger.Warn("share: slug generation failed", "session", sessionID, "err", err)
		return sessionID
	}
	slug := SanitizeSlug(raw)
	if slug == "" {
		return sessionID
	}
	return slug + "-" + SessionHash(sessionID)
}

func (s *Service) publish(ctx context.Context, doc []byte, meta *storage.Metadata, evs []events.Event, gen SlugGenerator) (string, error) {
	query := strings.TrimSpace(FirstUserQuery(evs))
	slug := s.slugFor(ctx, meta.ID, query, gen)
	return s.uploadDocument(ctx, doc, meta, slug, query)
}
