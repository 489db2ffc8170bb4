package share

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/storage"
)

var (
	scriptTag     = regexp.MustCompile(`(?is)<script\b([^>]*)\bsrc=["']([^"']+)["']([^>]*)>\s*</script>`)
	stylesheetTag = regexp.MustCompile(`(?i)<link\b[^>]*\brel=["']stylesheet["'][^>]*>`)
	hrefAttr      = regexp.MustCompile(`(?i)\bhref=["']([^"']+)["']`)
	moduleAttr    = regexp.MustCompile(`(?i)\btype=["']module["']`)
	headClose     = regexp.MustCompile(`(?i)</head>`)
	bodyOpen      = regexp.MustCompile(`(?i)<body\b`)
)

// Render builds the standalone replay document for evs from the UI bundle in
// staticPath. Local scripts and stylesheets are inlined and the session,
// events and version info are injected as globals. Output depends only on
// the inputs and the bundle's contents.
func Render(evs []events.Event, meta storage.Metadata, staticPath string, info *ServerInfo) ([]byte, error) {
	if staticPath == "" {
		return nil, fmt.Errorf("%w: static path not configured", ErrRenderFailure)
	}
	page, err := os.ReadFile(filepath.Join(staticPath, "index.html"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	html := inlineAssets(string(page), staticPath)

	globals, err := replayGlobals(evs, meta, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	return []byte(inject(html, globals)), nil
}

func replayGlobals(evs []events.Event, meta storage.Metadata, info *ServerInfo) (string, error) {
	if evs == nil {
		evs = []events.Event{}
	}
	sessionJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	eventsJSON, err := json.Marshal(evs)
	if err != nil {
		return "", err
	}
	infoJSON := []byte("null")
	if info != nil {
		if infoJSON, err = json.Marshal(info); err != nil {
			return "", err
		}
	}
	var b bytes.Buffer
	b.WriteString("<script>\n")
	b.WriteString("window.AGENT_RELAY_REPLAY_MODE = true;\n")
	fmt.Fprintf(&b, "window.AGENT_RELAY_SESSION_DATA = %s;\n", sessionJSON)
	fmt.Fprintf(&b, "window.AGENT_RELAY_EVENT_STREAM = %s;\n", eventsJSON)
	fmt.Fprintf(&b, "window.AGENT_RELAY_VERSION_INFO = %s;\n", infoJSON)
	b.WriteString("</script>\n")
	return b.String(), nil
}

func inject(html, snippet string) string {
	if loc := headClose.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + snippet + html[loc[0]:]
	}
	if loc := bodyOpen.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + snippet + html[loc[0]:]
	}
	return snippet + html
}

func inlineAssets(html, staticPath string) string {
	html = scriptTag.ReplaceAllStringFunc(html, func(tag string) string {
		m := scriptTag.FindStringSubmatch(tag)
		data, ok := readAsset(staticPath, m[2])
		if !ok {
			return tag
		}
		open := "<script>"
		if moduleAttr.MatchString(m[1] + m[3]) {
			open = `<script type="module">`
		}
		return open + escapeClosing(string(data), "</script") + "</script>"
	})
	return stylesheetTag.ReplaceAllStringFunc(html, func(tag string) string {
		m := hrefAttr.FindStringSubmatch(tag)
		if m == nil {
			return tag
		}
		data, ok := readAsset(staticPath, m[1])
		if !ok {
			return tag
		}
		return "<style>" + escapeClosing(string(data), "</style") + "</style>"
	})
}

// readAsset loads a bundle-relative asset. Remote and inline references are
// left alone.
func readAsset(staticPath, ref string) ([]byte, bool) {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http:") || strings.HasPrefix(lower, "https:") ||
		strings.HasPrefix(ref, "//") || strings.HasPrefix(lower, "data:") {
		return nil, false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	rel := filepath.FromSlash(strings.TrimPrefix(strings.TrimPrefix(ref, "./"), "/"))
	path := filepath.Join(staticPath, rel)
	if r, err := filepath.Rel(staticPath, path); err != nil || strings.HasPrefix(r, "..") {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func escapeClosing(content, closing string) string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(closing))
	return re.ReplaceAllStringFunc(content, func(s string) string {
		return s[:1] + `\/` + s[2:]
	})
}
