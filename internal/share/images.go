package share

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zsprackett/agent-relay/internal/events"
)

const imageExt = `(?:jpg|jpeg|png|gif|webp|svg)`

// Each matcher captures the referenced path, as written, in group 1.
var imageMatchers = []*regexp.Regexp{
	// ![alt](./path.png)
	regexp.MustCompile(`(?i)!\[[^\]]*\]\((\./[^)]+\.` + imageExt + `)\)`),
	// ![alt](path.png)
	regexp.MustCompile(`(?i)!\[[^\]]*\]\(([^/)][^)]*\.` + imageExt + `)\)`),
	// <img src="./path.png">
	regexp.MustCompile(`(?i)<img[^>]+src=["'](\./[^"']+\.` + imageExt + `)["'][^>]*>`),
	// <img src="path.png">
	regexp.MustCompile(`(?i)<img[^>]+src=["']([^/"'][^"']*\.` + imageExt + `)["'][^>]*>`),
	// ./path.png on its own
	regexp.MustCompile(`(?i)(?:^|\s)(\./[^\s]+\.` + imageExt + `)(?:\s|$)`),
	// path.png on its own
	regexp.MustCompile(`(?i)(?:^|\s)([^/\s][^\s]*\.` + imageExt + `)(?:\s|$)`),
}

var imageMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

// ImageReference is one local image mentioned in text.
type ImageReference struct {
	// Match is the full matched text.
	Match string
	// Raw is the path as written inside Match.
	Raw string
	// Path is Raw relative to the working directory, without a leading "./".
	Path string
}

// FindImageReferences returns the local image references in content, in
// matcher order. Remote (http*) and inline (data:) references are skipped,
// as are duplicates of an identical match.
func FindImageReferences(content string) []ImageReference {
	var refs []ImageReference
	seen := make(map[[2]string]bool)
	for _, re := range imageMatchers {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			raw := m[1]
			if strings.HasPrefix(raw, "http") || strings.HasPrefix(raw, "data:") {
				continue
			}
			key := [2]string{m[0], raw}
			if seen[key] {
				continue
			}
			seen[key] = true
			refs = append(refs, ImageReference{
				Match: m[0],
				Raw:   raw,
				Path:  strings.TrimPrefix(raw, "./"),
			})
		}
	}
	return refs
}

// IsImagePath reports whether path has a supported image extension.
func IsImagePath(path string) bool {
	_, ok := imageMIME[strings.ToLower(filepath.Ext(path))]
	return ok
}

func mimeType(path string) string {
	if t, ok := imageMIME[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "application/octet-stream"
}

// Workspace gives the exporter read access to a session's files.
type Workspace interface {
	IsImage(path string) bool
	ReadFile(path string) ([]byte, error)
}

// OSWorkspace reads from the local filesystem.
type OSWorkspace struct{}

func (OSWorkspace) IsImage(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && IsImagePath(path)
}

func (OSWorkspace) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// rewriteImages uploads the local images referenced by write_file tool calls
// and points the references at the hosted copies. frames is not modified.
func (s *Service) rewriteImages(ctx context.Context, sessionID string, frames []events.Event, workDir string) []events.Event {
	out := make([]events.Event, len(frames))
	copy(out, frames)
	uploaded := make(map[string]string)
	for i, ev := range out {
		if ev.Type != events.TypeToolCall {
			continue
		}
		p, err := ev.Decode()
		if err != nil {
			s.logger.Warn("share: undecodable tool call", "session", sessionID, "seq", ev.Seq, "err", err)
			continue
		}
		call := p.(events.ToolCall)
		if call.Name != "write_file" {
			continue
		}
		content, ok := call.Arguments["content"].(string)
		if !ok || content == "" {
			continue
		}
		rewritten := s.rewriteContent(ctx, sessionID, content, workDir, uploaded)
		if rewritten == content {
			continue
		}
		args := make(map[string]any, len(call.Arguments))
		for k, v := range call.Arguments {
			args[k] = v
		}
		args["content"] = rewritten
		call.Arguments = args
		updated, err := ev.WithPayload(call)
		if err != nil {
			s.logger.Warn("share: re-encode tool call", "session", sessionID, "seq", ev.Seq, "err", err)
			continue
		}
		out[i] = updated
	}
	return out
}

// rewriteContent replaces each uploadable reference in content. uploaded maps
// a relative path to its hosted URL, or "" after a failed attempt, so each
// path is uploaded at most once per export.
func (s *Service) rewriteContent(ctx context.Context, sessionID, content, workDir string, uploaded map[string]string) string {
	for _, ref := range FindImageReferences(content) {
		url, tried := uploaded[ref.Path]
		if !tried {
			var err error
			url, err = s.uploadLocal(ctx, workDir, ref.Path)
			if err != nil {
				s.logger.Warn("share: image upload failed", "session", sessionID, "path", ref.Path, "err", err)
			}
			uploaded[ref.Path] = url
		}
		if url == "" {
			continue
		}
		content = strings.ReplaceAll(content, ref.Match, strings.Replace(ref.Match, ref.Raw, url, 1))
	}
	return content
}

func (s *Service) uploadLocal(ctx context.Context, workDir, rel string) (string, error) {
	abs := filepath.Join(workDir, filepath.FromSlash(rel))
	if r, err := filepath.Rel(workDir, abs); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the working directory", rel)
	}
	if !s.workspace.IsImage(abs) {
		return "", fmt.Errorf("%s is not an image file", rel)
	}
	data, err := s.workspace.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return s.uploadImage(ctx, data, filepath.Base(abs), rel)
}
