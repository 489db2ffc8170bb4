package share

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/storage"
)

type transcriptEntry struct {
	Role  string
	Title string
	Text  string
	Code  string
}

type transcript struct {
	Title   string
	ID      string
	Created string
	Tags    []string
	Entries []transcriptEntry
}

var transcriptTmpl = template.Must(template.New("transcript").Parse(`<html><body>
<h1>{{.Title}}</h1>
<p>Session <code>{{.ID}}</code>, created {{.Created}}{{if .Tags}}, tags: {{range $i, $t := .Tags}}{{if $i}}, {{end}}{{$t}}{{end}}{{end}}</p>
{{range .Entries}}<h2>{{.Role}}</h2>
{{if .Title}}<p><strong>{{.Title}}</strong></p>
{{end}}{{if .Text}}<p>{{.Text}}</p>
{{end}}{{if .Code}}<pre><code>{{.Code}}</code></pre>
{{end}}{{end}}</body></html>`))

// RenderMarkdown renders the key frames of evs as a Markdown transcript.
func RenderMarkdown(evs []events.Event, meta storage.Metadata) (string, error) {
	t := transcript{
		Title:   meta.Name,
		ID:      meta.ID,
		Created: meta.CreatedAt.UTC().Format(time.RFC3339),
		Tags:    meta.Tags,
	}
	if t.Title == "" {
		t.Title = meta.ID
	}
	for _, ev := range KeyFrames(evs) {
		entry, ok, err := transcriptFor(ev)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrRenderFailure, err)
		}
		if ok {
			t.Entries = append(t.Entries, entry)
		}
	}

	var buf bytes.Buffer
	if err := transcriptTmpl.Execute(&buf, t); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	md, err := htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	return md, nil
}

func transcriptFor(ev events.Event) (transcriptEntry, bool, error) {
	p, err := ev.Decode()
	if err != nil {
		return transcriptEntry{}, false, err
	}
	switch p := p.(type) {
	case events.UserMessage:
		return transcriptEntry{Role: "User", Text: p.Text()}, true, nil
	case events.AssistantMessage:
		if p.Content == "" {
			return transcriptEntry{}, false, nil
		}
		return transcriptEntry{Role: "Assistant", Text: p.Content}, true, nil
	case events.ThinkingMessage:
		return transcriptEntry{Role: "Thinking", Text: p.Content}, true, nil
	case events.ToolCall:
		return transcriptEntry{Role: "Tool call", Title: p.Name, Code: indentJSON(p.Arguments)}, true, nil
	case events.ToolResult:
		e := transcriptEntry{Role: "Tool result", Title: p.Name, Code: indentJSON(p.Content)}
		if p.Error != "" {
			e.Text = "Error: " + p.Error
		}
		return e, true, nil
	case events.FinalAnswer:
		return transcriptEntry{Role: "Answer", Text: p.Content}, true, nil
	case events.EnvironmentInput:
		return transcriptEntry{Role: "Environment", Title: p.Description, Text: p.Content}, true, nil
	case events.SystemNote:
		return transcriptEntry{Role: "System", Title: p.Level, Text: p.Message}, true, nil
	case events.RunEnd:
		if p.Error == "" {
			return transcriptEntry{}, false, nil
		}
		return transcriptEntry{Role: "Run " + p.Status, Text: p.Error}, true, nil
	}
	return transcriptEntry{}, false, nil
}

func indentJSON(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
