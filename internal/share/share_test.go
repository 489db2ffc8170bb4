package share_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/share"
	"github.com/zsprackett/agent-relay/internal/storage"
)

const indexHTML = `<!doctype html>
<html>
<head>
<title>replay</title>
<link rel="stylesheet" href="./assets/app.css">
<script type="module" src="/assets/app.js"></script>
</head>
<body><div id="root"></div></body>
</html>
`

func writeStatic(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(indexHTML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte(`console.log("</script>")`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.css"), []byte(`body{margin:0}`), 0o644))
	return dir
}

func mustEvent(t *testing.T, seq int64, p events.Payload) events.Event {
	t.Helper()
	ev, err := events.New(p)
	require.NoError(t, err)
	ev.Seq = seq
	ev.ID = "ev-" + string(rune('a'+seq))
	ev.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return ev
}

// seedSession stores a session whose write_file calls reference ./shot.png.
func seedSession(t *testing.T, workDir string) storage.Provider {
	t.Helper()
	ctx := context.Background()
	p := storage.NewMemory()
	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.CreateSession(ctx, storage.Metadata{
		ID:               "s1",
		WorkingDirectory: workDir,
		Name:             "swift-fox",
		Tags:             []string{"demo"},
	}))
	evs := []events.Event{
		mustEvent(t, 1, events.UserMessage{Content: "draw a fox"}),
		mustEvent(t, 2, events.StreamingMessage{Content: "partial-delta"}),
		mustEvent(t, 3, events.ToolCall{ToolCallID: "c1", Name: "write_file", Arguments: map[string]any{
			"path":    "report.md",
			"content": "# Fox\n![shot](./shot.png)\n",
		}}),
		mustEvent(t, 4, events.ToolCall{ToolCallID: "c2", Name: "write_file", Arguments: map[string]any{
			"path":    "again.md",
			"content": "<img src=\"./shot.png\">",
		}}),
		mustEvent(t, 5, events.FinalAnswer{Content: "done"}),
	}
	for _, ev := range evs {
		require.NoError(t, p.SaveEvent(ctx, "s1", ev))
	}
	return p
}

func writeImage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shot.png"), []byte("\x89PNG fake"), 0o644))
	return dir
}

type fakeProvider struct {
	imageStatus int

	mu       sync.Mutex
	images   atomic.Int32
	document string
	fields   map[string]string
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/storage", func(w http.ResponseWriter, r *http.Request) {
		f.images.Add(1)
		if f.imageStatus != 0 {
			http.Error(w, "nope", f.imageStatus)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse image form: %v", err)
		}
		assert.Equal(t, "image", r.FormValue("type"))
		assert.Equal(t, "shot.png", r.FormValue("originalPath"))
		io.WriteString(w, `{"url":"http://raw.example.com/shot.png","cdnUrl":"http://cdn.example.com/img/shot.png"}`)
	})
	mux.HandleFunc("POST /api/share", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			t.Errorf("parse share form: %v", err)
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("share form file: %v", err)
			return
		}
		defer file.Close()
		doc, _ := io.ReadAll(file)
		f.mu.Lock()
		f.document = string(doc)
		f.fields = map[string]string{
			"filename":  hdr.Filename,
			"sessionId": r.FormValue("sessionId"),
			"slug":      r.FormValue("slug"),
			"query":     r.FormValue("query"),
			"tags":      r.FormValue("tags"),
		}
		f.mu.Unlock()
		io.WriteString(w, `{"url":"http://share.example.com/s/abc"}`)
	})
	return mux
}

type fixedSlug string

func (s fixedSlug) GenerateSlug(ctx context.Context, text string) (string, error) {
	return string(s), nil
}

func TestShareSession_UploadsImagesAndPublishes(t *testing.T) {
	fake := &fakeProvider{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	svc := share.New(share.Config{
		ProviderURL: srv.URL + "/api/share",
		StaticPath:  writeStatic(t),
	}, seedSession(t, writeImage(t)))

	res := svc.ShareSession(context.Background(), "s1", true, fixedSlug("Fox Drawing!"), &share.ServerInfo{Version: "1.0.0"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "https://share.example.com/s/abc", res.URL)
	assert.Empty(t, res.HTML)
	assert.Equal(t, int32(1), fake.images.Load(), "each image is uploaded once per export")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.document, "https://cdn.example.com/img/shot.png")
	assert.NotContains(t, fake.document, "./shot.png")
	assert.NotContains(t, fake.document, "partial-delta")
	assert.Equal(t, "s1.html", fake.fields["filename"])
	assert.Equal(t, "s1", fake.fields["sessionId"])
	assert.Equal(t, "FoxDrawing-"+share.SessionHash("s1"), fake.fields["slug"])
	assert.Equal(t, "draw a fox", fake.fields["query"])
	assert.Equal(t, `["demo"]`, fake.fields["tags"])
}

func TestShareSession_ImageFailureKeepsLocalPath(t *testing.T) {
	fake := &fakeProvider{imageStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	svc := share.New(share.Config{
		ProviderURL: srv.URL + "/api/share",
		StaticPath:  writeStatic(t),
	}, seedSession(t, writeImage(t)))

	res := svc.ShareSession(context.Background(), "s1", true, nil, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(1), fake.images.Load(), "failed uploads are not retried within an export")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.document, "./shot.png")
	assert.Equal(t, "s1", fake.fields["slug"], "no generator falls back to the session id")
}

func TestShareSession_WithoutUploadReturnsHTML(t *testing.T) {
	svc := share.New(share.Config{StaticPath: writeStatic(t)}, seedSession(t, writeImage(t)))

	res := svc.ShareSession(context.Background(), "s1", true, nil, nil)
	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.URL)
	assert.Contains(t, res.HTML, "window.AGENT_RELAY_EVENT_STREAM")
	assert.Contains(t, res.HTML, "./shot.png")
	assert.NotContains(t, res.HTML, "partial-delta")
}

func TestShareSession_NoStorage(t *testing.T) {
	svc := share.New(share.Config{StaticPath: writeStatic(t)}, nil)
	res := svc.ShareSession(context.Background(), "s1", false, nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, "Storage not configured, cannot share session", res.Error)
	assert.ErrorIs(t, res.Err, share.ErrStorageNotConfigured)
}

func TestShareSession_UnknownSession(t *testing.T) {
	svc := share.New(share.Config{StaticPath: writeStatic(t)}, seedSession(t, t.TempDir()))
	res := svc.ShareSession(context.Background(), "missing", false, nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, "Session not found", res.Error)
}

func TestShareSession_MissingStaticBundle(t *testing.T) {
	svc := share.New(share.Config{StaticPath: filepath.Join(t.TempDir(), "nope")}, seedSession(t, t.TempDir()))
	res := svc.ShareSession(context.Background(), "s1", false, nil, nil)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, share.ErrRenderFailure))
}

func TestShareSession_IgnoresCallerCancellation(t *testing.T) {
	svc := share.New(share.Config{StaticPath: writeStatic(t)}, seedSession(t, t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := svc.ShareSession(ctx, "s1", false, nil, nil)
	assert.True(t, res.Success, res.Error)
}

func TestRender_InlinesAssetsAndIsDeterministic(t *testing.T) {
	static := writeStatic(t)
	evs := []events.Event{
		mustEvent(t, 1, events.UserMessage{Content: "hello"}),
		mustEvent(t, 2, events.FinalAnswer{Content: "hi"}),
	}
	meta := storage.Metadata{ID: "s1", Name: "swift-fox", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	info := &share.ServerInfo{Version: "1.2.3"}

	first, err := share.Render(evs, meta, static, info)
	require.NoError(t, err)
	second, err := share.Render(evs, meta, static, info)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	doc := string(first)
	assert.Contains(t, doc, `<script type="module">console.log("<\/script>")</script>`)
	assert.Contains(t, doc, `<style>body{margin:0}</style>`)
	assert.NotContains(t, doc, `src="/assets/app.js"`)
	assert.Contains(t, doc, `window.AGENT_RELAY_VERSION_INFO = {"version":"1.2.3"};`)

	globals := strings.Index(doc, "window.AGENT_RELAY_REPLAY_MODE")
	head := strings.Index(doc, "</head>")
	require.GreaterOrEqual(t, globals, 0)
	assert.Less(t, globals, head)
}

func TestRender_NoStaticPath(t *testing.T) {
	_, err := share.Render(nil, storage.Metadata{ID: "s1"}, "", nil)
	assert.ErrorIs(t, err, share.ErrRenderFailure)
}

func TestRenderMarkdown(t *testing.T) {
	evs := []events.Event{
		mustEvent(t, 1, events.UserMessage{Content: "draw a fox"}),
		mustEvent(t, 2, events.StreamingMessage{Content: "partial-delta"}),
		mustEvent(t, 3, events.FinalAnswer{Content: "here is the fox"}),
	}
	md, err := share.RenderMarkdown(evs, storage.Metadata{ID: "s1", Name: "swift-fox"})
	require.NoError(t, err)
	assert.Contains(t, md, "# swift-fox")
	assert.Contains(t, md, "draw a fox")
	assert.Contains(t, md, "here is the fox")
	assert.NotContains(t, md, "partial-delta")
}

func TestFindImageReferences(t *testing.T) {
	cases := []struct {
		name    string
		content string
		paths   []string
	}{
		{"markdown relative", "![shot](./a.png)", []string{"a.png"}},
		{"markdown bare", "![x](b.jpg)", []string{"b.jpg"}},
		{"html relative", `<img src="./b.PNG">`, []string{"b.PNG"}},
		{"html bare", `<img src="b.jpg">`, []string{"b.jpg"}},
		{"html bare nested", `<img alt="chart" src='img/c.webp' width="3">`, []string{"img/c.webp"}},
		{"bare path", "see chart.png now", []string{"chart.png"}},
		{"remote skipped", "![x](https://e.com/a.png)", nil},
		{"remote img skipped", `<img src="http://e.com/b.jpg">`, nil},
		{"inline data skipped", "![i](data:image/png;base64,abc.png)", nil},
		{"not an image", "![doc](./notes.txt)", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var paths []string
			for _, ref := range share.FindImageReferences(tc.content) {
				paths = append(paths, ref.Path)
			}
			assert.Equal(t, tc.paths, paths)
		})
	}
}

func TestEnsureHTTPS(t *testing.T) {
	assert.Equal(t, "https://a.example/x", share.EnsureHTTPS("http://a.example/x"))
	assert.Equal(t, "https://a.example/x", share.EnsureHTTPS("//a.example/x"))
	assert.Equal(t, "https://a.example/x", share.EnsureHTTPS("https://a.example/x"))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", share.Message(nil))
	assert.Equal(t, "Session not found", share.Message(share.ErrSessionNotFound))
	assert.Equal(t, "boom", share.Message(errors.New("boom")))
}

// Property: key frames keep every non-transient event, in order, and nothing else.
func TestKeyFrames_Property(t *testing.T) {
	types := events.Types()
	rapid.Check(t, func(t *rapid.T) {
		picks := rapid.SliceOf(rapid.SampledFrom(types)).Draw(t, "types")
		evs := make([]events.Event, len(picks))
		want := 0
		for i, typ := range picks {
			evs[i] = events.Event{Type: typ, Seq: int64(i + 1)}
			if !typ.Transient() {
				want++
			}
		}
		frames := share.KeyFrames(evs)
		if len(frames) != want {
			t.Fatalf("got %d frames, want %d", len(frames), want)
		}
		var last int64
		for _, ev := range frames {
			if ev.Type.Transient() {
				t.Fatalf("transient %s kept", ev.Type)
			}
			if ev.Seq <= last {
				t.Fatalf("order broken at seq %d", ev.Seq)
			}
			last = ev.Seq
		}
	})
}

var sixHex = regexp.MustCompile(`^[0-9a-f]{6}$`)

// Property: the session hash is a deterministic six character lowercase hex string.
func TestSessionHash_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.String().Draw(t, "id")
		h := share.SessionHash(id)
		if !sixHex.MatchString(h) {
			t.Fatalf("hash %q is not six hex chars", h)
		}
		if h != share.SessionHash(id) {
			t.Fatal("hash is not deterministic")
		}
	})
}

var slugChars = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)

// Property: sanitised slugs only hold word characters and hyphens, and
// sanitising twice changes nothing.
func TestSanitizeSlug_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := share.SanitizeSlug(rapid.String().Draw(t, "raw"))
		if !slugChars.MatchString(s) {
			t.Fatalf("slug %q has invalid characters", s)
		}
		if share.SanitizeSlug(s) != s {
			t.Fatalf("slug %q not stable", s)
		}
	})
}

func TestFirstUserQuery(t *testing.T) {
	evs := []events.Event{
		mustEvent(t, 1, events.SystemNote{Level: "info", Message: "boot"}),
		mustEvent(t, 2, events.UserMessage{Content: "first"}),
		mustEvent(t, 3, events.UserMessage{Content: "second"}),
	}
	assert.Equal(t, "first", share.FirstUserQuery(evs))
	assert.Equal(t, "", share.FirstUserQuery(nil))
}
