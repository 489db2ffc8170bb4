package share

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/zsprackett/agent-relay/internal/storage"
)

// EnsureHTTPS upgrades plain http and scheme-relative URLs to https.
func EnsureHTTPS(url string) string {
	switch {
	case strings.HasPrefix(url, "http://"):
		return "https://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "//"):
		return "https:" + url
	}
	return url
}

// storageEndpoint is where images are uploaded: the provider URL with its
// first "/share" replaced by "/storage".
func (s *Service) storageEndpoint() string {
	return strings.Replace(s.cfg.ProviderURL, "/share", "/storage", 1)
}

type uploadResponse struct {
	URL    string `json:"url"`
	CDNURL string `json:"cdnUrl"`
}

func (r uploadResponse) location() string {
	if r.CDNURL != "" {
		return EnsureHTTPS(r.CDNURL)
	}
	return EnsureHTTPS(r.URL)
}

type formFile struct {
	field       string
	name        string
	contentType string
	data        []byte
}

// postForm sends a multipart form and decodes the provider's JSON reply.
func (s *Service) postForm(ctx context.Context, endpoint string, file formFile, fields [][2]string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, file.name))
	h.Set("Content-Type", file.contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(file.data); err != nil {
		return "", err
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUploadFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s: %s", ErrUploadFailed, resp.Status, strings.TrimSpace(string(raw)))
	}
	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUploadFailed, err)
	}
	loc := out.location()
	if loc == "" {
		return "", fmt.Errorf("%w: response carried no url", ErrUploadFailed)
	}
	return loc, nil
}

func (s *Service) uploadImage(ctx context.Context, data []byte, filename, originalPath string) (string, error) {
	return s.postForm(ctx, s.storageEndpoint(),
		formFile{field: "file", name: filename, contentType: mimeType(filename), data: data},
		[][2]string{{"type", "image"}, {"originalPath", originalPath}},
	)
}

func (s *Service) uploadDocument(ctx context.Context, doc []byte, meta *storage.Metadata, slug, query string) (string, error) {
	tags, err := json.Marshal(meta.Tags)
	if err != nil {
		return "", err
	}
	return s.postForm(ctx, s.cfg.ProviderURL,
		formFile{field: "file", name: meta.ID + ".html", contentType: "text/html", data: doc},
		[][2]string{
			{"sessionId", meta.ID},
			{"slug", slug},
			{"query", query},
			{"name", meta.Name},
			{"tags", string(tags)},
		},
	)
}
