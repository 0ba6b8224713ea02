package platform

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	apperrors "github.com/trendpipe/backend/internal/errors"
)

var directMediaExts = []string{".mp4", ".mov", ".webm", ".m4v", ".mkv"}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// ContentType guesses a media file's content type from its name
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// IsDirectMedia reports whether rawURL points straight at a media file
func IsDirectMedia(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return slices.Contains(directMediaExts, strings.ToLower(path.Ext(u.Path)))
}

// HTTPFetcher downloads media files exposed at a plain URL
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	// MaxBytes stops the copy one byte past the limit so callers can reject the file
	MaxBytes int64
}

// NewHTTPFetcher creates a fetcher with connection-level timeouts only; body reads
// are bounded by the caller's context.
func NewHTTPFetcher(maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
		},
		userAgent: "trendpipe/1.0",
		MaxBytes:  maxBytes,
	}
}

// HTTPError represents a non-2xx response
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// Fetch streams rawURL into destDir and reports byte progress when the length is known
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, destDir, accessToken string, progress ProgressFunc) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.ValidationError("invalid media url").WithCause(err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		// 4xx other than 429 will not change on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, apperrors.ValidationError(httpErr.Error()).WithCause(httpErr)
		}
		return nil, httpErr
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	} else {
		contentType = "application/octet-stream"
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "media"
	}
	dest := filepath.Join(destDir, filepath.Base(name))

	file, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	var reader io.Reader = resp.Body
	if f.MaxBytes > 0 {
		reader = io.LimitReader(reader, f.MaxBytes+1)
	}
	if progress != nil {
		reader = &progressReader{reader: reader, callback: progress, total: resp.ContentLength}
	}

	written, err := io.Copy(file, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to write to file: %w", err)
	}
	if progress != nil {
		progress(1)
	}

	return &Artifact{Path: dest, Size: written, ContentType: contentType}, nil
}

// progressReader wraps a reader and reports the fraction read so far. Bodies of
// unknown length report nothing until the copy finishes.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)
	if n > 0 && pr.total > 0 {
		pr.callback(min(float64(pr.current)/float64(pr.total), 1))
	}
	return n, err
}
