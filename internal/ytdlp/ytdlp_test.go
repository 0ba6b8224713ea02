package ytdlp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/platform"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line   string
		want   float64
		wantOK bool
	}{
		{"[download]  45.2% of 5.00MiB at 1.00MiB/s ETA 00:03", 45.2, true},
		{"[download] 100% of 5.00MiB in 00:05", 100, true},
		{"[download] Destination: /tmp/abc.mp4", 0, false},
		{"[youtube] abc: Downloading webpage", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parseProgress(tt.line)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseProgress() = %v, %v, want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCategorizeError(t *testing.T) {
	s := New(Config{})
	tests := []struct {
		stderr string
		want   error
	}{
		{"ERROR: [youtube] x: Video unavailable", ErrVideoUnavailable},
		{"ERROR: Private video. Sign in if you've been granted access", ErrVideoPrivate},
		{"ERROR: Sign in to confirm your age", ErrAgeRestricted},
		{"ERROR: Unable to download webpage: connection reset", ErrNetworkError},
		{"ERROR: Unsupported URL: https://example.com", ErrURLNotSupported},
		{"ERROR: something else", ErrDownloadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			err := s.categorizeError("https://youtu.be/x", errors.New("exit status 1"), tt.stderr)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	private := &RunError{URL: "u", Message: "video is private", Err: ErrVideoPrivate}
	if got := classify(private); !apperrors.IsKind(got, apperrors.KindValidation) {
		t.Errorf("Expected private video to be a validation error, got %v", got)
	}

	network := &RunError{URL: "u", Message: "network error", Err: ErrNetworkError}
	if got := classify(network); got != network {
		t.Errorf("Expected transient error to pass through unchanged, got %v", got)
	}

	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestParsePlaylist(t *testing.T) {
	output := []byte(`{"id":"a1","title":" First ","uploader":"chan","url":"https://www.youtube.com/watch?v=a1","view_count":10}
not json
{"title":"no id"}

{"id":"b2","title":"Second","channel":"other","thumbnails":[{"url":"small"},{"url":"big"}]}
`)

	entries, err := parsePlaylist(output)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	first := entries[0].ToTrending(1)
	if first.Title != "First" || first.Author != "chan" || first.ViewCount != 10 || first.Rank != 1 {
		t.Errorf("Unexpected first entry: %+v", first)
	}

	second := entries[1].ToTrending(2)
	if second.Author != "other" || second.ThumbnailURL != "big" || second.URL != "" {
		t.Errorf("Unexpected second entry: %+v", second)
	}
}

func TestFindArtifact(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "small.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "video.mp4"), make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "partial.mp4.part"), make([]byte, 128), 0o644); err != nil {
		t.Fatal(err)
	}

	artifact, err := findArtifact("u", dir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if filepath.Base(artifact.Path) != "video.mp4" || artifact.Size != 64 {
		t.Errorf("Unexpected artifact: %+v", artifact)
	}
	if artifact.ContentType != "video/mp4" {
		t.Errorf("Expected video/mp4, got %s", artifact.ContentType)
	}

	if _, err := findArtifact("u", t.TempDir()); !errors.Is(err, ErrDownloadFailed) {
		t.Errorf("Expected ErrDownloadFailed for empty dir, got %v", err)
	}
}

func TestAdapter_RejectsForeignURL(t *testing.T) {
	a := NewAdapter(New(Config{Path: "/nonexistent/yt-dlp"}), platform.TikTok, "")

	_, err := a.Download(t.Context(), platform.DownloadRequest{URL: "https://www.youtube.com/watch?v=x", DestDir: t.TempDir()}, nil)
	if !apperrors.HasCode(err, apperrors.CodeUnsupportedSource) {
		t.Errorf("Expected unsupported source, got %v", err)
	}
}

func TestAdapter_TrendingWithoutSource(t *testing.T) {
	a := NewAdapter(New(Config{}), platform.Twitter, "")
	if _, err := a.FetchTrending(t.Context(), "US", platform.TrendingOptions{}); !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestAdapter_SourceFor(t *testing.T) {
	a := NewAdapter(New(Config{}), platform.YouTube, "https://www.youtube.com/feed/trending?gl=%s")
	if got := a.sourceFor("de"); got != "https://www.youtube.com/feed/trending?gl=DE" {
		t.Errorf("Unexpected source %s", got)
	}
}

func TestAdapter_UploadUnsupported(t *testing.T) {
	a := NewAdapter(New(Config{}), platform.YouTube, "")
	if a.Capabilities().Upload {
		t.Error("yt-dlp adapter should not advertise uploads")
	}
	if _, err := a.Upload(t.Context(), platform.UploadRequest{}, nil); err == nil {
		t.Error("Expected upload to fail")
	}
}

func TestAdapter_DirectMediaBypassesYtdlp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("media"))
	}))
	defer srv.Close()

	a := NewAdapter(New(Config{Path: "/nonexistent/yt-dlp"}), platform.TikTok, "").
		WithDirectFetcher(platform.NewHTTPFetcher(0))

	artifact, err := a.Download(t.Context(), platform.DownloadRequest{URL: srv.URL + "/clip.mp4", DestDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if artifact.Size != 5 {
		t.Errorf("Expected 5 bytes, got %d", artifact.Size)
	}
}
