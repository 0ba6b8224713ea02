package platform

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	apperrors "github.com/trendpipe/backend/internal/errors"
)

func TestIsDirectMedia(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://cdn.example.com/v/clip.mp4", true},
		{"https://cdn.example.com/v/clip.MOV?sig=1", true},
		{"https://www.youtube.com/watch?v=x", false},
		{"file:///etc/clip.mp4", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsDirectMedia(tt.url); got != tt.want {
				t.Errorf("IsDirectMedia() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPFetcher_ProgressReachesOne(t *testing.T) {
	body := strings.Repeat("b", 64*1024)
	tests := []struct {
		name    string
		chunked bool
	}{
		{"known length", false},
		{"chunked", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !tt.chunked {
					w.Header().Set("Content-Length", strconv.Itoa(len(body)))
					w.Write([]byte(body))
					return
				}
				half := len(body) / 2
				w.Write([]byte(body[:half]))
				w.(http.Flusher).Flush()
				w.Write([]byte(body[half:]))
			}))
			defer srv.Close()

			var reports []float64
			artifact, err := NewHTTPFetcher(0).Fetch(t.Context(), srv.URL+"/clip.mp4", t.TempDir(), "", func(p float64) {
				reports = append(reports, p)
			})
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if artifact.Size != int64(len(body)) {
				t.Errorf("Expected size %d, got %d", len(body), artifact.Size)
			}
			if len(reports) == 0 || reports[len(reports)-1] != 1 {
				t.Fatalf("Expected final progress 1, got %v", reports)
			}
			for i := 1; i < len(reports); i++ {
				if reports[i] < reports[i-1] {
					t.Errorf("Progress went backwards: %v", reports)
					break
				}
			}
		})
	}
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	body := strings.Repeat("a", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "video/mp4; codecs=avc1")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	var last float64
	f := NewHTTPFetcher(0)
	artifact, err := f.Fetch(t.Context(), srv.URL+"/clip.mp4", t.TempDir(), "tok", func(p float64) { last = p })
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if artifact.Size != int64(len(body)) {
		t.Errorf("Expected size %d, got %d", len(body), artifact.Size)
	}
	if artifact.ContentType != "video/mp4" {
		t.Errorf("Expected video/mp4, got %s", artifact.ContentType)
	}
	if last != 1 {
		t.Errorf("Expected final progress 1, got %v", last)
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil || string(data) != body {
		t.Errorf("File content mismatch: %v", err)
	}

	_, err = f.Fetch(t.Context(), srv.URL+"/clip.mp4", t.TempDir(), "", nil)
	if !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Errorf("Expected 401 to be a non-retryable validation error, got %v", err)
	}
}

func TestHTTPFetcher_StopsPastLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	artifact, err := NewHTTPFetcher(100).Fetch(t.Context(), srv.URL+"/big.mp4", t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if artifact.Size != 101 {
		t.Errorf("Expected copy to stop at limit+1, got %d", artifact.Size)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"clip.mp4":   "video/mp4",
		"CLIP.MOV":   "video/quicktime",
		"a.webm":     "video/webm",
		"noext":      "application/octet-stream",
		"thumb.json": "application/json",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
