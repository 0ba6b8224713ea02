package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/platform"
)

// Config holds configuration for the yt-dlp runner
type Config struct {
	// Path is the yt-dlp binary (default: "yt-dlp")
	Path string
}

// Service runs the yt-dlp binary
type Service struct {
	path string
}

// New creates a yt-dlp runner. A missing binary is not an error here; adapters
// report it through IsAvailable.
func New(cfg Config) *Service {
	path := cfg.Path
	if path == "" {
		path = "yt-dlp"
	}
	return &Service{path: path}
}

// Installed reports whether the binary can be found
func (s *Service) Installed() bool {
	_, err := exec.LookPath(s.path)
	return err == nil
}

// Download fetches sourceURL into destDir and returns the resulting file.
// destDir must be empty and dedicated to this download.
func (s *Service) Download(ctx context.Context, sourceURL, destDir string, headers map[string]string, progress platform.ProgressFunc) (*platform.Artifact, error) {
	args := []string{
		"-f", "best[ext=mp4]/best",
		"--output", filepath.Join(destDir, "%(id)s.%(ext)s"),
		"--no-playlist",
		"--newline",
		"--progress",
		"--no-warnings",
	}
	for k, v := range headers {
		args = append(args, "--add-header", k+":"+v)
	}
	args = append(args, sourceURL)

	cmd := exec.CommandContext(ctx, s.path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &RunError{URL: sourceURL, Message: "failed to create stdout pipe", Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, s.categorizeError(sourceURL, err, "")
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		percent, ok := parseProgress(scanner.Text())
		if ok && progress != nil {
			progress(percent / 100)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.categorizeError(sourceURL, err, stderr.String())
	}

	return findArtifact(sourceURL, destDir)
}

// Metadata retrieves a single video's metadata without downloading
func (s *Service) Metadata(ctx context.Context, sourceURL string) (*YtdlpOutput, error) {
	cmd := exec.CommandContext(ctx, s.path, "--dump-json", "--no-download", "--no-playlist", "--no-warnings", sourceURL)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, s.categorizeError(sourceURL, err, string(exitErr.Stderr))
		}
		return nil, s.categorizeError(sourceURL, err, "")
	}

	var out YtdlpOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, &RunError{URL: sourceURL, Message: "failed to parse metadata", Err: err}
	}
	return &out, nil
}

// FlatPlaylist lists up to limit entries of a playlist-like page without
// resolving each entry.
func (s *Service) FlatPlaylist(ctx context.Context, sourceURL string, limit int) ([]YtdlpOutput, error) {
	args := []string{"--flat-playlist", "--dump-json", "--no-warnings"}
	if limit > 0 {
		args = append(args, "--playlist-end", strconv.Itoa(limit))
	}
	args = append(args, sourceURL)

	output, err := exec.CommandContext(ctx, s.path, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, s.categorizeError(sourceURL, err, string(exitErr.Stderr))
		}
		return nil, s.categorizeError(sourceURL, err, "")
	}
	return parsePlaylist(output)
}

func parsePlaylist(output []byte) ([]YtdlpOutput, error) {
	var entries []YtdlpOutput
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry YtdlpOutput
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Err(err).Msg("skipping unparseable playlist entry")
			continue
		}
		if entry.ID == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// findArtifact picks the largest regular file yt-dlp left in destDir
func findArtifact(sourceURL, destDir string) (*platform.Artifact, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, &RunError{URL: sourceURL, Message: "failed to read output directory", Err: err}
	}

	var best *platform.Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == nil || info.Size() > best.Size {
			best = &platform.Artifact{
				Path:        filepath.Join(destDir, e.Name()),
				Size:        info.Size(),
				ContentType: platform.ContentType(e.Name()),
			}
		}
	}
	if best == nil {
		return nil, &RunError{URL: sourceURL, Message: "output file not found", Err: ErrDownloadFailed}
	}
	return best, nil
}


// categorizeError converts yt-dlp errors into specific error types
func (s *Service) categorizeError(sourceURL string, err error, stderr string) error {
	stderrLower := strings.ToLower(stderr)

	switch {
	case errors.Is(err, exec.ErrNotFound):
		return &RunError{URL: sourceURL, Message: "yt-dlp is not installed", Err: ErrYtdlpNotFound}

	case strings.Contains(stderrLower, "video unavailable") ||
		strings.Contains(stderrLower, "this video is unavailable"):
		return &RunError{URL: sourceURL, Message: "video unavailable", Err: ErrVideoUnavailable}

	case strings.Contains(stderrLower, "private video") ||
		strings.Contains(stderrLower, "is private"):
		return &RunError{URL: sourceURL, Message: "video is private", Err: ErrVideoPrivate}

	case strings.Contains(stderrLower, "age-restricted") ||
		strings.Contains(stderrLower, "sign in to confirm your age"):
		return &RunError{URL: sourceURL, Message: "content is age-restricted", Err: ErrAgeRestricted}

	case strings.Contains(stderrLower, "unable to download") ||
		strings.Contains(stderrLower, "connection") ||
		strings.Contains(stderrLower, "network"):
		return &RunError{URL: sourceURL, Message: "network error", Err: ErrNetworkError}

	case strings.Contains(stderrLower, "unsupported url") ||
		strings.Contains(stderrLower, "no suitable extractor"):
		return &RunError{URL: sourceURL, Message: "url not supported", Err: ErrURLNotSupported}

	default:
		return &RunError{URL: sourceURL, Message: "download failed", Err: fmt.Errorf("%w: %s", ErrDownloadFailed, strings.TrimSpace(stderr))}
	}
}

// parseProgress extracts the percentage from a yt-dlp progress line:
// [download]  45.2% of 5.00MiB at 1.00MiB/s ETA 00:03
func parseProgress(line string) (float64, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[download]") {
		return 0, false
	}
	parts := strings.Fields(line)
	if len(parts) < 2 || !strings.HasSuffix(parts[1], "%") {
		return 0, false
	}
	percent, err := strconv.ParseFloat(strings.TrimSuffix(parts[1], "%"), 64)
	if err != nil {
		return 0, false
	}
	return percent, true
}
