package ytdlp

import (
	"errors"

	apperrors "github.com/trendpipe/backend/internal/errors"
)

// Failure causes recognized in yt-dlp's stderr
var (
	ErrURLNotSupported  = errors.New("url not supported")
	ErrVideoUnavailable = errors.New("video unavailable")
	ErrVideoPrivate     = errors.New("video is private")
	ErrAgeRestricted    = errors.New("content is age-restricted")
	ErrNetworkError     = errors.New("network error")
	ErrYtdlpNotFound    = errors.New("yt-dlp not found in PATH")
	ErrDownloadFailed   = errors.New("download failed")
)

// RunError is a failed yt-dlp invocation for one source URL
type RunError struct {
	URL     string
	Message string
	Err     error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

var permanentCauses = []error{ErrURLNotSupported, ErrVideoUnavailable, ErrVideoPrivate, ErrAgeRestricted}

// classify turns failures that no retry can fix into validation errors, so the
// resilience layer neither retries them nor counts them against the breaker.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, cause := range permanentCauses {
		if !errors.Is(err, cause) {
			continue
		}
		msg := err.Error()
		var re *RunError
		if errors.As(err, &re) {
			msg = re.Message
		}
		return apperrors.New(apperrors.KindValidation, apperrors.CodeUnsupportedSource, msg).WithCause(err)
	}
	return err
}
