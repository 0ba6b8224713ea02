package platform

import (
	"net/url"
	"slices"
	"strings"

	apperrors "github.com/trendpipe/backend/internal/errors"
)

// Platform identifies a supported external content platform
type Platform string

const (
	YouTube   Platform = "youtube"
	TikTok    Platform = "tiktok"
	Instagram Platform = "instagram"
	Twitter   Platform = "twitter"
)

// All lists every supported platform
var All = []Platform{YouTube, TikTok, Instagram, Twitter}

// ParsePlatform validates a platform name
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(All, p) {
		return "", apperrors.ValidationError("unsupported platform: " + s)
	}
	return p, nil
}

func (p Platform) String() string {
	return string(p)
}

// Service is the circuit breaker name for calls to the platform's API
func (p Platform) Service() string {
	return "platform:" + string(p)
}

var hosts = map[Platform][]string{
	YouTube:   {"youtube.com", "www.youtube.com", "m.youtube.com", "youtu.be"},
	TikTok:    {"tiktok.com", "www.tiktok.com", "m.tiktok.com", "vm.tiktok.com"},
	Instagram: {"instagram.com", "www.instagram.com"},
	Twitter:   {"twitter.com", "www.twitter.com", "x.com", "mobile.twitter.com"},
}

// OwnsURL reports whether rawURL points at one of the platform's hosts
func (p Platform) OwnsURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return slices.Contains(hosts[p], strings.ToLower(parsed.Hostname()))
}

// DetectPlatform returns the platform that owns rawURL
func DetectPlatform(rawURL string) (Platform, bool) {
	for _, p := range All {
		if p.OwnsURL(rawURL) {
			return p, true
		}
	}
	return "", false
}
