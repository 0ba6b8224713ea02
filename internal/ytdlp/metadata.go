package ytdlp

import (
	"strings"

	"github.com/trendpipe/backend/internal/platform"
)

// YtdlpOutput represents one JSON document printed by yt-dlp --dump-json.
// Flat playlist entries carry a subset of the fields.
type YtdlpOutput struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Uploader     string  `json:"uploader"`
	Channel      string  `json:"channel"`
	Duration     float64 `json:"duration"`
	Thumbnail    string  `json:"thumbnail"`
	Thumbnails   []Thumb `json:"thumbnails"`
	URL          string  `json:"url"`
	WebpageURL   string  `json:"webpage_url"`
	Extractor    string  `json:"extractor"`
	ViewCount    int64   `json:"view_count"`
	LikeCount    int64   `json:"like_count"`
	CommentCount int64   `json:"comment_count"`
	Filesize     int64   `json:"filesize"`
	FilesizeApx  int64   `json:"filesize_approx"`
	Ext          string  `json:"ext"`
}

// Thumb represents a thumbnail entry
type Thumb struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (o *YtdlpOutput) author() string {
	if o.Uploader != "" {
		return o.Uploader
	}
	return o.Channel
}

func (o *YtdlpOutput) thumbnail() string {
	if o.Thumbnail != "" {
		return o.Thumbnail
	}
	// yt-dlp sorts thumbnails by preference, best last
	if len(o.Thumbnails) > 0 {
		return o.Thumbnails[len(o.Thumbnails)-1].URL
	}
	return ""
}

func (o *YtdlpOutput) pageURL() string {
	if o.WebpageURL != "" {
		return o.WebpageURL
	}
	if strings.HasPrefix(o.URL, "http") {
		return o.URL
	}
	return ""
}

// ToTrending converts a playlist entry into a ranked trending video
func (o *YtdlpOutput) ToTrending(rank int) platform.TrendingVideo {
	return platform.TrendingVideo{
		ExternalID:      o.ID,
		Title:           strings.TrimSpace(o.Title),
		Author:          o.author(),
		URL:             o.pageURL(),
		ThumbnailURL:    o.thumbnail(),
		DurationSeconds: o.Duration,
		Rank:            rank,
		ViewCount:       o.ViewCount,
		LikeCount:       o.LikeCount,
		CommentCount:    o.CommentCount,
	}
}

// videoURL builds the canonical watch URL for an external id
func videoURL(p platform.Platform, id string) string {
	switch p {
	case platform.YouTube:
		return "https://www.youtube.com/watch?v=" + id
	case platform.TikTok:
		return "https://www.tiktok.com/@/video/" + id
	case platform.Instagram:
		return "https://www.instagram.com/reel/" + id + "/"
	case platform.Twitter:
		return "https://x.com/i/status/" + id
	}
	return ""
}
