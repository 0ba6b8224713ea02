package models

import (
	"time"
)

// SourceVideo is a trending video discovered on a platform
type SourceVideo struct {
	ID              string    `json:"id"`
	Platform        string    `json:"platform"`
	ExternalVideoID string    `json:"externalVideoId"`
	Region          string    `json:"region"`
	Title           string    `json:"title"`
	Author          string    `json:"author,omitempty"`
	URL             string    `json:"url"`
	ThumbnailURL    string    `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	Rank            int       `json:"rank"`
	ViewCount       int64     `json:"viewCount"`
	LikeCount       int64     `json:"likeCount"`
	CommentCount    int64     `json:"commentCount"`
	FetchedAt       time.Time `json:"fetchedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Channel is an owner's account on a target platform that uploads publish to
type Channel struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Platform      string    `json:"platform"`
	CredentialID  string    `json:"credentialId"`
	Name          string    `json:"name"`
	AuditApproved bool      `json:"auditApproved"` // app approved for direct publishing
	CreatedAt     time.Time `json:"createdAt"`
}
