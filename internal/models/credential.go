package models

import (
	"time"
)

// Credential is an owner's encrypted OAuth token pair for one platform.
// Ciphertext, IV and AuthTag always change together.
type Credential struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Platform   string    `json:"platform"`
	Ciphertext []byte    `json:"-"`
	IV         []byte    `json:"-"`
	AuthTag    []byte    `json:"-"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Expired reports whether the access token should be refreshed before use
func (c *Credential) Expired(now time.Time, skew time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(skew))
}

// AuthSession is a hashed single-use session token
type AuthSession struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}
