package vault

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/trendpipe/backend/internal/config"
)

// Provider talks to a platform's OAuth endpoints
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	Revoke(ctx context.Context, token string) error
}

// OAuthProvider refreshes with x/oauth2 and revokes with an RFC 7009 form post
type OAuthProvider struct {
	config    oauth2.Config
	revokeURL string
	client    *http.Client
}

var _ Provider = (*OAuthProvider)(nil)

// NewOAuthProvider builds a provider from a platform's config section
func NewOAuthProvider(cfg config.PlatformConfig) *OAuthProvider {
	return &OAuthProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL: cfg.RevokeURL,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	// an empty access token forces the source to hit the token endpoint
	tok, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}

	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (p *OAuthProvider) Revoke(ctx context.Context, token string) error {
	if p.revokeURL == "" {
		return nil
	}

	form := url.Values{
		"token":         {token},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke failed: %s", resp.Status)
	}
	return nil
}
