package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/trendpipe/backend/internal/db"
	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/resilience"
)

const (
	defaultSkew   = 30 * time.Second
	defaultExpiry = time.Hour
)

// Token is the decrypted OAuth token pair for one credential
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// blob is the plaintext sealed into a credential's ciphertext
type blob struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken *string `json:"refreshToken"`
}

// Store persists encrypted credentials
type Store interface {
	Upsert(ctx context.Context, c *models.Credential) error
	Get(ctx context.Context, id string) (*models.Credential, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Credential, error)
	Rotate(ctx context.Context, id string, ciphertext, iv, tag []byte, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// Vault stores third-party OAuth tokens encrypted per owner and keeps access
// tokens fresh.
type Vault struct {
	store     Store
	keys      *KeyDeriver
	providers map[platform.Platform]Provider
	caller    *resilience.Caller
	now       func() time.Time
	skew      time.Duration
}

// New creates a vault. Platforms without a provider cannot be refreshed and
// their expired credentials require reconnection.
func New(store Store, keys *KeyDeriver, providers map[platform.Platform]Provider, caller *resilience.Caller) *Vault {
	if providers == nil {
		providers = make(map[platform.Platform]Provider)
	}
	return &Vault{
		store:     store,
		keys:      keys,
		providers: providers,
		caller:    caller,
		now:       time.Now,
		skew:      defaultSkew,
	}
}

func oauthService(p platform.Platform) string {
	return "oauth:" + string(p)
}

func (v *Vault) seal(ownerID string, tok *Token) (ciphertext, iv, tag []byte, err error) {
	b := blob{AccessToken: tok.AccessToken}
	if tok.RefreshToken != "" {
		b.RefreshToken = &tok.RefreshToken
	}
	plaintext, err := json.Marshal(b)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode token: %w", err)
	}
	return v.keys.Encrypt(plaintext, ownerID)
}

func (v *Vault) open(c *models.Credential) (*Token, error) {
	plaintext, err := v.keys.Decrypt(c.Ciphertext, c.IV, c.AuthTag, c.OwnerID)
	if err != nil {
		return nil, err
	}

	var b blob
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return nil, ErrDecrypt
	}

	tok := &Token{AccessToken: b.AccessToken, ExpiresAt: c.ExpiresAt}
	if b.RefreshToken != nil {
		tok.RefreshToken = *b.RefreshToken
	}
	return tok, nil
}

// Connect stores a freshly authorized token for the owner, replacing any
// existing credential for the same platform.
func (v *Vault) Connect(ctx context.Context, ownerID string, p platform.Platform, tok Token, scopes []string) (*models.Credential, error) {
	if ownerID == "" || tok.AccessToken == "" {
		return nil, apperrors.ValidationError("owner and access token are required")
	}

	ciphertext, iv, tag, err := v.seal(ownerID, &tok)
	if err != nil {
		return nil, apperrors.InternalError("failed to encrypt credential").WithCause(err)
	}

	expiresAt := tok.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = v.now().Add(defaultExpiry)
	}

	c := &models.Credential{
		OwnerID:    ownerID,
		Platform:   string(p),
		Ciphertext: ciphertext,
		IV:         iv,
		AuthTag:    tag,
		ExpiresAt:  expiresAt,
		Scopes:     scopes,
	}
	if err := v.store.Upsert(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("owner_id", ownerID).
		Str("platform", string(p)).
		Msg("Platform account connected")
	return c, nil
}

// Get returns the owner's credential without decrypting it. A credential owned
// by someone else is reported as not found.
func (v *Vault) Get(ctx context.Context, credentialID, ownerID string) (*models.Credential, error) {
	c, err := v.store.Get(ctx, credentialID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("credential")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if c.OwnerID != ownerID {
		return nil, apperrors.NotFound("credential")
	}
	return c, nil
}

func (v *Vault) List(ctx context.Context, ownerID string) ([]*models.Credential, error) {
	return v.store.ListByOwner(ctx, ownerID)
}

// GetValidAccessToken returns a usable access token, refreshing and rotating the
// stored blob when the current one has expired.
func (v *Vault) GetValidAccessToken(ctx context.Context, credentialID, ownerID string) (string, error) {
	c, err := v.Get(ctx, credentialID, ownerID)
	if err != nil {
		return "", err
	}
	p := platform.Platform(c.Platform)
	log := logger.Ctx(ctx).With().Str("credential_id", c.ID).Str("platform", c.Platform).Logger()

	tok, err := v.open(c)
	if err != nil {
		log.Error().Err(err).Msg("Credential failed authentication")
		return "", apperrors.ReconnectRequired(c.Platform).WithCause(err)
	}

	if !c.Expired(v.now(), v.skew) {
		return tok.AccessToken, nil
	}

	if tok.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues(c.Platform, "no_refresh_token").Inc()
		return "", apperrors.ReconnectRequired(c.Platform)
	}

	provider, ok := v.providers[p]
	if !ok {
		metrics.TokenRefreshes.WithLabelValues(c.Platform, "no_provider").Inc()
		return "", apperrors.ReconnectRequired(c.Platform)
	}

	// a rejected refresh token is not retried
	fresh, err := resilience.Call(ctx, v.caller, oauthService(p), func(ctx context.Context) (*Token, error) {
		return provider.Refresh(ctx, tok.RefreshToken)
	}, resilience.WithMaxAttempts(1))
	if err != nil || fresh == nil || fresh.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues(c.Platform, "failed").Inc()
		log.Warn().Err(err).Msg("Token refresh failed")
		e := apperrors.ReconnectRequired(c.Platform)
		if err != nil {
			e.WithCause(err)
		}
		return "", e
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if fresh.ExpiresAt.IsZero() {
		fresh.ExpiresAt = v.now().Add(defaultExpiry)
	}

	ciphertext, iv, tag, err := v.seal(c.OwnerID, fresh)
	if err != nil {
		return "", apperrors.InternalError("failed to encrypt credential").WithCause(err)
	}
	if err := v.store.Rotate(ctx, c.ID, ciphertext, iv, tag, fresh.ExpiresAt); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", apperrors.NotFound("credential")
		}
		return "", fmt.Errorf("failed to rotate credential: %w", err)
	}

	metrics.TokenRefreshes.WithLabelValues(c.Platform, "refreshed").Inc()
	log.Debug().Time("expires_at", fresh.ExpiresAt).Msg("Access token refreshed")
	return fresh.AccessToken, nil
}

// Revoke asks the provider to revoke the token and deletes the credential
// whether or not that succeeded.
func (v *Vault) Revoke(ctx context.Context, credentialID, ownerID string) error {
	c, err := v.Get(ctx, credentialID, ownerID)
	if err != nil {
		return err
	}
	log := logger.Ctx(ctx).With().Str("credential_id", c.ID).Str("platform", c.Platform).Logger()

	p := platform.Platform(c.Platform)
	if provider, ok := v.providers[p]; ok {
		tok, err := v.open(c)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping provider revocation for unreadable credential")
		} else {
			token := tok.AccessToken
			if tok.RefreshToken != "" {
				token = tok.RefreshToken
			}
			_, err := resilience.Call(ctx, v.caller, oauthService(p), func(ctx context.Context) (struct{}, error) {
				return struct{}{}, provider.Revoke(ctx, token)
			}, resilience.WithMaxAttempts(1))
			if err != nil {
				log.Warn().Err(err).Msg("Provider revocation failed")
			}
		}
	}

	if err := v.store.Delete(ctx, c.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
