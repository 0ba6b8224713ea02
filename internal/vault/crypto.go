package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/pbkdf2"

	"github.com/trendpipe/backend/internal/metrics"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16

	DefaultIterations = 100_000
	DefaultKeyTTL     = 5 * time.Minute
	defaultCacheSize  = 1024
)

// ErrDecrypt is returned when a blob fails authentication. The plaintext is never returned.
var ErrDecrypt = errors.New("credential authentication failed")

// KeyDeriver derives per-owner AES-256 keys from the master secret and caches
// them briefly.
type KeyDeriver struct {
	secret     []byte
	iterations int
	cache      *expirable.LRU[string, []byte]
}

// NewKeyDeriver creates a deriver. Zero values select the defaults.
func NewKeyDeriver(masterSecret string, iterations int, ttl time.Duration, size int) *KeyDeriver {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	return &KeyDeriver{
		secret:     []byte(masterSecret),
		iterations: iterations,
		cache:      expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// DeriveKey returns the 32-byte key for ownerID
func (d *KeyDeriver) DeriveKey(ownerID string) []byte {
	if key, ok := d.cache.Get(ownerID); ok {
		return key
	}

	metrics.KeyDerivations.Inc()
	key := pbkdf2.Key(d.secret, []byte("trendpipe/vault/"+ownerID), d.iterations, keySize, sha256.New)
	d.cache.Add(ownerID, key)
	return key
}

func (d *KeyDeriver) gcm(ownerID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(d.DeriveKey(ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for ownerID under a fresh random IV
func (d *KeyDeriver) Encrypt(plaintext []byte, ownerID string) (ciphertext, iv, tag []byte, err error) {
	aead, err := d.gcm(ownerID)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, []byte(ownerID))
	split := len(sealed) - tagSize
	return sealed[:split], iv, sealed[split:], nil
}

// Decrypt opens a blob sealed by Encrypt. Any tampering or a different owner's
// key yields ErrDecrypt.
func (d *KeyDeriver) Decrypt(ciphertext, iv, tag []byte, ownerID string) ([]byte, error) {
	if len(iv) != ivSize || len(tag) != tagSize {
		return nil, ErrDecrypt
	}

	aead, err := d.gcm(ownerID)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, []byte(ownerID))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
