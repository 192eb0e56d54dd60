// Package secrets resolves provider credentials: environment variables
// first, then an on-disk key store encrypted with a process secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// EnvAny returns the first non-empty value among the named environment
// variables.
func EnvAny(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// Mask renders key material safe for logs and API responses:
// prefix***suffix, suffix only when the value is long enough.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 3 {
		return s + "***"
	}
	if len(s) <= 6 {
		return s[:3] + "***"
	}
	return s[:3] + "***" + s[len(s)-3:]
}

// ProviderKey is one stored credential pair. Enc marks whether the
// values on disk are ciphertext.
type ProviderKey struct {
	APIKey string `json:"api_key"`
	Secret string `json:"secret,omitempty"`
	Enc    bool   `json:"enc"`
}

// KeyStore persists provider credentials in provider_keys.json under the
// data directory. Writes replace the whole document under an exclusive
// file lock; readers see the old or new version, never a torn one.
// When a process secret is configured, values are sealed with AES-256-GCM
// keyed by SHA-256(secret).
type KeyStore struct {
	path   string
	secret string
	mu     sync.Mutex
}

// NewKeyStore opens the key store under dir (created if missing). The
// process secret comes from DATA_KEYS_SECRET or FKS_KEYS_SECRET; empty
// means keys are stored in the clear with enc=false.
func NewKeyStore(dir string) (*KeyStore, error) {
	if dir == "" {
		dir = EnvAny("FKS_DATA_DIR")
		if dir == "" {
			dir = filepath.Join(".", "data", "managed")
		}
	}
	return NewKeyStoreWithSecret(dir, EnvAny("DATA_KEYS_SECRET", "FKS_KEYS_SECRET"))
}

// NewKeyStoreWithSecret opens the key store with an explicit process
// secret (empty disables encryption). dir must already exist or be
// creatable.
func NewKeyStoreWithSecret(dir, secret string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create key store dir: %w", err)
	}
	return &KeyStore{
		path:   filepath.Join(dir, "provider_keys.json"),
		secret: secret,
	}, nil
}

// Save stores (or replaces) the credentials for provider.
func (ks *KeyStore) Save(provider, apiKey, secret string) error {
	if provider == "" {
		return fmt.Errorf("provider required")
	}
	if apiKey == "" {
		return fmt.Errorf("api_key required")
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	doc, err := ks.load()
	if err != nil {
		return err
	}

	entry := ProviderKey{APIKey: apiKey, Secret: secret}
	if ks.secret != "" {
		sealed, err := ks.sealEntry(entry)
		if err != nil {
			return fmt.Errorf("seal %s key: %w", provider, err)
		}
		entry = sealed
	}
	doc[provider] = entry

	return ks.write(doc)
}

// Get returns the decrypted credentials for provider, or nil when absent
// or undecryptable (a missing process secret makes sealed keys invisible
// rather than erroring).
func (ks *KeyStore) Get(provider string) *ProviderKey {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	doc, err := ks.load()
	if err != nil {
		log.Debug().Err(err).Msg("key store read failed")
		return nil
	}
	entry, ok := doc[provider]
	if !ok {
		return nil
	}
	if !entry.Enc {
		return &ProviderKey{APIKey: entry.APIKey, Secret: entry.Secret}
	}
	opened, err := ks.openEntry(entry)
	if err != nil {
		return nil
	}
	return &opened
}

// List reports existence and the masked key for every stored provider.
func (ks *KeyStore) List() map[string]MaskedKey {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	out := make(map[string]MaskedKey)
	doc, err := ks.load()
	if err != nil {
		return out
	}
	for provider, entry := range doc {
		masked := ""
		if !entry.Enc {
			masked = Mask(entry.APIKey)
		} else if opened, err := ks.openEntry(entry); err == nil {
			masked = Mask(opened.APIKey)
		}
		out[provider] = MaskedKey{Exists: true, Masked: masked}
	}
	return out
}

// MaskedKey is the externally visible form of a stored credential.
type MaskedKey struct {
	Exists bool   `json:"exists"`
	Masked string `json:"masked,omitempty"`
}

func (ks *KeyStore) load() (map[string]ProviderKey, error) {
	doc := make(map[string]ProviderKey)
	raw, err := os.ReadFile(ks.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ks.path, err)
	}
	return doc, nil
}

func (ks *KeyStore) write(doc map[string]ProviderKey) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	lock := flock.New(ks.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock key store: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("key store unlock failed")
		}
	}()

	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, ks.path)
}

func (ks *KeyStore) sealEntry(entry ProviderKey) (ProviderKey, error) {
	apiKey, err := seal(ks.secret, entry.APIKey)
	if err != nil {
		return ProviderKey{}, err
	}
	sealed := ProviderKey{APIKey: apiKey, Enc: true}
	if entry.Secret != "" {
		s, err := seal(ks.secret, entry.Secret)
		if err != nil {
			return ProviderKey{}, err
		}
		sealed.Secret = s
	}
	return sealed, nil
}

func (ks *KeyStore) openEntry(entry ProviderKey) (ProviderKey, error) {
	if ks.secret == "" {
		return ProviderKey{}, fmt.Errorf("no process secret")
	}
	apiKey, err := open(ks.secret, entry.APIKey)
	if err != nil {
		return ProviderKey{}, err
	}
	opened := ProviderKey{APIKey: apiKey}
	if entry.Secret != "" {
		s, err := open(ks.secret, entry.Secret)
		if err != nil {
			return ProviderKey{}, err
		}
		opened.Secret = s
	}
	return opened, nil
}

func gcmFor(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(secret, plaintext string) (string, error) {
	gcm, err := gcmFor(secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(out), nil
}

func open(secret, ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	gcm, err := gcmFor(secret)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
