// Package vault provides authenticated encryption for SSH credentials at rest.
//
// Secrets are sealed with AES-256-GCM. The symmetric key is derived once at
// process start from the operator-supplied master secret via PBKDF2 and held
// only in memory; it is never derived per call and never persisted. Ciphertext,
// IV, and authentication tag are stored as separate columns and must be read
// back together — tampering with any of the three fails decryption closed.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub005/internal/config"
	"github.com/minhtuancn/server-monitor-sub005/internal/database"
)

const (
	keySize  = 32 // AES-256
	ivSize   = 12 // GCM standard nonce
	tagSize  = 16 // GCM authentication tag
	saltSize = 16

	// kdfIterations is the PBKDF2-SHA256 iteration count. Deliberately slow;
	// the derivation runs exactly once per process.
	kdfIterations = 310_000

	saltSettingKey = "vault_kdf_salt"
)

// ErrIntegrity is returned by Open when the ciphertext, IV, or tag has been
// altered, or when the vault key does not match the one that sealed the
// secret. It is a hard failure; the credential is unusable.
var ErrIntegrity = errors.New("vault: integrity check failed")

// ErrMasterKeyUnavailable indicates the process is misconfigured: the master
// secret is missing or below the minimum length. Fatal at startup, never
// surfaced per call.
var ErrMasterKeyUnavailable = errors.New("vault: master key unavailable or too short")

// SealedSecret is the at-rest form of a credential. All three fields travel
// together; any one missing makes the secret undecryptable.
type SealedSecret struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Vault holds the derived AEAD. Read-only after construction; safe for
// concurrent use without locking.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from masterKey and salt and returns a ready Vault.
func New(masterKey string, salt []byte) (*Vault, error) {
	if len(masterKey) < config.MinMasterKeyLength {
		return nil, ErrMasterKeyUnavailable
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("vault: salt must be %d bytes, got %d", saltSize, len(salt))
	}

	key := pbkdf2.Key([]byte(masterKey), salt, kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random IV. Two calls on the same
// plaintext never reuse an IV.
func (v *Vault) Seal(plaintext []byte) (SealedSecret, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return SealedSecret{}, fmt.Errorf("vault: generate iv: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	// gcm appends the tag to the ciphertext; store them as separate fields.
	cut := len(sealed) - tagSize
	return SealedSecret{
		Ciphertext: sealed[:cut],
		IV:         iv,
		Tag:        sealed[cut:],
	}, nil
}

// Open decrypts a sealed secret. Any tamper of ciphertext, IV, or tag — or a
// mismatched vault key — yields ErrIntegrity, never wrong plaintext.
func (v *Vault) Open(s SealedSecret) ([]byte, error) {
	if len(s.IV) != ivSize || len(s.Tag) != tagSize || len(s.Ciphertext) == 0 {
		return nil, ErrIntegrity
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+tagSize)
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.Tag...)

	plaintext, err := v.aead.Open(nil, s.IV, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// Fingerprint returns a non-secret digest of plaintext suitable for display
// and audit records, in the SSH SHA256 fingerprint style.
func Fingerprint(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// Zero overwrites a plaintext buffer after use. The vault never retains
// plaintext; callers are expected not to either.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var defaultVault *Vault

// Init derives the process-wide vault from the configured master key. The KDF
// salt is generated once and persisted in the settings table; losing it makes
// every stored credential undecryptable, so it lives next to the data it
// protects.
func Init(masterKey string) error {
	salt, err := loadOrCreateSalt()
	if err != nil {
		return err
	}
	v, err := New(masterKey, salt)
	if err != nil {
		return err
	}
	defaultVault = v
	return nil
}

// Get returns the process-wide vault, or nil before Init.
func Get() *Vault {
	return defaultVault
}

func loadOrCreateSalt() ([]byte, error) {
	stored, err := database.GetSetting(saltSettingKey)
	if err == nil && stored != "" {
		salt, decErr := base64.StdEncoding.DecodeString(stored)
		if decErr != nil {
			return nil, fmt.Errorf("vault: decode stored salt: %w", decErr)
		}
		return salt, nil
	}
	// Only a genuinely absent row justifies minting a new salt. A transient
	// read failure must not overwrite the salt every stored credential was
	// sealed under.
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("vault: load salt: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}
	if err := database.SetSetting(saltSettingKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("vault: save salt: %w", err)
	}
	return salt, nil
}
