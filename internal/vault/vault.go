package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SecretPrefix marks an agent env value as a reference to a stored
// secret rather than a literal.
const SecretPrefix = "secret:"

// Vault provides AES-256-GCM encryption/decryption with a passphrase-derived key.
// Agent definitions reference stored credentials (oracle API keys, tool
// tokens) as secret:name; the registry resolves them through the vault
// at spawn time.
type Vault struct {
	key [32]byte
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt
// is deterministic (SHA-256 of the passphrase) so the same passphrase
// produces the same key across restarts.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM with the provided nonce.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// IsRef reports whether an env value is a secret reference and
// returns the referenced secret name.
func IsRef(value string) (string, bool) {
	if !strings.HasPrefix(value, SecretPrefix) {
		return "", false
	}
	return strings.TrimPrefix(value, SecretPrefix), true
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
