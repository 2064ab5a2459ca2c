package fieldsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the iteration count for key derivation.
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures encryption at rest for local payloads.
// Field devices are often shared between technicians; encrypting the
// payload blobs keeps recorded data unreadable outside the application.
type EncryptionConfig struct {
	// Enabled turns on encryption for stored payload blobs.
	Enabled bool `yaml:"enabled"`

	// Key is the encryption key (must be 32 bytes for AES-256). If
	// empty, KeyPassword is used to derive a key.
	Key []byte `yaml:"key"`

	// KeyPassword derives the key via PBKDF2 when Key is not set.
	KeyPassword string `yaml:"key_password"`

	// Salt for key derivation. Required with KeyPassword so the same
	// key is derived across restarts.
	Salt []byte `yaml:"salt"`
}

// Encryptor provides AES-GCM encryption for payload blobs.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates an encryptor from a key or password. Returns
// (nil, nil) when encryption is disabled.
func NewEncryptor(cfg *EncryptionConfig) (*Encryptor, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != encryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		if len(cfg.Salt) != encryptionSaltSize {
			return nil, errors.New("key password requires a 32-byte salt")
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), cfg.Salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt seals data, prepending the random nonce.
func (e *Encryptor) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, encryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens a sealed blob produced by Encrypt.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < encryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:encryptionNonceSize], blob[encryptionNonceSize:]
	return e.gcm.Open(nil, nonce, ciphertext, nil)
}

// NewEncryptionSalt generates a fresh random salt for key derivation.
func NewEncryptionSalt() ([]byte, error) {
	salt := make([]byte, encryptionSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
