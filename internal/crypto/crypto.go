package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

var (
	ErrEmptyKey          = errors.New("encryption key must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// sealedPrefix marks values written by Seal. Values without it are treated
// as plaintext left over from before encryption was enabled.
const sealedPrefix = "enc:v1:"

// Encryptor seals account cookies and tokens with AES-256-GCM.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(key string) (*Encryptor, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: gcm}, nil
}

func deriveKey(key string) []byte {
	hash := sha256.Sum256([]byte(key))
	return hash[:]
}

func (e *Encryptor) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Encryptor) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	return string(plaintext), nil
}

// HashAPIKey returns the hex SHA-256 of a client API key.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// KeySet matches presented client keys against stored hashes in constant time.
type KeySet struct {
	hashes [][]byte
}

func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		h := sha256.Sum256([]byte(k))
		ks.hashes = append(ks.hashes, h[:])
	}
	return ks
}

func (ks *KeySet) Empty() bool { return ks == nil || len(ks.hashes) == 0 }

func (ks *KeySet) Contains(key string) bool {
	if ks.Empty() {
		return false
	}
	h := sha256.Sum256([]byte(key))
	found := 0
	for _, stored := range ks.hashes {
		found |= subtle.ConstantTimeCompare(stored, h[:])
	}
	return found == 1
}
