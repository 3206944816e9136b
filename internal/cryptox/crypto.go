// Package cryptox implements the pod payload cipher.
//
// Two schemes share one wire layout, base64(header || salt || iv || ciphertext):
//
//   - password scheme (MagicPassword): the key is derived with Argon2id from
//     the password and a random per-save salt;
//   - key scheme (MagicKey): the caller already holds a 32-byte key (for
//     example one expanded from a passkey PRF output) and no salt is written.
//
// Both use AES-256-GCM with a random 12-byte IV. A blob whose header does not
// match fails with common.ErrInvalidFormat; a blob whose authentication tag
// does not verify fails with common.ErrDecryptionFailed.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/podsync/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	MagicPassword = "PODPW1"
	MagicKey      = "PODKY1"

	SaltSize = 16
	IVSize   = 12
	KeySize  = 32

	tagSize = 16
)

// Blob is a parsed encrypted payload. Salt is empty for the key scheme.
type Blob struct {
	Header     string
	Salt       []byte
	IV         []byte
	Ciphertext []byte
}

// Encode serializes b back to its base64 wire form.
func (b Blob) Encode() string {
	raw := make([]byte, 0, len(b.Header)+len(b.Salt)+len(b.IV)+len(b.Ciphertext))
	raw = append(raw, b.Header...)
	raw = append(raw, b.Salt...)
	raw = append(raw, b.IV...)
	raw = append(raw, b.Ciphertext...)
	return base64.StdEncoding.EncodeToString(raw)
}

// ParseBlob decodes and splits an encrypted payload, detecting the scheme from
// its magic header.
func ParseBlob(s string) (Blob, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: payload is not base64", common.ErrInvalidFormat)
	}

	var saltSize int
	switch {
	case hasHeader(raw, MagicPassword):
		saltSize = SaltSize
	case hasHeader(raw, MagicKey):
		saltSize = 0
	default:
		return Blob{}, fmt.Errorf("%w: unknown payload header", common.ErrInvalidFormat)
	}

	h := len(MagicPassword)
	if len(raw) < h+saltSize+IVSize+tagSize {
		return Blob{}, fmt.Errorf("%w: payload too short", common.ErrInvalidFormat)
	}

	return Blob{
		Header:     string(raw[:h]),
		Salt:       raw[h : h+saltSize],
		IV:         raw[h+saltSize : h+saltSize+IVSize],
		Ciphertext: raw[h+saltSize+IVSize:],
	}, nil
}

func hasHeader(raw []byte, magic string) bool {
	return len(raw) >= len(magic) && string(raw[:len(magic)]) == magic
}

// DeriveKey stretches a password into a 32-byte AES key with Argon2id
// (time=1, memory=64 MiB, threads=4).
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// DeriveWrapKey expands a passkey PRF output into a 32-byte wrapping key
// with HKDF-SHA256.
func DeriveWrapKey(prfOutput, salt, info []byte) ([]byte, error) {
	if len(prfOutput) == 0 {
		return nil, errors.New("empty prf output")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, prfOutput, salt, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptWithPassword encrypts plaintext under a key derived from password
// and a fresh random salt.
//
// Example:
//
//	blob, err := cryptox.EncryptWithPassword(data, []byte("hunter2"))
//	if err != nil {
//	    return err
//	}
//	env.Data = blob
func EncryptWithPassword(plaintext, password []byte) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := DeriveKey(password, salt)
	defer common.WipeByteArray(key)

	iv, ct, err := seal(key, plaintext)
	if err != nil {
		return "", err
	}

	return Blob{Header: MagicPassword, Salt: salt, IV: iv, Ciphertext: ct}.Encode(), nil
}

// DecryptWithPassword reverses EncryptWithPassword. A wrong password yields
// common.ErrDecryptionFailed, never partially decrypted output.
func DecryptWithPassword(blob string, password []byte) ([]byte, error) {
	b, err := ParseBlob(blob)
	if err != nil {
		return nil, err
	}
	if b.Header != MagicPassword {
		return nil, fmt.Errorf("%w: payload is not password-encrypted", common.ErrInvalidFormat)
	}

	key := DeriveKey(password, b.Salt)
	defer common.WipeByteArray(key)

	return open(key, b.IV, b.Ciphertext)
}

// EncryptWithKey encrypts plaintext directly under a 32-byte key.
func EncryptWithKey(plaintext, key []byte) (string, error) {
	iv, ct, err := seal(key, plaintext)
	if err != nil {
		return "", err
	}
	return Blob{Header: MagicKey, IV: iv, Ciphertext: ct}.Encode(), nil
}

// DecryptWithKey reverses EncryptWithKey.
func DecryptWithKey(blob string, key []byte) ([]byte, error) {
	b, err := ParseBlob(blob)
	if err != nil {
		return nil, err
	}
	if b.Header != MagicKey {
		return nil, fmt.Errorf("%w: payload is not key-encrypted", common.ErrInvalidFormat)
	}
	return open(key, b.IV, b.Ciphertext)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}

	return iv, aesgcm.Seal(nil, iv, plaintext, nil), nil
}

func open(key, iv, ciphertext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, common.ErrDecryptionFailed
	}
	return plaintext, nil
}
