// Package cryptox implements the ciphertext formats used by the sync layer.
//
// Two self-describing payload formats are supported:
//
//   - a JSON envelope with explicit iv/ct fields, readable by any client
//     that can parse JSON;
//   - a denser binary format (compress-then-encrypt) for large payloads
//     such as full chat transcripts.
//
// Both use AES-256-GCM. Decryption dispatches on the leading bytes, so no
// out-of-band format hint is needed.
package cryptox

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Key string format: "k1." followed by the base64url (unpadded) encoding of
// 32 raw key bytes. The version tag allows the format to evolve without
// breaking stored key history.
const (
	keyVersionTag = "k1"
	keyByteLen    = 32
)

const nonceSize = 12

// Binary format marker. A binary blob is:
//
//	0xC5 0x01 | 12-byte nonce | AES-GCM ciphertext of gzip(plaintext)
var binaryMagic = []byte{0xC5, 0x01}

// gzip stream marker, checked on decrypted plaintext.
var gzipMagic = []byte{0x1f, 0x8b}

// Envelope is the JSON/text ciphertext format.
type Envelope struct {
	V  int    `json:"v"`
	IV string `json:"iv"`
	CT string `json:"ct"`
}

// GenerateKey returns a fresh random key string in the k1 format.
func GenerateKey() string {
	raw := common.GenerateRandByteArray(keyByteLen)
	defer common.WipeByteArray(raw)
	return keyVersionTag + "." + base64.RawURLEncoding.EncodeToString(raw)
}

// ParseKey validates a key string and returns the raw key bytes.
//
// A key must carry the k1 version tag and decode to exactly 32 bytes of
// base64url material. Anything else is rejected with ErrKeyInvalid so a
// malformed key can never be partially applied.
func ParseKey(s string) ([]byte, error) {
	tag, body, ok := strings.Cut(s, ".")
	if !ok || tag != keyVersionTag {
		return nil, fmt.Errorf("%w: missing %q version tag", common.ErrKeyInvalid, keyVersionTag)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyInvalid, err)
	}
	if len(raw) != keyByteLen {
		return nil, fmt.Errorf("%w: got %d key bytes, want %d", common.ErrKeyInvalid, len(raw), keyByteLen)
	}
	return raw, nil
}

// ValidKey reports whether s is a well-formed key string.
func ValidKey(s string) bool {
	raw, err := ParseKey(s)
	if err != nil {
		return false
	}
	common.WipeByteArray(raw)
	return true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key and returns a JSON envelope.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(nonceSize)
	ct := aesgcm.Seal(nil, nonce, plaintext, nil)

	env := Envelope{
		V:  1,
		IV: base64.StdEncoding.EncodeToString(nonce),
		CT: base64.StdEncoding.EncodeToString(ct),
	}
	return json.Marshal(env)
}

// EncryptBinary compresses plaintext with gzip, seals it under key, and
// returns a single binary blob prefixed with the format magic.
func EncryptBinary(plaintext, key []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plaintext); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(nonceSize)
	ct := aesgcm.Seal(nil, nonce, buf.Bytes(), nil)

	out := make([]byte, 0, len(binaryMagic)+nonceSize+len(ct))
	out = append(out, binaryMagic...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// IsBinaryFormat reports whether blob carries the binary format magic.
func IsBinaryFormat(blob []byte) bool {
	return len(blob) >= len(binaryMagic) && bytes.Equal(blob[:len(binaryMagic)], binaryMagic)
}

// Decrypt opens a blob produced by Encrypt or EncryptBinary.
//
// Authentication or format failures return ErrDecryptionFailed (wrong key,
// recoverable by trying another key). If the sealed bytes authenticated but
// an embedded gzip stream fails to decompress, the error is ErrDataCorrupted:
// retrying other keys cannot help, and callers must be able to distinguish
// the two.
func Decrypt(blob, key []byte) ([]byte, error) {
	if IsBinaryFormat(blob) {
		return decryptBinary(blob, key)
	}
	return decryptEnvelope(blob, key)
}

func decryptBinary(blob, key []byte) ([]byte, error) {
	body := blob[len(binaryMagic):]
	if len(body) <= nonceSize {
		return nil, fmt.Errorf("%w: truncated binary blob", common.ErrDecryptionFailed)
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plain, err := aesgcm.Open(nil, body[:nonceSize], body[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return maybeDecompress(plain)
}

func decryptEnvelope(blob, key []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		// A malformed envelope is indistinguishable from data written under
		// an incompatible client; treat it as a decryption failure.
		return nil, fmt.Errorf("%w: malformed envelope: %v", common.ErrDecryptionFailed, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv: %v", common.ErrDecryptionFailed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ct: %v", common.ErrDecryptionFailed, err)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad iv size %d", common.ErrDecryptionFailed, len(nonce))
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plain, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return maybeDecompress(plain)
}

// maybeDecompress inflates plain if it starts with the gzip marker.
// Decompression failure after successful authentication means the stored
// payload itself is damaged.
func maybeDecompress(plain []byte) ([]byte, error) {
	if len(plain) < len(gzipMagic) || !bytes.Equal(plain[:len(gzipMagic)], gzipMagic) {
		return plain, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(plain))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDataCorrupted, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDataCorrupted, err)
	}
	return out, nil
}

// DeriveKeyFromPassphrase stretches a recovery passphrase into a k1 key
// string. The salt must be stable per account so the same passphrase always
// yields the same key.
func DeriveKeyFromPassphrase(passphrase, salt []byte) (string, error) {
	mk := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keyByteLen)
	defer common.WipeByteArray(mk)

	raw := make([]byte, keyByteLen)
	kdf := hkdf.New(sha256.New, mk, nil, []byte("chatsync:v1:enc"))
	if _, err := io.ReadFull(kdf, raw); err != nil {
		return "", err
	}
	defer common.WipeByteArray(raw)

	return keyVersionTag + "." + base64.RawURLEncoding.EncodeToString(raw), nil
}
