package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/cockroachdb/errors"
)

var ErrKeySize = errors.New("crypto: key must be 16, 24 or 32 bytes")

// Vault seals secrets (session cookies, SMTP passwords) at rest with
// AES-GCM. The owner id is bound as associated data so a sealed value
// copied onto another row fails to open.
type Vault struct{ aead cipher.AEAD }

func New(key []byte) (*Vault, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.WithDetailf(ErrKeySize, "got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return &Vault{aead: a}, nil
}

func (v *Vault) Seal(plaintext, owner string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}
	buf := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(owner))
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (v *Vault) Open(sealed, owner string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	buf, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.Wrap(err, "decode sealed value")
	}
	ns := v.aead.NonceSize()
	if len(buf) < ns {
		return "", errors.New("crypto: sealed value too short")
	}
	pt, err := v.aead.Open(nil, buf[:ns], buf[ns:], []byte(owner))
	if err != nil {
		return "", errors.Wrap(err, "open sealed value")
	}
	return string(pt), nil
}
