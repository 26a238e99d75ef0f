package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = 24
)

var channelInfo = []byte("edgelink.channel.v1")

var (
	ErrServerKeyMismatch = errors.New("session: server key does not match pinned key")
	ErrBadProof          = errors.New("session: handshake proof mismatch")
	ErrSealedTooShort    = errors.New("session: sealed packet too short")
	ErrInvalidKey        = errors.New("session: invalid public key")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("session: generate key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("session: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveChannelKey runs the X25519 exchange and expands the shared secret
// with the handshake nonce as salt.
func DeriveChannelKey(private [KeySize]byte, peer, nonce []byte) ([]byte, error) {
	if len(peer) != KeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(peer))
	}
	shared, err := curve25519.X25519(private[:], peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	reader := hkdf.New(sha256.New, shared, nonce, channelInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("session: hkdf: %w", err)
	}
	return key, nil
}

// Proof is the keyed hash the client returns to show it derived the
// same channel key.
func Proof(key, nonce []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("session: proof: %w", err)
	}
	h.Write(channelInfo)
	h.Write(nonce)
	return h.Sum(nil), nil
}

func VerifyProof(key, nonce, proof []byte) error {
	want, err := Proof(key, nonce)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, proof) != 1 {
		return ErrBadProof
	}
	return nil
}

// CheckPinnedKey accepts any key when pinned is empty.
func CheckPinnedKey(pinned, offered []byte) error {
	if len(pinned) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare(pinned, offered) != 1 {
		return ErrServerKeyMismatch
	}
	return nil
}

// Cipher seals and opens channel packets as nonce || ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("session: cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out[:NonceSize]); err != nil {
		return nil, fmt.Errorf("session: nonce: %w", err)
	}
	return c.aead.Seal(out, out[:NonceSize], plain, nil), nil
}

func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+c.aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	plain, err := c.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}
	return plain, nil
}
