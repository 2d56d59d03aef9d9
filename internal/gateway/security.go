package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// SessionCrypto protects tunnel payloads end to end: the relay broker
// in the middle only ever sees ciphertext. The session key travels
// RSA-OAEP-wrapped to the peer gateway; payload frames use AES-GCM
// under that key.
type SessionCrypto struct {
	key []byte
}

// NewSessionCrypto derives a fresh random session key.
func NewSessionCrypto() (*SessionCrypto, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return &SessionCrypto{key: key}, nil
}

// SessionCryptoFromSecret rebuilds the crypto state from a shared
// secret, deriving the AES key the same way on both sides.
func SessionCryptoFromSecret(secret []byte) *SessionCrypto {
	key := sha256.Sum256(secret)
	return &SessionCrypto{key: key[:]}
}

// WrapKey encrypts the session key for the peer gateway's public key.
func (sc *SessionCrypto) WrapKey(peerPublicKeyPEM string) (string, error) {
	publicKey, err := parsePublicKey(peerPublicKeyPEM)
	if err != nil {
		return "", err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, sc.key, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap session key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKey recovers a session key wrapped for our private key.
func UnwrapKey(wrapped string, privateKey *rsa.PrivateKey) (*SessionCrypto, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped session key: %w", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap session key: %w", err)
	}
	return &SessionCrypto{key: key}, nil
}

// Seal encrypts one payload frame. The nonce is prepended so frames are
// self-contained and tolerate reordering.
func (sc *SessionCrypto) Seal(payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(sc.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return append(nonce, gcm.Seal(nil, nonce, payload, nil)...), nil
}

// Open decrypts one payload frame produced by Seal.
func (sc *SessionCrypto) Open(frame []byte) ([]byte, error) {
	block, err := aes.NewCipher(sc.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(frame) < gcm.NonceSize() {
		return nil, fmt.Errorf("tunnel frame is too short")
	}

	nonce, ciphertext := frame[:gcm.NonceSize()], frame[gcm.NonceSize():]
	payload, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt tunnel frame: %w", err)
	}
	return payload, nil
}

// PublicKeyPEM renders an RSA public key for transport in an ICN
// proposal.
func PublicKeyPEM(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer key is not an RSA public key")
	}
	return rsaKey, nil
}
