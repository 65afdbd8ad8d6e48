// Package crypto implements the Crypto Context the transport codec (see
// internal/transport/codec.go) uses to encrypt and decrypt packet payloads:
// an X25519 key agreement followed by ChaCha20-Poly1305 authenticated
// encryption. A Transport negotiates exactly one SessionKey for the
// lifetime of its connection; there is no per-stream key diversification
// because a Transport carries a single framed channel, not a multiplexed
// set of them.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// EncryptionOverhead is the total overhead added to each encrypted
	// message: the prepended nonce plus the appended auth tag.
	EncryptionOverhead = NonceSize + TagSize

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "rcagent-transport-session-v1"
)

// Cipher is the Crypto Context contract the codec consumes: encrypt/decrypt
// payload bytes without inspecting the implementation's internal state.
// *SessionKey satisfies it.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// SessionKey holds the symmetric key and send-nonce counter for one
// Transport's connection. It is safe for concurrent use; Encrypt locks only
// for the duration of its own counter increment.
type SessionKey struct {
	key [KeySize]byte

	// sendNonce counts packets this side has encrypted. isInitiator flips
	// the nonce's direction bit so the two sides of a bidirectional
	// connection never reuse a nonce under the shared key; Decrypt reads
	// the nonce the peer attached rather than predicting it, so only the
	// send side needs this bookkeeping.
	sendNonce   uint64
	isInitiator bool

	mu sync.Mutex
}

var _ Cipher = (*SessionKey)(nil)

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for the
// transport's session handshake. The caller should discard the private key
// once EstablishSessionKey has consumed it.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// EstablishSessionKey runs the X25519 agreement between localPriv and
// remotePub, mixes both sides' ephemeral public keys into an HKDF-SHA256
// derivation, and returns the resulting SessionKey. The function zeroes its
// own copy of localPriv before returning; the array is passed by value, so
// the caller's copy is left unchanged. isInitiator must be true on exactly one side of the
// exchange (the reverse-connect/dialing side); the other side passes false.
func EstablishSessionKey(localPriv, localPub, remotePub [KeySize]byte, isInitiator bool) (*SessionKey, error) {
	shared, err := computeECDH(localPriv, remotePub)
	zeroBytes(localPriv[:])
	if err != nil {
		return nil, err
	}

	initiatorPub, responderPub := localPub, remotePub
	if !isInitiator {
		initiatorPub, responderPub = remotePub, localPub
	}

	salt := make([]byte, 2*KeySize)
	copy(salt[:KeySize], initiatorPub[:])
	copy(salt[KeySize:], responderPub[:])

	reader := hkdf.New(sha256.New, shared[:], salt, []byte(hkdfInfo))
	sk := &SessionKey{isInitiator: isInitiator}
	if _, err := io.ReadFull(reader, sk.key[:]); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return sk, nil
}

// computeECDH performs the X25519 Diffie-Hellman exchange and rejects the
// low-order-point degenerate cases: a zero remote public key, or a
// resulting shared secret of all zeros.
func computeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var shared, zero [KeySize]byte

	if remotePublicKey == zero {
		return shared, fmt.Errorf("invalid remote public key: zero key")
	}
	curve25519.ScalarMult(&shared, &privateKey, &remotePublicKey)
	if shared == zero {
		return shared, fmt.Errorf("invalid ECDH result: low-order point")
	}
	return shared, nil
}

// Encrypt encrypts plaintext using ChaCha20-Poly1305 with a nonce unique to
// this key and direction. The nonce is prepended to the returned
// ciphertext, which is EncryptionOverhead bytes larger than plaintext.
func (s *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	nonce := s.buildNonce(s.sendNonce, s.isInitiator)
	s.sendNonce++
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	ciphertext := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(ciphertext, nonce[:])
	return aead.Seal(ciphertext, nonce[:], plaintext, nil), nil
}

// Decrypt reverses Encrypt: ciphertext must carry the prepended nonce this
// key's peer attached. Decrypt does not enforce nonce ordering — the
// transport's single TCP stream already delivers packets in order, so
// replay/reorder detection would only duplicate what TCP already
// guarantees.
func (s *SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionOverhead {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// buildNonce packs a direction bit into the nonce's top byte and a
// monotonic counter into the rest, keeping send and receive nonce spaces
// disjoint under one key.
func (s *SessionKey) buildNonce(counter uint64, sendsHighBit bool) [NonceSize]byte {
	var nonce [NonceSize]byte
	if sendsHighBit {
		nonce[0] = 0x80
	}
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Zero wipes the session key material. Call this when the transport that
// owns it is destroyed.
func (s *SessionKey) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zeroBytes(s.key[:])
}

// zeroBytes overwrites b with zeros in place.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
