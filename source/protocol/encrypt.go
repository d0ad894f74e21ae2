package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// Optional payload encryption: AES-256-GCM with a nonce derived from the
// packet sequence. The key is delivered by an external mechanism; the core
// only consumes it. Payload bytes are sealed after serialization, so the
// bit-packed header stays readable and carries the nonce input in the clear.

var (
	ErrDecryptFailed = errors.New("payload decryption failed")
	errInvalidKey    = errors.New("encryption key must be 32 bytes")
)

const gcmNonceSize = 12

type EncryptionState struct {
	aead cipher.AEAD
}

// NewEncryptionState builds an AEAD context from a 32-byte key.
func NewEncryptionState(key []byte) (*EncryptionState, error) {
	if len(key) != 32 {
		return nil, errInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &EncryptionState{aead: aead}, nil
}

// Encrypt seals plaintext with a sequence-derived nonce.
func (e *EncryptionState) Encrypt(plaintext []byte, sequence uint64) []byte {
	nonce := e.makeNonce(sequence)
	return e.aead.Seal(nil, nonce[:], plaintext, nil)
}

// Decrypt opens ciphertext sealed with the same sequence.
func (e *EncryptionState) Decrypt(ciphertext []byte, sequence uint64) ([]byte, error) {
	if len(ciphertext) < e.aead.Overhead() {
		return nil, ErrDecryptFailed
	}
	nonce := e.makeNonce(sequence)
	plaintext, err := e.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (e *EncryptionState) makeNonce(sequence uint64) [gcmNonceSize]byte {
	var nonce [gcmNonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], sequence)
	return nonce
}
