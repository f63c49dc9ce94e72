// Package pki implements the X25519 + AES-CCM encryption Meshtastic uses for
// direct messages between nodes that know each other's public key.
package pki

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand/v2"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
	"golang.org/x/crypto/curve25519"
)

const (
	KeySize = 32
	// Overhead is the CCM tag plus the trailing extra nonce.
	Overhead = tagSize + 4

	tagSize   = 8
	nonceSize = 13
)

var ErrShortCiphertext = errors.New("ciphertext shorter than pki overhead")

// nonce lays out [packetID as uint64][from][extra] and keeps the CCM prefix.
func nonce(packetID, from, extra uint32) []byte {
	n := make([]byte, 16)
	binary.LittleEndian.PutUint64(n[0:], uint64(packetID))
	binary.LittleEndian.PutUint32(n[8:], from)
	if extra != 0 {
		binary.LittleEndian.PutUint32(n[4:], extra)
	}
	return n[:nonceSize]
}

func GenerateKeyPair() (public, private []byte, err error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv.PublicKey().Bytes(), priv.Bytes(), nil
}

// PublicKey derives the public half of a private key.
func PublicKey(private []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(private)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey().Bytes(), nil
}

// ParseKey decodes a base64 key as shown by the Meshtastic apps.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

func sharedCCM(private, peer []byte) (cipher.AEAD, error) {
	if len(private) != KeySize || len(peer) != KeySize {
		return nil, fmt.Errorf("key length must be %d bytes", KeySize)
	}
	secret, err := curve25519.X25519(private, peer)
	if err != nil {
		return nil, fmt.Errorf("shared key: %w", err)
	}
	hashed := sha256.Sum256(secret)
	block, err := aes.NewCipher(hashed[:])
	if err != nil {
		return nil, err
	}
	return ccm.NewCCM(block, tagSize, nonceSize)
}

// Encrypt seals plain for peer. The random extra nonce is appended to the result.
func Encrypt(plain, private, peer []byte, packetID, from uint32) ([]byte, error) {
	aead, err := sharedCCM(private, peer)
	if err != nil {
		return nil, err
	}
	extra := mathrand.Uint32() >> 1
	out := aead.Seal(nil, nonce(packetID, from, extra), plain, nil)
	return binary.LittleEndian.AppendUint32(out, extra), nil
}

// Decrypt opens a payload sent by peer.
func Decrypt(ciphertext, private, peer []byte, packetID, from uint32) ([]byte, error) {
	if len(ciphertext) <= Overhead {
		return nil, ErrShortCiphertext
	}
	aead, err := sharedCCM(private, peer)
	if err != nil {
		return nil, err
	}
	body := ciphertext[:len(ciphertext)-4]
	extra := binary.LittleEndian.Uint32(ciphertext[len(ciphertext)-4:])
	return aead.Open(nil, nonce(packetID, from, extra), body, nil)
}
