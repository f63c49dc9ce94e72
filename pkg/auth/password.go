// Package auth hashes and verifies embedded broker passwords.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const saltBytes = 16

// Hash returns the hex SHA-256 of password followed by salt.
func Hash(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// Verify checks password against a stored salt and hash in constant time.
func Verify(password, salt, hash string) bool {
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(password, salt)), []byte(hash)) == 1
}

func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewCredential salts and hashes password for storage in the broker users list.
func NewCredential(password string) (hash, salt string, err error) {
	salt, err = RandomHex(saltBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	return Hash(password, salt), salt, nil
}
