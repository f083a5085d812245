package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MachineTokenPrefix distinguishes machine bearer tokens from user JWTs on
// sight. The token after the prefix is 32 random bytes, base64url.
const MachineTokenPrefix = "hmt_"

// GenerateMachineToken mints a new machine bearer token. The plaintext is
// shown to the user exactly once; only the bcrypt hash is stored.
func GenerateMachineToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate machine token: %w", err)
	}
	return MachineTokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashMachineToken hashes a machine token for storage.
func HashMachineToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash machine token: %w", err)
	}
	return string(hash), nil
}

// VerifyMachineToken reports whether token matches the stored hash.
func VerifyMachineToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
