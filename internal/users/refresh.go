package users

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var ErrInvalidRefreshToken = errors.New("invalid refresh token")

// hashRefreshToken digests the token for at-rest storage. SHA-256 rather
// than bcrypt: refresh tokens are high-entropy JWTs (no brute-force concern,
// and longer than bcrypt's 72-byte input limit) and the hash doubles as the
// lookup key.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// StoreRefreshToken records an issued refresh token so it can be redeemed
// exactly once.
func (s *Service) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)`,
		userID, hashRefreshToken(token), expiresAt)
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken redeems a refresh token, deleting it so replays fail.
// Returns the owning user id.
func (s *Service) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = $1 AND expires_at > now() RETURNING user_id`,
		hashRefreshToken(token)).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidRefreshToken
		}
		return "", fmt.Errorf("consume refresh token: %w", err)
	}
	return userID, nil
}

// RevokeRefreshTokens invalidates every outstanding refresh token for a
// user, e.g. on logout or password change.
func (s *Service) RevokeRefreshTokens(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}
