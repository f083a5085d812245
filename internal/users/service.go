package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is a full row including the password hash. Only this package and the
// login path should ever see it.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type UserInfo struct {
	ID    string
	Email string
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// HashPassword generates a bcrypt hash from a plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password with a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Service) Create(ctx context.Context, email, password string) (UserInfo, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return UserInfo{}, err
	}

	var user UserInfo
	err = s.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id, email`,
		email, hash,
	).Scan(&user.ID, &user.Email)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return UserInfo{}, ErrEmailExists
		}
		return UserInfo{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Service) FindByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = $1`,
		email,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return &user, nil
}

func (s *Service) FindByID(ctx context.Context, id string) (UserInfo, error) {
	var user UserInfo
	err := s.pool.QueryRow(ctx,
		`SELECT id, email FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserInfo{}, ErrUserNotFound
		}
		return UserInfo{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

// Authenticate verifies email/password and returns the public profile.
func (s *Service) Authenticate(ctx context.Context, email, password string) (UserInfo, error) {
	user, err := s.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return UserInfo{}, ErrInvalidCredentials
		}
		return UserInfo{}, err
	}
	if !CheckPassword(password, user.PasswordHash) {
		return UserInfo{}, ErrInvalidCredentials
	}
	return UserInfo{ID: user.ID, Email: user.Email}, nil
}
