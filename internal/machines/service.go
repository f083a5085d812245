// Package machines persists machine records and their bearer-token hashes.
// The relay registers agents against these records: by cached id (fast path)
// or by scanning every record's token hash (slow path, first registration).
package machines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hermit-sh/hermit/internal/auth"
)

var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrNameExists      = errors.New("machine with this name already exists")
)

// Machine is a full row including the token hash.
type Machine struct {
	ID        string
	UserID    string
	Name      string
	TokenHash string
	LastSeen  *time.Time
	CreatedAt time.Time
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Create inserts a machine record for userID and returns it along with the
// one-time plaintext bearer token.
func (s *Service) Create(ctx context.Context, userID, name string) (*Machine, string, error) {
	token, err := auth.GenerateMachineToken()
	if err != nil {
		return nil, "", err
	}
	tokenHash, err := auth.HashMachineToken(token)
	if err != nil {
		return nil, "", err
	}

	var machine Machine
	err = s.pool.QueryRow(ctx,
		`INSERT INTO machines (user_id, name, token_hash) VALUES ($1, $2, $3)
		 RETURNING id, user_id, name, token_hash, last_seen, created_at`,
		userID, name, tokenHash,
	).Scan(&machine.ID, &machine.UserID, &machine.Name, &machine.TokenHash, &machine.LastSeen, &machine.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, "", ErrNameExists
		}
		return nil, "", fmt.Errorf("create machine: %w", err)
	}
	return &machine, token, nil
}

func (s *Service) FindByID(ctx context.Context, id string) (*Machine, error) {
	machine, err := s.scanOne(s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, token_hash, last_seen, created_at FROM machines WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMachineNotFound
		}
		return nil, fmt.Errorf("query machine by id: %w", err)
	}
	return machine, nil
}

func (s *Service) FindByUser(ctx context.Context, userID string) ([]Machine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, token_hash, last_seen, created_at
		 FROM machines WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query machines by user: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// FindAll returns every machine record. Used by the agent registration slow
// path, which has only a bearer token and must scan for a matching hash.
func (s *Service) FindAll(ctx context.Context) ([]Machine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, token_hash, last_seen, created_at FROM machines`)
	if err != nil {
		return nil, fmt.Errorf("query all machines: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

func (s *Service) UpdateLastSeen(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE machines SET last_seen = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("update machine last seen: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Service) scanOne(row rowScanner) (*Machine, error) {
	var machine Machine
	if err := row.Scan(&machine.ID, &machine.UserID, &machine.Name,
		&machine.TokenHash, &machine.LastSeen, &machine.CreatedAt); err != nil {
		return nil, err
	}
	return &machine, nil
}

func (s *Service) collect(rows pgx.Rows) ([]Machine, error) {
	var machines []Machine
	for rows.Next() {
		machine, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine row: %w", err)
		}
		machines = append(machines, *machine)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machine rows: %w", err)
	}
	return machines, nil
}

// LastSeenString renders last_seen (or created_at when never seen) for the
// wire format.
func (m *Machine) LastSeenString() string {
	if m.LastSeen != nil {
		return m.LastSeen.UTC().Format(time.RFC3339)
	}
	return m.CreatedAt.UTC().Format(time.RFC3339)
}
