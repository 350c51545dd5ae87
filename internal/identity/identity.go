// Package identity is the minimal user/credential store the HTTP
// layer needs to mint and validate bearer tokens in tests and local
// development. Reduced from the teacher's internal/auth package (which
// has full registration/login/refresh-token-rotation HTTP routes) down
// to just the repository + password hashing spec.md's identity
// Non-goal calls for: no handlers, no refresh-token table.
package identity

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/kmassidik/walletledger/internal/common/db"
	"github.com/kmassidik/walletledger/internal/common/logger"
)

// User is a minimal account record: just enough to issue a token.
type User struct {
	ID           string
	Email        string
	PasswordHash string
}

const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            VARCHAR(255) PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email         VARCHAR(255) NOT NULL UNIQUE,
	password_hash VARCHAR(255) NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Repository is the thinnest possible persistence layer for User.
type Repository struct {
	db     *db.DB
	logger *logger.Logger
}

func NewRepository(database *db.DB, log *logger.Logger) *Repository {
	return &Repository{db: database, logger: log}
}

func (r *Repository) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	user := &User{Email: email, PasswordHash: passwordHash}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id
	`, email, passwordHash).Scan(&user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return &user, nil
}

// HashPassword bcrypt-hashes password, rejecting the empty string.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
