package services

import (
	"errors"
	"time"

	"promptgate/internal/config"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrStripeNotConfigured = errors.New("stripe not configured")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrEmailAlreadyExists  = errors.New("email already registered")
	ErrEmailNotVerified    = errors.New("email not verified")
	ErrUserDisabled        = errors.New("user disabled")
	ErrUnknownPrice        = errors.New("unknown stripe price")
)

type Service struct {
	pool   *pgxpool.Pool
	config config.Config
	now    func() time.Time
}

func New(pool *pgxpool.Pool, cfg config.Config) *Service {
	return &Service{pool: pool, config: cfg, now: func() time.Time { return time.Now().UTC() }}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
