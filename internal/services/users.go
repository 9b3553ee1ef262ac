package services

import (
	"context"
	"errors"
	"strings"

	"promptgate/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

const userColumns = `id, email, COALESCE(password_hash, ''), google_id, status, created_at, updated_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	var id uuid.UUID
	err := row.Scan(&id, &user.Email, &user.PasswordHash, &user.GoogleID, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	user.ID = models.Identity(id.String())
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// parseIdentity 校验身份标识必须是 UUID
func parseIdentity(id models.Identity) (uuid.UUID, error) {
	parsed, err := uuid.Parse(string(id))
	if err != nil {
		return uuid.Nil, ErrInvalidRequest
	}
	return parsed, nil
}

// CreateUser 注册新用户
// 开启邮箱确认时用户状态为 pending_verification，确认后才能登录
func (s *Service) CreateUser(ctx context.Context, email, password string) (models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return models.User{}, ErrInvalidRequest
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	status := models.UserStatusActive
	if s.config.RequireConfirmation {
		status = models.UserStatusPendingVerification
	}
	user, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		uuid.New(), email, string(passwordHash), status,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrEmailAlreadyExists
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) GetUserByID(ctx context.Context, id models.Identity) (models.User, error) {
	uid, err := parseIdentity(id)
	if err != nil {
		return models.User{}, err
	}
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, uid))
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email)))
}

// ConfirmUser 确认邮箱，只有待确认状态的用户会被激活
func (s *Service) ConfirmUser(ctx context.Context, id models.Identity) (models.User, error) {
	uid, err := parseIdentity(id)
	if err != nil {
		return models.User{}, err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE users SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.UserStatusActive, uid, models.UserStatusPendingVerification)
	if err != nil {
		return models.User{}, err
	}
	user, err := s.GetUserByID(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	if user.Status == models.UserStatusDisabled {
		return models.User{}, ErrUserDisabled
	}
	return user, nil
}

// AuthenticateUser 验证用户凭证
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if email == "" || password == "" {
		return models.User{}, ErrInvalidCredentials
	}

	user, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}

	switch user.Status {
	case models.UserStatusActive:
		return user, nil
	case models.UserStatusPendingVerification:
		return models.User{}, ErrEmailNotVerified
	default:
		return models.User{}, ErrUserDisabled
	}
}

// GetOrCreateUserByGoogleID 通过 Google ID 获取或创建用户
// 同邮箱的密码用户会被绑定到该 Google 账号
func (s *Service) GetOrCreateUserByGoogleID(ctx context.Context, googleID, email string) (models.User, bool, error) {
	email = normalizeEmail(email)
	if googleID == "" || email == "" {
		return models.User{}, false, ErrInvalidRequest
	}

	// 先尝试通过 google_id 查找用户
	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE google_id = $1`, googleID))
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.User{}, false, err
	}

	// 检查是否有相同邮箱的用户（可能是之前用密码注册的）
	existing, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		// Google 已验证邮箱，待确认的用户直接激活
		_, err = s.pool.Exec(ctx, `
			UPDATE users
			SET google_id = $1,
				status = CASE WHEN status = $2 THEN $3 ELSE status END,
				updated_at = NOW()
			WHERE email = $4`,
			googleID, models.UserStatusPendingVerification, models.UserStatusActive, email)
		if err != nil {
			return models.User{}, false, err
		}
		existing.GoogleID = &googleID
		if existing.Status == models.UserStatusPendingVerification {
			existing.Status = models.UserStatusActive
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.User{}, false, err
	}

	// 用户不存在，创建新用户
	user, err = scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, google_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		uuid.New(), email, googleID, models.UserStatusActive,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, false, ErrEmailAlreadyExists
		}
		return models.User{}, false, err
	}
	return user, true, nil
}
