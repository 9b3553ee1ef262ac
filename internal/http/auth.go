package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"promptgate/internal/models"
	"promptgate/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const contextKeyClaims contextKey = "claims"

const (
	issuer = "promptgate"

	purposeAccess     = ""
	purposeConfirm    = "confirm"
	purposeOAuthState = "oauth_state"

	confirmationTTL = 24 * time.Hour
	oauthStateTTL   = 10 * time.Minute
)

type JWTClaims struct {
	UserID  models.Identity `json:"user_id"`
	Email   string          `json:"email"`
	Purpose string          `json:"purpose,omitempty"`
	// Redirect 仅用于确认链接和 OAuth state
	Redirect string `json:"redirect,omitempty"`
	jwt.RegisteredClaims
}

// generateJWT 生成带 jti 的 JWT Token
func (s *Server) generateJWT(claims JWTClaims, ttl time.Duration) (string, time.Time, error) {
	if s.cfg.JWTSecretKey == "" {
		return "", time.Time{}, errors.New("JWT secret key not configured")
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   string(claims.UserID),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecretKey))
	return signed, expiresAt, err
}

// parseJWT 校验签名、过期时间和用途
func (s *Server) parseJWT(raw, purpose string) (*JWTClaims, error) {
	if s.cfg.JWTSecretKey == "" {
		return nil, errors.New("JWT secret key not configured")
	}
	token, err := jwt.ParseWithClaims(raw, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecretKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.Purpose != purpose || claims.UserID == "" && purpose != purposeOAuthState {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// jwtMiddleware JWT 验证中间件，配置 Redis 时检查吊销
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondReason(w, http.StatusUnauthorized, "unauthorized", errors.New("missing authorization header"))
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondReason(w, http.StatusUnauthorized, "unauthorized", errors.New("invalid authorization header format"))
			return
		}

		claims, err := s.parseJWT(parts[1], purposeAccess)
		if err != nil {
			respondReason(w, http.StatusUnauthorized, "unauthorized", errors.New("invalid or expired token"))
			return
		}
		if s.tokens != nil {
			revoked, err := s.tokens.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				respondErrorWithLog(w, r, http.StatusServiceUnavailable, errors.New("token check unavailable"), "token_revocation")
				return
			}
			if revoked {
				respondReason(w, http.StatusUnauthorized, "unauthorized", errors.New("token revoked"))
				return
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFromContext 从 context 获取当前令牌
func claimsFromContext(ctx context.Context) *JWTClaims {
	if claims, ok := ctx.Value(contextKeyClaims).(*JWTClaims); ok {
		return claims
	}
	return nil
}

// getUserIDFromContext 从 context 获取当前用户 ID
func getUserIDFromContext(ctx context.Context) models.Identity {
	if claims := claimsFromContext(ctx); claims != nil {
		return claims.UserID
	}
	return ""
}

type credentialsRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8,max=128"`
	RedirectTo string `json:"redirect_to" validate:"omitempty,url"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        models.User `json:"user"`
}

type signupResponse struct {
	User                 models.User      `json:"user"`
	ConfirmationRequired bool             `json:"confirmation_required"`
	Session              *sessionResponse `json:"session,omitempty"`
}

func (s *Server) issueSession(user models.User) (sessionResponse, error) {
	token, expiresAt, err := s.generateJWT(JWTClaims{UserID: user.ID, Email: user.Email}, s.cfg.JWTExpiry())
	if err != nil {
		return sessionResponse{}, err
	}
	return sessionResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: expiresAt, User: user}, nil
}

// safeRedirect 只允许跳回前端地址，其余情况回到首页
func (s *Server) safeRedirect(target string) string {
	if target != "" && s.cfg.AppURL != "" && (target == s.cfg.AppURL || strings.HasPrefix(target, s.cfg.AppURL+"/")) {
		return target
	}
	return s.cfg.AppURL + "/"
}

// handleSignup 注册，需要邮箱确认时不返回会话
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	user, err := s.accounts.CreateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err, "create_user")
		return
	}

	if user.Status == models.UserStatusPendingVerification {
		s.sendConfirmation(r, user, s.safeRedirect(req.RedirectTo))
		respondJSON(w, http.StatusCreated, signupResponse{User: user, ConfirmationRequired: true})
		return
	}

	sess, err := s.issueSession(user)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "issue_session")
		return
	}
	respondJSON(w, http.StatusCreated, signupResponse{User: user, Session: &sess})
}

// sendConfirmation 发送确认邮件，失败只记录日志
func (s *Server) sendConfirmation(r *http.Request, user models.User, redirect string) {
	token, _, err := s.generateJWT(JWTClaims{UserID: user.ID, Email: user.Email, Purpose: purposeConfirm, Redirect: redirect}, confirmationTTL)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID.String()).Msg("confirmation token failed")
		return
	}
	link := s.cfg.PublicBaseURL + "/api/auth/confirm?" + url.Values{"token": {token}}.Encode()
	logger := log.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("user_id", user.ID.String()).
		Logger()
	if s.mailer == nil || !s.mailer.IsConfigured() {
		logger.Warn().Str("link", link).Msg("email not configured, confirmation link logged only")
		return
	}
	if err := s.mailer.SendConfirmation(r.Context(), user.Email, link, confirmationTTL); err != nil {
		logger.Error().Err(err).Msg("send confirmation failed")
	}
}

// handleConfirm 确认邮箱并把会话令牌放在跳转地址的 fragment 中
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parseJWT(r.URL.Query().Get("token"), purposeConfirm)
	if err != nil {
		respondReason(w, http.StatusBadRequest, "invalid_token", errors.New("invalid or expired confirmation link"))
		return
	}
	user, err := s.accounts.ConfirmUser(r.Context(), claims.UserID)
	if err != nil {
		s.respondServiceError(w, r, err, "confirm_user")
		return
	}
	sess, err := s.issueSession(user)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "issue_session")
		return
	}
	http.Redirect(w, r, sessionRedirect(s.safeRedirect(claims.Redirect), sess, s.now(), url.Values{"type": {"signup"}}), http.StatusFound)
}

// sessionRedirect 把会话参数编码到 fragment，避免出现在服务端日志里
func sessionRedirect(target string, sess sessionResponse, now time.Time, extra url.Values) string {
	values := url.Values{
		"access_token": {sess.AccessToken},
		"token_type":   {sess.TokenType},
		"expires_at":   {strconv.FormatInt(sess.ExpiresAt.Unix(), 10)},
		"expires_in":   {strconv.FormatInt(int64(sess.ExpiresAt.Sub(now).Seconds()), 10)},
	}
	for k, v := range extra {
		values[k] = v
	}
	return target + "#" + values.Encode()
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	user, err := s.accounts.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err, "authenticate")
		return
	}
	sess, err := s.issueSession(user)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "issue_session")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleSession 返回当前令牌对应的用户
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	user, err := s.accounts.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			respondReason(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		s.respondServiceError(w, r, err, "get_user")
		return
	}
	if user.Status != models.UserStatusActive {
		s.respondServiceError(w, r, services.ErrUserDisabled, "session")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{TokenType: "bearer", ExpiresAt: claims.ExpiresAt.Time, User: user})
}

// handleRefresh 换发新令牌并吊销旧令牌
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	user, err := s.accounts.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		s.respondServiceError(w, r, err, "get_user")
		return
	}
	if user.Status != models.UserStatusActive {
		s.respondServiceError(w, r, services.ErrUserDisabled, "refresh")
		return
	}
	sess, err := s.issueSession(user)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "issue_session")
		return
	}
	s.revoke(r, claims)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.revoke(r, claimsFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revoke(r *http.Request, claims *JWTClaims) {
	if s.tokens == nil || claims == nil || claims.ExpiresAt == nil {
		return
	}
	if err := s.tokens.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		log.Warn().Err(err).Str("user_id", claims.UserID.String()).Msg("token revocation failed")
	}
}
