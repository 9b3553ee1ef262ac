package httpapi

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"promptgate/internal/config"
	"promptgate/internal/email"
	"promptgate/internal/entitlement"
	"promptgate/internal/metrics"
	"promptgate/internal/models"
	"promptgate/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
)

// Accounts 用户账号操作
type Accounts interface {
	CreateUser(ctx context.Context, email, password string) (models.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (models.User, error)
	ConfirmUser(ctx context.Context, id models.Identity) (models.User, error)
	GetUserByID(ctx context.Context, id models.Identity) (models.User, error)
	GetOrCreateUserByGoogleID(ctx context.Context, googleID, email string) (models.User, bool, error)
}

// Settler 处理已验签的 Stripe 事件
type Settler interface {
	ApplyStripeEvent(ctx context.Context, event stripe.Event) (services.SettlementResult, error)
}

// TokenStore 令牌吊销和 webhook 占用，通常由 Redis 提供
type TokenStore interface {
	Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, eventID string) error
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Mailer 发送注册确认邮件
type Mailer interface {
	IsConfigured() bool
	SendConfirmation(ctx context.Context, to, link string, ttl time.Duration) error
}

// CheckoutCreator 创建 Stripe 结账会话
type CheckoutCreator func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

type Server struct {
	cfg      config.Config
	accounts Accounts
	repo     entitlement.Repository
	settler  Settler
	tokens   TokenStore
	mailer   Mailer
	checkout CheckoutCreator
	limiter  *ipRateLimiter
	oauth    map[string]oauthProvider
	validate *validator.Validate
	now      func() time.Time
}

type Option func(*Server)

func WithAccounts(a Accounts) Option { return func(s *Server) { s.accounts = a } }

func WithRepository(repo entitlement.Repository) Option { return func(s *Server) { s.repo = repo } }

func WithSettler(st Settler) Option { return func(s *Server) { s.settler = st } }

func WithTokenStore(ts TokenStore) Option { return func(s *Server) { s.tokens = ts } }

func WithMailer(m Mailer) Option { return func(s *Server) { s.mailer = m } }

func WithCheckoutCreator(fn CheckoutCreator) Option { return func(s *Server) { s.checkout = fn } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// NewServer 创建 API 服务，svc 为空时所有依赖都需通过选项注入
func NewServer(svc *services.Service, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		mailer:   email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFrom),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	if svc != nil {
		s.accounts = svc
		s.repo = svc
		s.settler = svc
	}
	s.checkout = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		client := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.StripeSecretKey}
		return client.New(params)
	}
	if cfg.AuthRatePerMinute > 0 {
		s.limiter = newIPRateLimiter(cfg.AuthRatePerMinute, cfg.AuthRateBurst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loggingRecoverer panic 恢复中间件，记录堆栈
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志和指标
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			elapsed := time.Since(start)
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.ObserveHTTP(r.Method, route, status, elapsed)
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("elapsed", elapsed).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// 公开接口，按 IP 限流
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.middleware)
			}
			r.Post("/auth/signup", s.handleSignup)
			r.Post("/auth/login", s.handleLogin)
			r.Get("/auth/confirm", s.handleConfirm)
			r.Get("/auth/oauth/{provider}", s.handleOAuthLogin)
			r.Get("/auth/oauth/{provider}/callback", s.handleOAuthCallback)
		})

		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		// 需要认证的接口
		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/auth/session", s.handleSession)
			r.Post("/auth/refresh", s.handleRefresh)
			r.Post("/auth/logout", s.handleLogout)

			r.Get("/subscription", s.handleGetSubscription)
			r.Get("/usage", s.handleGetUsage)

			r.Route("/rpc", func(r chi.Router) {
				r.Post("/ensure_records_exist", s.handleEnsureRecords)
				r.Post("/can_perform_action", s.handleCanPerformAction)
				r.Post("/increment_usage", s.handleIncrementUsage)
				r.Post("/reset_usage", s.handleResetUsage)
			})

			r.Post("/checkout", s.handleCreateCheckout)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if s.cfg.AppURL != "" {
			origin = s.cfg.AppURL
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,Stripe-Signature")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondServiceError 把服务层错误映射为 HTTP 状态码
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, entitlement.ErrRecordNotFound):
		respondReason(w, http.StatusNotFound, "record_not_found", err)
	case errors.Is(err, services.ErrNotFound):
		respondReason(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondReason(w, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, services.ErrInvalidCredentials):
		respondReason(w, http.StatusUnauthorized, "invalid_credentials", err)
	case errors.Is(err, services.ErrUnauthorized):
		respondReason(w, http.StatusUnauthorized, "unauthorized", err)
	case errors.Is(err, services.ErrEmailNotVerified):
		respondReason(w, http.StatusForbidden, "email_not_confirmed", err)
	case errors.Is(err, services.ErrUserDisabled):
		respondReason(w, http.StatusForbidden, "user_disabled", err)
	case errors.Is(err, services.ErrForbidden):
		respondReason(w, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, services.ErrEmailAlreadyExists):
		respondReason(w, http.StatusConflict, "duplicate_registration", err)
	case errors.Is(err, services.ErrStripeNotConfigured):
		respondReason(w, http.StatusServiceUnavailable, "stripe_not_configured", err)
	case errors.Is(err, services.ErrUnknownPrice):
		respondReason(w, http.StatusBadRequest, "unknown_price", err)
	default:
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, op)
	}
}
