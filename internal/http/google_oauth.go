package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// oauthProvider 第三方登录的端点配置
type oauthProvider struct {
	Endpoint    oauth2.Endpoint
	UserInfoURL string
	Scopes      []string
}

var defaultOAuthProviders = map[string]oauthProvider{
	"google": {
		Endpoint:    google.Endpoint,
		UserInfoURL: googleUserInfoURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
	},
}

// WithOAuthEndpoint 替换某个提供方的端点，测试时指向本地服务
func WithOAuthEndpoint(name string, endpoint oauth2.Endpoint, userInfoURL string) Option {
	return func(s *Server) {
		if s.oauth == nil {
			s.oauth = map[string]oauthProvider{}
			for k, v := range defaultOAuthProviders {
				s.oauth[k] = v
			}
		}
		p := s.oauth[name]
		p.Endpoint = endpoint
		p.UserInfoURL = userInfoURL
		s.oauth[name] = p
	}
}

// oauthUserInfo 用户信息结构，字段与 Google userinfo 一致
type oauthUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

// oauthConfig 获取提供方的 OAuth 配置
func (s *Server) oauthConfig(name string) (*oauth2.Config, oauthProvider, error) {
	providers := s.oauth
	if providers == nil {
		providers = defaultOAuthProviders
	}
	provider, known := providers[name]
	creds, ok := s.cfg.OAuthFor(name)
	if !known || !ok {
		return nil, oauthProvider{}, fmt.Errorf("oauth provider %q not configured", name)
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURL,
		Scopes:       provider.Scopes,
		Endpoint:     provider.Endpoint,
	}, provider, nil
}

// handleOAuthLogin 重定向用户到提供方授权页面
// state 为短期签名令牌，携带登录后的跳转地址
func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	config, _, err := s.oauthConfig(chi.URLParam(r, "provider"))
	if err != nil {
		respondReason(w, http.StatusServiceUnavailable, "provider_unavailable", err)
		return
	}
	state, _, err := s.generateJWT(JWTClaims{
		Purpose:  purposeOAuthState,
		Redirect: s.safeRedirect(r.URL.Query().Get("redirect_to")),
	}, oauthStateTTL)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "oauth_state")
		return
	}
	http.Redirect(w, r, config.AuthCodeURL(state, oauth2.AccessTypeOnline), http.StatusTemporaryRedirect)
}

// handleOAuthCallback 处理提供方回调
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	state, err := s.parseJWT(r.URL.Query().Get("state"), purposeOAuthState)
	if err != nil {
		respondReason(w, http.StatusBadRequest, "invalid_state", errors.New("invalid state parameter"))
		return
	}
	target := s.safeRedirect(state.Redirect)

	// 重定向到前端并带上错误码
	redirectWithError := func(code string) {
		log.Warn().Str("provider", name).Str("error", code).Msg("oauth callback failed")
		http.Redirect(w, r, target+"?"+url.Values{"error": {code}}.Encode(), http.StatusFound)
	}

	if r.URL.Query().Get("error") != "" {
		redirectWithError("oauth_error")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		redirectWithError("missing_code")
		return
	}
	config, provider, err := s.oauthConfig(name)
	if err != nil {
		redirectWithError("provider_unavailable")
		return
	}

	token, err := config.Exchange(r.Context(), code)
	if err != nil {
		redirectWithError("token_exchange_failed")
		return
	}
	info, err := fetchUserInfo(r.Context(), config, token, provider.UserInfoURL)
	if err != nil {
		redirectWithError("get_user_info_failed")
		return
	}
	if !info.VerifiedEmail {
		redirectWithError("email_not_verified")
		return
	}

	user, isNew, err := s.accounts.GetOrCreateUserByGoogleID(r.Context(), info.ID, info.Email)
	if err != nil {
		redirectWithError("create_user_failed")
		return
	}
	if user.Status != "active" {
		redirectWithError("user_disabled")
		return
	}
	sess, err := s.issueSession(user)
	if err != nil {
		redirectWithError("token_generation_failed")
		return
	}
	http.Redirect(w, r, sessionRedirect(target, sess, s.now(), url.Values{
		"type":        {"oauth"},
		"is_new_user": {strconv.FormatBool(isNew)},
	}), http.StatusFound)
}

// fetchUserInfo 使用访问令牌获取用户信息
func fetchUserInfo(ctx context.Context, config *oauth2.Config, token *oauth2.Token, endpoint string) (*oauthUserInfo, error) {
	client := config.Client(ctx, token)
	resp, err := client.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get user info: unexpected status %d", resp.StatusCode)
	}
	var info oauthUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	return &info, nil
}
