package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"promptgate/internal/metrics"
	"promptgate/internal/services"
	"promptgate/internal/settlement"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const maxWebhookBytes = 65536

// handleCreateCheckout 创建订阅结账会话
// 用户 ID 写入 client_reference_id 和订阅元数据，webhook 据此定位用户
func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeSecretKey == "" || s.checkout == nil {
		s.respondServiceError(w, r, services.ErrStripeNotConfigured, "checkout")
		return
	}
	var req settlement.CheckoutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if s.safeRedirect(req.SuccessURL) != req.SuccessURL || s.safeRedirect(req.CancelURL) != req.CancelURL {
		respondReason(w, http.StatusBadRequest, "validation", errors.New("redirect urls must point at the app"))
		return
	}
	priceID, ok := s.cfg.StripePriceFor(req.PlanTier)
	if !ok {
		s.respondServiceError(w, r, fmt.Errorf("%w: no price for %s", services.ErrStripeNotConfigured, req.PlanTier), "checkout_price")
		return
	}

	claims := claimsFromContext(r.Context())
	metadata := map[string]string{
		"user_id":   claims.UserID.String(),
		"plan_tier": string(req.PlanTier),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(claims.UserID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	if claims.Email != "" {
		params.CustomerEmail = stripe.String(claims.Email)
	}

	sess, err := s.checkout(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			log.Error().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("type", string(stripeErr.Type)).
				Str("code", string(stripeErr.Code)).
				Str("param", stripeErr.Param).
				Msg(stripeErr.Msg)
			respondReason(w, http.StatusBadGateway, "payment_provider", fmt.Errorf("stripe error: %s - %s", stripeErr.Code, stripeErr.Msg))
			return
		}
		respondErrorWithLog(w, r, http.StatusBadGateway, err, "stripe_session_create")
		return
	}
	log.Info().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("user_id", claims.UserID.String()).
		Str("plan_tier", string(req.PlanTier)).
		Str("stripe_session", sess.ID).
		Msg("checkout session created")

	respondJSON(w, http.StatusCreated, settlement.CheckoutSession{ID: sess.ID, URL: sess.URL})
}

// handleStripeWebhook 验签后交给结算逻辑处理
// Redis 占用只拦截并发的重复投递，最终幂等由 processed_events 保证
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" || s.settler == nil {
		s.respondServiceError(w, r, services.ErrStripeNotConfigured, "webhook")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		respondReason(w, http.StatusBadRequest, "invalid_signature", err)
		return
	}
	eventType := string(event.Type)
	logger := log.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("event_id", event.ID).
		Str("event_type", eventType).
		Logger()

	if s.tokens != nil {
		claimed, err := s.tokens.Claim(r.Context(), event.ID, s.cfg.WebhookClaimTTL)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("webhook claim unavailable")
		case !claimed:
			metrics.WebhookEvents.WithLabelValues(eventType, "in_flight").Inc()
			respondReason(w, http.StatusConflict, "in_flight", errors.New("event is already being processed"))
			return
		default:
			defer func() {
				if err := s.tokens.Release(r.Context(), event.ID); err != nil {
					logger.Warn().Err(err).Msg("webhook claim release failed")
				}
			}()
		}
	}

	res, err := s.settler.ApplyStripeEvent(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			// 找不到用户的事件重试也无法处理
			logger.Warn().Err(err).Msg("webhook event for unknown user")
			metrics.WebhookEvents.WithLabelValues(eventType, "ignored").Inc()
			respondJSON(w, http.StatusOK, map[string]any{"event_id": event.ID, "ignored": true})
		case errors.Is(err, services.ErrInvalidRequest):
			metrics.WebhookEvents.WithLabelValues(eventType, "rejected").Inc()
			respondReason(w, http.StatusBadRequest, "invalid_event", err)
		default:
			metrics.WebhookEvents.WithLabelValues(eventType, "failed").Inc()
			respondErrorWithLog(w, r, http.StatusInternalServerError, err, "apply_stripe_event")
		}
		return
	}

	result := "applied"
	switch {
	case res.Duplicate:
		result = "duplicate"
	case res.Action == "ignore":
		result = "ignored"
	}
	metrics.WebhookEvents.WithLabelValues(eventType, result).Inc()
	logger.Info().Str("action", res.Action).Str("user_id", res.UserID.String()).Bool("duplicate", res.Duplicate).Msg("webhook settled")
	respondJSON(w, http.StatusOK, res)
}
