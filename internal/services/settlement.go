package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promptgate/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v76"
)

type mutationKind int

const (
	mutationIgnore mutationKind = iota
	mutationActivate
	mutationUpdate
	mutationCancel
	mutationRenew
	mutationPastDue
)

func (k mutationKind) String() string {
	switch k {
	case mutationActivate:
		return "activate"
	case mutationUpdate:
		return "update"
	case mutationCancel:
		return "cancel"
	case mutationRenew:
		return "renew"
	case mutationPastDue:
		return "past_due"
	}
	return "ignore"
}

// eventMutation 描述一个 Stripe 事件对订阅和用量记录的修改
type eventMutation struct {
	kind           mutationKind
	userID         models.Identity
	customerID     string
	subscriptionID string
	// tier 为空表示保留当前套餐
	tier        models.PlanTier
	status      models.SubscriptionStatus
	periodStart *time.Time
	periodEnd   *time.Time
}

// SettlementResult 是 webhook 处理结果
type SettlementResult struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Action    string          `json:"action"`
	UserID    models.Identity `json:"user_id,omitempty"`
	Duplicate bool            `json:"duplicate"`
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func stripeStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionIncomplete
	}
}

// mutationForEvent 把 Stripe 事件映射为记录修改，不访问数据库
func (s *Service) mutationForEvent(event stripe.Event) (eventMutation, error) {
	if event.Data == nil {
		return eventMutation{}, fmt.Errorf("%w: event %s has no data", ErrInvalidRequest, event.ID)
	}
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return eventMutation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if sess.Mode != stripe.CheckoutSessionModeSubscription {
			return eventMutation{}, nil
		}
		m := eventMutation{
			kind:   mutationActivate,
			userID: models.Identity(sess.ClientReferenceID),
			tier:   models.PlanTier(sess.Metadata["plan_tier"]),
			status: models.SubscriptionActive,
		}
		if m.userID == "" {
			m.userID = models.Identity(sess.Metadata["user_id"])
		}
		if sess.Customer != nil {
			m.customerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			m.subscriptionID = sess.Subscription.ID
		}
		if m.userID == "" || !m.tier.Paid() {
			return eventMutation{}, fmt.Errorf("%w: checkout session %s missing user or plan", ErrInvalidRequest, sess.ID)
		}
		return m, nil

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return eventMutation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		m := eventMutation{
			subscriptionID: sub.ID,
			userID:         models.Identity(sub.Metadata["user_id"]),
		}
		if sub.Customer != nil {
			m.customerID = sub.Customer.ID
		}
		if event.Type == "customer.subscription.deleted" {
			m.kind = mutationCancel
			m.tier = models.PlanFree
			m.status = models.SubscriptionActive
			return m, nil
		}
		m.kind = mutationUpdate
		m.status = stripeStatus(sub.Status)
		m.periodStart = unixTime(sub.CurrentPeriodStart)
		m.periodEnd = unixTime(sub.CurrentPeriodEnd)
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			if tier, ok := s.config.TierForPrice(sub.Items.Data[0].Price.ID); ok {
				m.tier = tier
			}
		}
		return m, nil

	case "invoice.paid", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return eventMutation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			return eventMutation{}, nil
		}
		m := eventMutation{subscriptionID: inv.Subscription.ID}
		if inv.Customer != nil {
			m.customerID = inv.Customer.ID
		}
		if event.Type == "invoice.paid" {
			m.kind = mutationRenew
			m.status = models.SubscriptionActive
		} else {
			m.kind = mutationPastDue
			m.status = models.SubscriptionPastDue
		}
		return m, nil
	}
	return eventMutation{}, nil
}

// ApplyStripeEvent 幂等地处理 Stripe 事件
// 事件 ID 和记录修改在同一事务内写入，重复投递不会重复生效
func (s *Service) ApplyStripeEvent(ctx context.Context, event stripe.Event) (SettlementResult, error) {
	res := SettlementResult{EventID: event.ID, EventType: string(event.Type)}
	if event.ID == "" {
		return res, ErrInvalidRequest
	}
	m, err := s.mutationForEvent(event)
	if err != nil {
		return res, err
	}
	res.Action = m.kind.String()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, event.ID, string(event.Type))
	if err != nil {
		return res, err
	}
	if ct.RowsAffected() == 0 {
		res.Duplicate = true
		return res, nil
	}

	if m.kind != mutationIgnore {
		userID, err := s.applyMutation(ctx, tx, m)
		if err != nil {
			return res, err
		}
		res.UserID = userID
	}
	if err := tx.Commit(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// resolveUser 优先使用事件里的用户 ID，否则按 Stripe 订阅或客户 ID 查找
func (s *Service) resolveUser(ctx context.Context, tx pgx.Tx, m eventMutation) (uuid.UUID, error) {
	if m.userID != "" {
		return parseIdentity(m.userID)
	}
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT user_id FROM subscriptions
		WHERE ($1 <> '' AND stripe_subscription_id = $1)
			OR ($2 <> '' AND stripe_customer_id = $2)
		ORDER BY (stripe_subscription_id = $1) DESC
		LIMIT 1`, m.subscriptionID, m.customerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

func (s *Service) applyMutation(ctx context.Context, tx pgx.Tx, m eventMutation) (models.Identity, error) {
	uid, err := s.resolveUser(ctx, tx, m)
	if err != nil {
		return "", err
	}

	current := models.PlanFree
	err = tx.QueryRow(ctx, `SELECT plan_tier FROM subscriptions WHERE user_id = $1 FOR UPDATE`, uid).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	tier := m.tier
	if tier == "" {
		tier = current
	}
	now := s.now()

	switch m.kind {
	case mutationCancel:
		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (user_id, plan_tier, status, stripe_customer_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				plan_tier = EXCLUDED.plan_tier,
				status = EXCLUDED.status,
				current_period_start = NULL,
				current_period_end = NULL,
				stripe_subscription_id = '',
				updated_at = NOW()`,
			uid, models.PlanFree, models.SubscriptionActive, m.customerID)
	default:
		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (user_id, plan_tier, status, current_period_start, current_period_end,
				stripe_customer_id, stripe_subscription_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				plan_tier = EXCLUDED.plan_tier,
				status = EXCLUDED.status,
				current_period_start = COALESCE(EXCLUDED.current_period_start, subscriptions.current_period_start),
				current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
				stripe_customer_id = COALESCE(NULLIF(EXCLUDED.stripe_customer_id, ''), subscriptions.stripe_customer_id),
				stripe_subscription_id = COALESCE(NULLIF(EXCLUDED.stripe_subscription_id, ''), subscriptions.stripe_subscription_id),
				updated_at = NOW()`,
			uid, tier, m.status, m.periodStart, m.periodEnd, m.customerID, m.subscriptionID)
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			return "", ErrNotFound
		}
		return "", err
	}

	// 开通和续费开始新的计费周期，清零用量
	resetCounter := m.kind == mutationActivate || m.kind == mutationRenew
	resetDate := now.Add(s.config.UsageResetInterval())
	if m.periodEnd != nil {
		resetDate = *m.periodEnd
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO usage (user_id, prompts_used, prompts_limit, reset_date)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			prompts_limit = EXCLUDED.prompts_limit,
			prompts_used = CASE WHEN $4 THEN 0 ELSE usage.prompts_used END,
			reset_date = CASE WHEN $4 THEN EXCLUDED.reset_date ELSE usage.reset_date END,
			updated_at = NOW()`,
		uid, s.config.PromptLimitFor(tier), resetDate, resetCounter)
	if err != nil {
		return "", err
	}
	return models.Identity(uid.String()), nil
}
